// Package xref locates and merges cross-reference data: classic tables,
// cross-reference streams, hybrid files and incremental revisions. When the
// chain is unusable the table is rebuilt by scanning the file.
package xref

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/filters"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/observability"
	"github.com/wudi/pdfinspect/parser"
	"github.com/wudi/pdfinspect/scanner"
	"github.com/wudi/pdfinspect/security"
)

type EntryKind int

const (
	EntryFree EntryKind = iota
	EntryInUse
	EntryCompressed
)

func (k EntryKind) String() string {
	switch k {
	case EntryFree:
		return "free"
	case EntryInUse:
		return "in-use"
	case EntryCompressed:
		return "compressed"
	}
	return "unknown"
}

// Entry is one cross-reference record.
type Entry struct {
	Kind EntryKind
	// Offset is the byte offset of an in-use object, or the next free object
	// number for a free entry.
	Offset int64
	Gen    int
	// Stream and Index locate a compressed object inside its object stream.
	Stream int
	Index  int
}

func (e Entry) String() string {
	switch e.Kind {
	case EntryInUse:
		return fmt.Sprintf("in-use @%d gen %d", e.Offset, e.Gen)
	case EntryCompressed:
		return fmt.Sprintf("compressed in %d [%d]", e.Stream, e.Index)
	}
	return fmt.Sprintf("free gen %d", e.Gen)
}

// Matches reports whether a reference with generation gen designates the
// object this entry describes. Compressed objects always have generation 0.
func (e Entry) Matches(gen int) bool {
	switch e.Kind {
	case EntryInUse:
		return e.Gen == gen
	case EntryCompressed:
		return gen == 0
	}
	return false
}

// Row is one line of the merged table.
type Row struct {
	Num   int
	Entry Entry
}

// Section is one revision's cross-reference data and trailer.
type Section struct {
	// Offset is where the section starts; -1 for a reconstructed section.
	Offset int64
	// Stream is set for cross-reference streams; StreamRef names the object.
	Stream    bool
	StreamRef raw.ObjectRef
	Entries   map[int]Entry
	// Hybrid holds entries from the /XRefStm stream of a hybrid file.
	Hybrid  map[int]Entry
	Trailer *raw.DictObj
}

// Prev returns the /Prev offset of the section's trailer.
func (s *Section) Prev() (int64, bool) { return s.Trailer.Int("Prev") }

// Reconstructed reports whether the section was synthesized by a scan.
func (s *Section) Reconstructed() bool { return s.Offset < 0 }

// Error reports a structurally invalid cross-reference section.
type Error struct {
	Offset int64
	Msg    string
}

func (e *Error) Error() string {
	if e.Offset < 0 {
		return "xref: " + e.Msg
	}
	return fmt.Sprintf("xref: %s (offset %d)", e.Msg, e.Offset)
}

func (e *Error) DiagnosticKind() diag.Kind { return diag.KindXref }
func (e *Error) DiagnosticCode() string   { return "XRF001" }

func xrefErrorf(off int64, format string, args ...interface{}) *Error {
	return &Error{Offset: off, Msg: fmt.Sprintf(format, args...)}
}

// Table is the merged cross-reference index of a document.
type Table struct {
	entries       map[int]Entry
	sections      []*Section
	trailer       *raw.DictObj
	startxref     int64
	reconstructed bool
	reasons       []string
	repaired      int
	linearized    bool
}

func (t *Table) Lookup(num int) (Entry, bool) {
	e, ok := t.entries[num]
	return e, ok
}

// Objects returns the object numbers present in the table, ascending.
func (t *Table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Rows returns the merged table ordered by object number.
func (t *Table) Rows() []Row {
	nums := t.Objects()
	rows := make([]Row, len(nums))
	for i, n := range nums {
		rows[i] = Row{Num: n, Entry: t.entries[n]}
	}
	return rows
}

// Revisions returns the sections oldest first. A reconstructed section, if
// any, is last.
func (t *Table) Revisions() []*Section { return t.sections }

// Trailer returns the merged trailer. Keys from newer revisions win.
func (t *Table) Trailer() *raw.DictObj { return t.trailer }

func (t *Table) Reconstructed() bool { return t.reconstructed }

// Reasons lists why the declared chain could not be used as-is.
func (t *Table) Reasons() []string { return t.reasons }

// Repaired is the number of entries whose offsets were corrected by a scan.
func (t *Table) Repaired() int { return t.repaired }

func (t *Table) Linearized() bool { return t.linearized }

// StartXRef is the offset named by startxref, or -1.
func (t *Table) StartXRef() int64 { return t.startxref }

// Size is one more than the highest object number in the table.
func (t *Table) Size() int {
	max := -1
	for n := range t.entries {
		if n > max {
			max = n
		}
	}
	return max + 1
}

// Resolver locates and parses xref information in a PDF.
type Resolver interface {
	Resolve(ctx context.Context, data []byte) (*Table, error)
}

type ResolverConfig struct {
	// MaxXRefDepth bounds the /Prev chain. Zero uses Limits.MaxXRefDepth.
	MaxXRefDepth int
	// Sink receives the resolver's Xref diagnostics.
	Sink   diag.Sink
	Logger observability.Logger
	Limits security.Limits
}

func NewResolver(cfg ResolverConfig) Resolver {
	cfg.Limits = cfg.Limits.WithDefaults()
	if cfg.MaxXRefDepth <= 0 {
		cfg.MaxXRefDepth = cfg.Limits.MaxXRefDepth
	}
	if cfg.Sink == nil {
		cfg.Sink = diag.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	return &resolver{
		cfg:      cfg,
		pipeline: filters.NewPipeline(filters.NewRegistry(nil).Decoders(), cfg.Limits.FilterLimits()),
	}
}

type resolver struct {
	cfg      ResolverConfig
	pipeline *filters.Pipeline
}

// Resolve builds the table for data. The only error returned besides context
// cancellation is *diag.FatalError, when data is empty or holds neither
// objects nor a trailer.
func (r *resolver) Resolve(ctx context.Context, data []byte) (*Table, error) {
	if len(data) == 0 {
		return nil, &diag.FatalError{Reason: "empty input"}
	}
	t := &Table{entries: make(map[int]Entry), startxref: -1}

	var chain []*Section
	broken := false
	off, err := findStartXRef(data)
	if err != nil {
		t.reasons = append(t.reasons, err.Error())
	} else {
		t.startxref = off
		chain, err = r.loadChain(ctx, data, off)
		if err != nil {
			t.reasons = append(t.reasons, err.Error())
			broken = len(chain) > 0
		}
	}
	if len(chain) == 0 {
		for _, alt := range fallbackOffsets(data) {
			secs, err := r.loadChain(ctx, data, alt)
			if len(secs) == 0 {
				continue
			}
			chain = secs
			t.reasons = append(t.reasons, fmt.Sprintf("using cross-reference section found at offset %d", alt))
			if err != nil {
				t.reasons = append(t.reasons, err.Error())
				broken = true
			}
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(chain) == 0 || broken {
		if len(chain) == 0 {
			t.reasons = append(t.reasons, "no usable cross-reference section")
		}
		if err := r.reconstruct(ctx, data, t, chain); err != nil {
			return nil, err
		}
	} else {
		t.merge(chain)
		if err := r.verifyOffsets(ctx, data, t); err != nil {
			return nil, err
		}
	}
	t.linearized = detectLinearized(data)

	if len(t.reasons) > 0 {
		msg := "cross-reference located heuristically: "
		if t.reconstructed {
			msg = "cross-reference table reconstructed by scanning: "
		}
		r.report("XRF001", t.startxref, msg+strings.Join(t.reasons, "; "))
		r.cfg.Logger.Warn("xref recovery", observability.Bool("reconstructed", t.reconstructed), observability.Int("objects", len(t.entries)))
	}
	r.cfg.Logger.Debug("xref resolved",
		observability.Int("revisions", len(t.sections)),
		observability.Int("objects", len(t.entries)),
		observability.Bool("linearized", t.linearized))
	return t, nil
}

func (r *resolver) report(code string, off int64, msg string) {
	r.cfg.Sink.Report(diag.Diagnostic{
		Component: diag.ComponentXRef,
		Kind:      diag.KindXref,
		Severity:  diag.SeverityWarning,
		Code:      code,
		Offset:    off,
		Message:   msg,
	})
}

func (r *resolver) parserConfig() parser.Config {
	return parser.Config{
		Scanner: scanner.Config{
			MaxStringLength: r.cfg.Limits.MaxStringLength,
			MaxStreamLength: r.cfg.Limits.MaxStreamLength,
		},
		MaxDepth: r.cfg.Limits.NestingDepth(),
	}
}

// loadChain follows /Prev from start. It returns the sections read so far,
// newest first, and the error that stopped the walk.
func (r *resolver) loadChain(ctx context.Context, data []byte, start int64) ([]*Section, error) {
	var chain []*Section
	seen := make(map[int64]bool)
	off := start
	for depth := 0; ; depth++ {
		if err := ctx.Err(); err != nil {
			return chain, err
		}
		if depth >= r.cfg.MaxXRefDepth {
			return chain, xrefErrorf(off, "/Prev chain exceeds %d sections", r.cfg.MaxXRefDepth)
		}
		if seen[off] {
			return chain, xrefErrorf(off, "cyclic /Prev chain")
		}
		seen[off] = true

		sec, err := r.parseSection(ctx, data, off)
		if err != nil {
			return chain, err
		}
		if stm, ok := sec.Trailer.Int("XRefStm"); ok && !sec.Stream {
			hs, err := r.parseSection(ctx, data, stm)
			if err == nil && !hs.Stream {
				err = xrefErrorf(stm, "/XRefStm does not point at a cross-reference stream")
			}
			if err != nil {
				return append(chain, sec), err
			}
			sec.Hybrid = hs.Entries
		}
		chain = append(chain, sec)
		r.cfg.Logger.Debug("xref section parsed",
			observability.Int64("offset", off),
			observability.Int("entries", len(sec.Entries)),
			observability.Bool("stream", sec.Stream))

		prev, ok := sec.Prev()
		if !ok {
			return chain, nil
		}
		off = prev
	}
}

func (r *resolver) parseSection(ctx context.Context, data []byte, off int64) (*Section, error) {
	if off <= 0 || off >= int64(len(data)) {
		return nil, xrefErrorf(off, "section offset out of range for %d-byte file", len(data))
	}
	s := scanner.New(data, r.parserConfig().Scanner)
	if err := s.Seek(off); err != nil {
		return nil, xrefErrorf(off, "%v", err)
	}
	tok, err := s.Next()
	if err != nil {
		return nil, xrefErrorf(off, "no cross-reference section: %v", err)
	}
	switch {
	case tok.IsKeyword("xref"):
		return r.parseClassic(data, s, off)
	case tok.Type == scanner.TokenNumber:
		return r.parseStreamSection(ctx, data, tok.Pos)
	}
	return nil, xrefErrorf(off, "no cross-reference section")
}

// merge folds chain (newest first) into t. An entry from a newer revision is
// never overridden; within a revision the table wins over /XRefStm.
func (t *Table) merge(chain []*Section) {
	for _, sec := range chain {
		fill(t.entries, sec.Entries)
		fill(t.entries, sec.Hybrid)
	}
	t.sections = make([]*Section, len(chain))
	for i, sec := range chain {
		t.sections[len(chain)-1-i] = sec
	}
	t.trailer = mergeTrailers(t.sections)
}

func fill(dst, src map[int]Entry) {
	for num, e := range src {
		if _, ok := dst[num]; !ok {
			dst[num] = e
		}
	}
}

// mergeTrailers overlays trailers oldest to newest. Chain links are not
// carried over.
func mergeTrailers(oldestFirst []*Section) *raw.DictObj {
	tr := raw.Dict()
	for _, sec := range oldestFirst {
		for _, k := range sec.Trailer.Keys() {
			if k == "Prev" || k == "XRefStm" {
				continue
			}
			v, _ := sec.Trailer.Get(k)
			tr.Set(k, v)
		}
	}
	return tr
}

func findStartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return -1, xrefErrorf(diag.NoOffset, "startxref not found")
	}
	rest := data[idx+len("startxref"):]
	i := 0
	for i < len(rest) && raw.IsWhitespace(rest[i]) {
		i++
	}
	j := i
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	off, err := strconv.ParseInt(string(rest[i:j]), 10, 64)
	if err != nil {
		return -1, xrefErrorf(int64(idx), "startxref value unreadable")
	}
	if off <= 0 || off >= int64(len(data)) {
		return -1, xrefErrorf(int64(idx), "startxref offset %d out of range", off)
	}
	return off, nil
}

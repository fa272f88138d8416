package xref

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/filters"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/observability"
	"github.com/wudi/pdfinspect/parser"
)

var (
	objHeader       = regexp.MustCompile(`(\d{1,10})[\x00\t\n\f\r ]+(\d{1,5})[\x00\t\n\f\r ]+obj\b`)
	objHeaderAt     = regexp.MustCompile(`^[\x00\t\n\f\r ]*(\d{1,10})[\x00\t\n\f\r ]+(\d{1,5})[\x00\t\n\f\r ]+obj\b`)
	xrefStreamType  = regexp.MustCompile(`/Type[\x00\t\n\f\r ]*/XRef\b`)
	trailerKeyword  = []byte("trailer")
	linearizedWindow = 1024
)

// scanResult is what a linear pass over the file found.
type scanResult struct {
	entries map[int]Entry
	// trailer is the last parseable dictionary following a trailer keyword.
	trailer *raw.DictObj
	// xrefDict is the dictionary of the last cross-reference stream.
	xrefDict   *raw.DictObj
	catalog    raw.ObjectRef
	hasCatalog bool
	objStms    []objStm
}

type objStm struct {
	num    int
	stream *raw.StreamObj
}

// scan walks every "n g obj" header in data. Each object is parsed so that
// the walk resumes after its end, which keeps stream payloads from producing
// false headers. Later definitions of the same number win.
func (r *resolver) scan(ctx context.Context, data []byte) (*scanResult, error) {
	sr := &scanResult{entries: make(map[int]Entry)}
	p := parser.New(data, r.parserConfig())
	pos := 0
	for pos < len(data) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loc := objHeader.FindSubmatchIndex(data[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		next := pos + loc[1]
		num, err1 := strconv.Atoi(string(data[pos+loc[2] : pos+loc[3]]))
		gen, err2 := strconv.Atoi(string(data[pos+loc[4] : pos+loc[5]]))
		if err1 != nil || err2 != nil || (start > 0 && isDigit(data[start-1])) {
			pos = next
			continue
		}
		sr.entries[num] = Entry{Kind: EntryInUse, Offset: int64(start), Gen: gen}

		if ind, err := p.ParseIndirectAt(int64(start)); err == nil {
			sr.classify(ind)
			if end := p.Position(); end > int64(next) {
				next = int(end)
			}
		}
		pos = next
	}

	for i := 0; ; {
		j := bytes.Index(data[i:], trailerKeyword)
		if j < 0 {
			break
		}
		at := int64(i + j + len(trailerKeyword))
		if err := p.Seek(at); err == nil {
			if obj, err := p.ParseObject(); err == nil {
				if d, ok := obj.(*raw.DictObj); ok {
					sr.trailer = d
				}
			}
		}
		i = int(at)
	}
	return sr, nil
}

func (sr *scanResult) classify(ind parser.Indirect) {
	var dict *raw.DictObj
	switch o := ind.Object.(type) {
	case *raw.DictObj:
		dict = o
	case *raw.StreamObj:
		dict = o.Dict
		switch typ, _ := dict.Name("Type"); typ {
		case "ObjStm":
			sr.objStms = append(sr.objStms, objStm{num: ind.Ref.Num, stream: o})
		case "XRef":
			sr.xrefDict = dict
		}
	}
	if typ, _ := dict.Name("Type"); typ == "Catalog" {
		sr.catalog, sr.hasCatalog = ind.Ref, true
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// addObjectStreamMembers records compressed members of scanned object
// streams. Objects defined directly in the file take precedence.
func (r *resolver) addObjectStreamMembers(ctx context.Context, sr *scanResult) {
	for _, stm := range sr.objStms {
		res, err := r.pipeline.Decode(ctx, stm.stream.Data, filters.ExtractFilters(stm.stream.Dict), stm.stream.DeclaredLength)
		if err != nil {
			r.cfg.Logger.Debug("object stream skipped during scan", observability.Int("object", stm.num), observability.Error("error", err))
			continue
		}
		container, err := parser.NewObjectStream(stm.num, stm.stream.Dict, res.Data, r.parserConfig())
		if container == nil {
			continue
		}
		for idx, m := range container.Members {
			if _, ok := sr.entries[m.Num]; ok {
				continue
			}
			sr.entries[m.Num] = Entry{Kind: EntryCompressed, Stream: stm.num, Index: idx}
		}
		if err != nil {
			r.cfg.Logger.Debug("object stream header incomplete", observability.Int("object", stm.num), observability.Error("error", err))
		}
	}
}

// reconstruct replaces the declared chain with a table built from a scan.
// Trailer precedence: the last well-formed trailer dictionary, then the last
// cross-reference stream dictionary, then a synthesized trailer whose /Root
// is the last catalog found. Entries of a partially read chain only fill
// gaps for free and compressed objects.
func (r *resolver) reconstruct(ctx context.Context, data []byte, t *Table, chain []*Section) error {
	sr, err := r.scan(ctx, data)
	if err != nil {
		return err
	}
	r.addObjectStreamMembers(ctx, sr)

	var trailer *raw.DictObj
	switch {
	case sr.trailer != nil:
		trailer = sr.trailer.Clone()
	case sr.xrefDict != nil:
		trailer = sr.xrefDict.Clone()
		for _, k := range []string{"Type", "W", "Index", "Length", "Filter", "DecodeParms", "Prev"} {
			trailer.Delete(k)
		}
	case len(sr.entries) > 0:
		trailer = raw.Dict()
	default:
		return &diag.FatalError{Reason: "no objects or trailer found"}
	}

	for num, e := range sr.entries {
		t.entries[num] = e
	}
	for _, sec := range chain {
		for _, src := range []map[int]Entry{sec.Entries, sec.Hybrid} {
			for num, e := range src {
				if _, ok := t.entries[num]; !ok && e.Kind != EntryInUse {
					t.entries[num] = e
				}
			}
		}
	}

	if len(chain) > 0 {
		oldest := make([]*Section, len(chain))
		for i, sec := range chain {
			oldest[len(chain)-1-i] = sec
		}
		declared := mergeTrailers(oldest)
		for _, k := range declared.Keys() {
			if _, ok := trailer.Get(k); !ok && k != "Prev" && k != "XRefStm" {
				v, _ := declared.Get(k)
				trailer.Set(k, v)
			}
		}
		t.sections = oldest
	}
	if _, ok := trailer.Get("Root"); !ok && sr.hasCatalog {
		trailer.Set("Root", raw.RefObj{R: sr.catalog})
	}
	if _, ok := trailer.Get("Size"); !ok {
		trailer.Set("Size", raw.NumberInt(int64(t.Size())))
	}
	trailer.Delete("Prev")

	snapshot := make(map[int]Entry, len(sr.entries))
	for num, e := range sr.entries {
		snapshot[num] = e
	}
	t.sections = append(t.sections, &Section{Offset: -1, Entries: snapshot, Trailer: trailer})
	t.trailer = trailer
	t.reconstructed = true
	r.cfg.Logger.Warn("xref reconstructed", observability.Int("objects", len(sr.entries)), observability.Bool("catalog", sr.hasCatalog))
	return nil
}

// verifyOffsets checks that every in-use entry points at its object header.
// Entries that do not are replaced from a scan, with one diagnostic for the
// whole table.
func (r *resolver) verifyOffsets(ctx context.Context, data []byte, t *Table) error {
	var bad []int
	for num, e := range t.entries {
		if e.Kind == EntryInUse && !headerMatches(data, e.Offset, num, e.Gen) {
			bad = append(bad, num)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Ints(bad)
	sr, err := r.scan(ctx, data)
	if err != nil {
		return err
	}
	for _, num := range bad {
		if e, ok := sr.entries[num]; ok {
			t.entries[num] = e
			t.repaired++
		}
	}
	r.report("XRF005", t.startxref, fmt.Sprintf("%d cross-reference offsets did not point at their objects (first: object %d); %d repaired by scanning", len(bad), bad[0], t.repaired))
	return nil
}

func headerMatches(data []byte, off int64, num, gen int) bool {
	if off < 0 || off >= int64(len(data)) {
		return false
	}
	end := min(off+64, int64(len(data)))
	m := objHeaderAt.FindSubmatch(data[off:end])
	if m == nil {
		return false
	}
	n, err1 := strconv.Atoi(string(m[1]))
	g, err2 := strconv.Atoi(string(m[2]))
	return err1 == nil && err2 == nil && n == num && g == gen
}

// fallbackOffsets lists candidate section offsets when startxref is unusable:
// the last xref keyword before the last trailer keyword, then the last
// cross-reference stream object.
func fallbackOffsets(data []byte) []int64 {
	var out []int64
	limit := len(data)
	if t := bytes.LastIndex(data, trailerKeyword); t >= 0 {
		limit = t
	}
	for end := limit; end > 0; {
		i := bytes.LastIndex(data[:end], []byte("xref"))
		if i < 0 {
			break
		}
		if i == 0 || data[i-1] != 't' {
			out = append(out, int64(i))
			break
		}
		end = i
	}
	if locs := xrefStreamType.FindAllIndex(data, -1); len(locs) > 0 {
		last := locs[len(locs)-1][0]
		if hs := objHeader.FindAllIndex(data[:last], -1); len(hs) > 0 {
			out = append(out, int64(hs[len(hs)-1][0]))
		}
	}
	return out
}

// detectLinearized reports whether the first object carries /Linearized.
func detectLinearized(data []byte) bool {
	head := data[:min(len(data), linearizedWindow)]
	loc := objHeader.FindIndex(head)
	if loc == nil {
		return false
	}
	p := parser.New(data, parser.Config{})
	ind, err := p.ParseIndirectAt(int64(loc[0]))
	if err != nil {
		return false
	}
	d, ok := ind.Object.(*raw.DictObj)
	if !ok {
		return false
	}
	_, ok = d.Get("Linearized")
	return ok
}

// Package document opens a PDF held in memory and exposes its object graph:
// the merged trailer, lazily materialized objects, decoded stream payloads,
// the cross-reference table and structural validation.
package document

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/filters"
	"github.com/wudi/pdfinspect/ir/decoded"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/observability"
	"github.com/wudi/pdfinspect/parser"
	"github.com/wudi/pdfinspect/recovery"
	"github.com/wudi/pdfinspect/scanner"
	"github.com/wudi/pdfinspect/security"
	"github.com/wudi/pdfinspect/xref"
)

// Config controls how a document is opened. The zero value is usable.
type Config struct {
	// Recovery decides how malformed object syntax is handled. Nil selects a
	// lenient strategy that reports into the document's diagnostics.
	Recovery recovery.Strategy
	Limits   security.Limits
	// Password is tried as the user, then the owner password. The empty
	// user password is always tried as well.
	Password string
	Logger   observability.Logger
	Tracer   observability.Tracer
}

var headerVersion = regexp.MustCompile(`%PDF-(\d+\.\d+)`)

const headerWindow = 1024

// Document is one opened file. Objects are materialized on first use and
// cached until the Document is dropped. A Document may be shared between
// goroutines, but the intended use is one owner at a time.
type Document struct {
	data    []byte
	cfg     Config
	version string
	table   *xref.Table
	diags   *diag.Collector
	memo    *decoded.Memo

	pipeline *filters.Pipeline
	handler  security.Handler
	enc      *security.Descriptor

	mu         sync.Mutex
	objects    map[raw.ObjectRef]raw.Object
	loading    map[raw.ObjectRef]bool
	depth      int
	containers map[int]*parser.ObjectStream
}

// Open parses the cross-reference structure of data and prepares lazy
// access to its objects. The only error it returns is *diag.FatalError;
// every other problem is recorded as a diagnostic.
func Open(ctx context.Context, data []byte, cfg Config) (*Document, error) {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NopTracer()
	}
	cfg.Limits = cfg.Limits.WithDefaults()

	ctx, span := cfg.Tracer.StartSpan(ctx, "pdf.open")
	defer span.Finish()
	start := time.Now()

	if len(data) == 0 {
		fe := &diag.FatalError{Reason: "empty input"}
		span.SetError(fe)
		return nil, fe
	}

	d := &Document{
		data:       data,
		cfg:        cfg,
		diags:      diag.NewCollector(),
		objects:    make(map[raw.ObjectRef]raw.Object),
		loading:    make(map[raw.ObjectRef]bool),
		containers: make(map[int]*parser.ObjectStream),
	}
	if d.cfg.Recovery == nil {
		d.cfg.Recovery = recovery.NewLenientStrategyWithSink(d.diags)
	}
	d.memo = decoded.NewMemo(decoded.DecoderFunc(d.decodeStream))
	d.readHeader()

	res := xref.NewResolver(xref.ResolverConfig{
		Sink:   d.diags,
		Logger: cfg.Logger,
		Limits: cfg.Limits,
	})
	table, err := res.Resolve(ctx, data)
	if err != nil {
		var fe *diag.FatalError
		if !errors.As(err, &fe) {
			fe = &diag.FatalError{Reason: err.Error()}
		}
		span.SetError(fe)
		return nil, fe
	}
	d.table = table
	d.setupSecurity()

	span.SetTag(observability.MetricObjectCount, len(table.Objects()))
	span.SetTag(observability.MetricRevisions, len(table.Revisions()))
	span.SetTag(observability.MetricReconstructed, table.Reconstructed())
	span.SetTag(observability.MetricParseTime, time.Since(start).Milliseconds())
	cfg.Logger.Debug("document opened",
		observability.String("version", d.version),
		observability.Int("objects", len(table.Objects())),
		observability.Bool("encrypted", d.enc != nil),
		observability.Bool("reconstructed", table.Reconstructed()),
		observability.Duration(observability.MetricParseTime, time.Since(start)))
	return d, nil
}

func (d *Document) readHeader() {
	head := d.data[:min(len(d.data), headerWindow)]
	loc := headerVersion.FindSubmatchIndex(head)
	if loc == nil {
		d.report(diag.Diagnostic{
			Component: diag.ComponentDocument,
			Kind:      diag.KindSyntax,
			Severity:  diag.SeverityWarning,
			Code:      "HDR001",
			Offset:    0,
			Message:   "missing %PDF-n.m header",
		})
		return
	}
	d.version = string(head[loc[2]:loc[3]])
	if loc[0] != 0 {
		d.report(diag.Diagnostic{
			Component: diag.ComponentDocument,
			Kind:      diag.KindSyntax,
			Severity:  diag.SeverityInfo,
			Code:      "HDR001",
			Offset:    int64(loc[0]),
			Message:   "header preceded by junk bytes",
		})
	}
}

// setupSecurity builds the security handler when the trailer names an
// /Encrypt dictionary and authenticates with the configured password.
func (d *Document) setupSecurity() {
	d.pipeline = d.newPipeline(nil)
	encObj, ok := d.table.Trailer().Get("Encrypt")
	if !ok {
		return
	}
	var (
		dict   *raw.DictObj
		ref    raw.ObjectRef
		hasRef bool
	)
	switch v := encObj.(type) {
	case raw.RefObj:
		ref, hasRef = v.R, true
		dict, _ = d.Resolve(v.R.Num, v.R.Gen).(*raw.DictObj)
	case *raw.DictObj:
		dict = v
	}
	if dict == nil {
		d.report(diag.Diagnostic{
			Component: diag.ComponentSecurity,
			Kind:      diag.KindValidation,
			Severity:  diag.SeverityError,
			Code:      "SEC001",
			Offset:    diag.NoOffset,
			Message:   "/Encrypt does not resolve to a dictionary",
		})
		return
	}
	desc := security.ParseDescriptor(dict)
	desc.Ref, desc.HasRef = ref, hasRef
	d.enc = &desc

	h, err := (&security.HandlerBuilder{}).WithEncryptDict(dict).WithTrailer(d.table.Trailer()).Build()
	if err != nil {
		d.cfg.Logger.Warn("security handler unavailable", observability.Error("error", err))
		return
	}
	err = h.Authenticate(d.cfg.Password)
	if err != nil && d.cfg.Password != "" {
		err = h.Authenticate("")
	}
	if err != nil {
		d.cfg.Logger.Warn("authentication failed", observability.Error("error", err))
		return
	}
	d.handler = h
	d.enc.Authenticated = true
	d.pipeline = d.newPipeline(h)

	// Objects loaded before the key was known are dropped so that their
	// strings are decrypted on the next access.
	d.mu.Lock()
	for r := range d.objects {
		if !hasRef || r != ref {
			delete(d.objects, r)
		}
	}
	d.containers = make(map[int]*parser.ObjectStream)
	d.mu.Unlock()
}

func (d *Document) newPipeline(h security.Handler) *filters.Pipeline {
	var dec filters.Decryptor
	if h != nil {
		dec = h
	}
	return filters.NewPipeline(filters.NewRegistry(dec).Decoders(), d.cfg.Limits.FilterLimits())
}

func (d *Document) report(dg diag.Diagnostic) { d.diags.Report(dg) }

func (d *Document) parserConfig() parser.Config {
	return parser.Config{
		Scanner: scanner.Config{
			MaxStringLength: d.cfg.Limits.MaxStringLength,
			MaxStreamLength: d.cfg.Limits.MaxStreamLength,
		},
		Recovery:      d.cfg.Recovery,
		MaxDepth:      d.cfg.Limits.NestingDepth(),
		ResolveLength: d.resolveLength,
	}
}

// Trailer returns the merged trailer dictionary.
func (d *Document) Trailer() *raw.DictObj { return d.table.Trailer() }

// XRefTable returns the merged cross-reference table ordered by object
// number.
func (d *Document) XRefTable() []xref.Row { return d.table.Rows() }

// Lookup returns the merged cross-reference entry for num.
func (d *Document) Lookup(num int) (xref.Entry, bool) { return d.table.Lookup(num) }

// Revisions returns the cross-reference sections oldest first.
func (d *Document) Revisions() []*xref.Section { return d.table.Revisions() }

func (d *Document) Linearized() bool { return d.table.Linearized() }

// Reconstructed reports whether the table was rebuilt by scanning.
func (d *Document) Reconstructed() bool { return d.table.Reconstructed() }

// Encryption returns the parsed /Encrypt dictionary, or nil.
func (d *Document) Encryption() *security.Descriptor { return d.enc }

// Diagnostics returns what was reported while opening, resolving and
// decoding, in emission order.
func (d *Document) Diagnostics() []diag.Diagnostic { return d.diags.All() }

func (d *Document) DecodeStats() decoded.Stats { return d.memo.Stats() }

// Size is the length of the underlying buffer.
func (d *Document) Size() int { return len(d.data) }

// Version returns the header version, or the catalog's /Version when that
// names a later one.
func (d *Document) Version() string {
	v := d.version
	if cat, _, ok := d.Catalog(); ok {
		if cv, ok := cat.Name("Version"); ok && versionLess(v, cv) {
			v = cv
		}
	}
	return v
}

var versionName = regexp.MustCompile(`^(\d+)\.(\d+)$`)

// versionLess reports whether b names a later version than a. Numbers are
// compared, so 1.10 follows 1.9. A malformed b is never later.
func versionLess(a, b string) bool {
	mb := versionName.FindStringSubmatch(b)
	if mb == nil {
		return false
	}
	ma := versionName.FindStringSubmatch(a)
	if ma == nil {
		return true
	}
	for i := 1; i <= 2; i++ {
		x, _ := strconv.Atoi(ma[i])
		y, _ := strconv.Atoi(mb[i])
		if x != y {
			return x < y
		}
	}
	return false
}

// Catalog returns the document catalog. When the trailer has no usable
// /Root, the highest numbered object typed /Catalog is used instead.
func (d *Document) Catalog() (*raw.DictObj, raw.ObjectRef, bool) {
	if ref, ok := d.Trailer().RefValue("Root"); ok {
		if e, ok := d.table.Lookup(ref.Num); ok && e.Matches(ref.Gen) {
			if dict, ok := d.Resolve(ref.Num, ref.Gen).(*raw.DictObj); ok {
				return dict, ref, true
			}
		}
	}
	objs := d.table.Objects()
	for i := len(objs) - 1; i >= 0; i-- {
		e, _ := d.table.Lookup(objs[i])
		if e.Kind == xref.EntryFree {
			continue
		}
		ref := raw.ObjectRef{Num: objs[i], Gen: e.Gen}
		if dict, ok := d.Resolve(ref.Num, ref.Gen).(*raw.DictObj); ok {
			if typ, _ := dict.Name("Type"); typ == "Catalog" {
				return dict, ref, true
			}
		}
	}
	return nil, raw.ObjectRef{}, false
}

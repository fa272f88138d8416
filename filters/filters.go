package filters

import (
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/ir/raw"
)

type Decoder interface {
	Name() string
	Decode(ctx context.Context, input []byte, params *raw.DictObj) ([]byte, error)
}

// Filter is one stage of a stream's filter chain.
type Filter struct {
	Name   string
	Params *raw.DictObj
}

// ErrOutputLimit is returned when decoding would exceed the output bound.
var ErrOutputLimit = errors.New("decoded output exceeds limit")

// Error describes the failure of one stage of a filter chain.
type Error struct {
	Filter string
	Index  int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("filter %s (stage %d): %v", e.Filter, e.Index, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) DiagnosticKind() diag.Kind { return diag.KindFilter }

func (e *Error) DiagnosticCode() string {
	var ue UnsupportedError
	switch {
	case errors.Is(e.Err, ErrOutputLimit):
		return "FLT002"
	case errors.As(e.Err, &ue):
		return "FLT003"
	}
	return "FLT001"
}

// UnsupportedError reports a filter with no registered decoder.
type UnsupportedError struct {
	Filter string
}

func (e UnsupportedError) Error() string { return "unsupported filter: " + e.Filter }

type Limits struct {
	// MaxDecompressedSize is an absolute cap on decoded output.
	MaxDecompressedSize int64
	// Multiplier bounds decoded output relative to the declared length.
	Multiplier int64
	// MinBound is the smallest bound applied regardless of declared length.
	MinBound int64
}

// Bound returns the output limit for a stream whose declared length is n.
// Zero means unbounded.
func (l Limits) Bound(n int64) int64 {
	var b int64
	if l.Multiplier > 0 {
		if n > 0 && n > (1<<62)/l.Multiplier {
			b = 1 << 62
		} else {
			b = n * l.Multiplier
		}
		if b < l.MinBound {
			b = l.MinBound
		}
	}
	if l.MaxDecompressedSize > 0 && (b == 0 || b > l.MaxDecompressedSize) {
		b = l.MaxDecompressedSize
	}
	return b
}

// Result is the outcome of running a filter chain.
type Result struct {
	Data []byte
	// Applied lists the filters that ran to completion.
	Applied []string
	// Truncated is set when Data is partial because a stage failed or the
	// output bound was hit.
	Truncated bool
}

type Pipeline struct {
	decoders []Decoder
	limits   Limits
}

// NewPipeline constructs a pipeline with provided decoders and limits.
func NewPipeline(decoders []Decoder, limits Limits) *Pipeline {
	return &Pipeline{decoders: decoders, limits: limits}
}

func (p *Pipeline) Limits() Limits { return p.limits }

// abbreviations accepted for inline images and by lenient writers.
var abbreviations = map[string]string{
	"AHx": "ASCIIHexDecode",
	"A85": "ASCII85Decode",
	"LZW": "LZWDecode",
	"Fl":  "FlateDecode",
	"RL":  "RunLengthDecode",
	"CCF": "CCITTFaxDecode",
	"DCT": "DCTDecode",
}

func (p *Pipeline) findDecoder(name string) Decoder {
	if full, ok := abbreviations[name]; ok {
		name = full
	}
	for _, d := range p.decoders {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// Decode runs chain over input. declared is the stream's declared length and
// sets the output bound. On failure the partial output produced so far is
// returned alongside an *Error.
func (p *Pipeline) Decode(ctx context.Context, input []byte, chain []Filter, declared int64) (Result, error) {
	if declared < int64(len(input)) {
		declared = int64(len(input))
	}
	bound := p.limits.Bound(declared)
	ctx = withOutputLimit(ctx, bound)

	res := Result{Data: input}
	for i, f := range chain {
		if err := ctx.Err(); err != nil {
			res.Truncated = true
			return res, &Error{Filter: f.Name, Index: i, Err: err}
		}
		dec := p.findDecoder(f.Name)
		if dec == nil {
			return Result{Applied: res.Applied, Truncated: true}, &Error{Filter: f.Name, Index: i, Err: UnsupportedError{Filter: f.Name}}
		}
		out, err := dec.Decode(ctx, res.Data, f.Params)
		if err == nil && bound > 0 && int64(len(out)) > bound {
			out, err = out[:bound], ErrOutputLimit
		}
		if err != nil {
			res.Data = out
			res.Truncated = true
			return res, &Error{Filter: dec.Name(), Index: i, Err: err}
		}
		res.Data = out
		res.Applied = append(res.Applied, dec.Name())
	}
	return res, nil
}

type Registry struct{ decoders map[string]Decoder }

func (r *Registry) Register(d Decoder) {
	if r.decoders == nil {
		r.decoders = make(map[string]Decoder)
	}
	r.decoders[d.Name()] = d
}
func (r *Registry) Get(name string) (Decoder, bool) { d, ok := r.decoders[name]; return d, ok }

// Decoders returns every registered decoder.
func (r *Registry) Decoders() []Decoder {
	out := make([]Decoder, 0, len(r.decoders))
	for _, d := range r.decoders {
		out = append(out, d)
	}
	return out
}

// NewRegistry returns a registry holding the standard decoders. dec handles
// the Crypt filter; it may be nil for unencrypted documents.
func NewRegistry(dec Decryptor) *Registry {
	r := &Registry{}
	for _, d := range []Decoder{
		NewFlateDecoder(),
		NewLZWDecoder(),
		NewRunLengthDecoder(),
		NewASCII85Decoder(),
		NewASCIIHexDecoder(),
		NewCCITTFaxDecoder(),
		NewCryptDecoder(dec),
		NewPassthroughDecoder("DCTDecode"),
		NewPassthroughDecoder("JPXDecode"),
		NewPassthroughDecoder("JBIG2Decode"),
	} {
		r.Register(d)
	}
	return r
}

type ctxKey int

const (
	limitKey ctxKey = iota
	objectKey
)

func withOutputLimit(ctx context.Context, n int64) context.Context {
	return context.WithValue(ctx, limitKey, n)
}

// outputLimit returns the bound set by the pipeline, or zero.
func outputLimit(ctx context.Context) int64 {
	n, _ := ctx.Value(limitKey).(int64)
	return n
}

// WithObject records the indirect object that owns the stream being decoded.
func WithObject(ctx context.Context, ref raw.ObjectRef) context.Context {
	return context.WithValue(ctx, objectKey, ref)
}

// ObjectFrom returns the owning object recorded by WithObject.
func ObjectFrom(ctx context.Context) (raw.ObjectRef, bool) {
	ref, ok := ctx.Value(objectKey).(raw.ObjectRef)
	return ref, ok
}

package document

import (
	"context"
	"errors"
	"time"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/filters"
	"github.com/wudi/pdfinspect/ir/decoded"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/observability"
)

var errNoKey = errors.New("document key unavailable")

// DecodedPayload returns the decoded bytes of s. Decoding runs once per
// stream; later calls return the cached bytes. A failed decode yields the
// partial output (possibly empty) and a diagnostic.
func (d *Document) DecodedPayload(s *raw.StreamObj) []byte {
	return d.Stream(context.Background(), s).Data
}

// Stream returns the memoized decoded view of s.
func (d *Document) Stream(ctx context.Context, s *raw.StreamObj) *decoded.Stream {
	if s == nil {
		return &decoded.Stream{}
	}
	return d.memo.Stream(ctx, s)
}

// decodeStream decrypts s when needed and runs its filter chain. It never
// takes d.mu: indirect filter parameters were inlined when s was loaded.
func (d *Document) decodeStream(ctx context.Context, s *raw.StreamObj) *decoded.Stream {
	start := time.Now()
	out := &decoded.Stream{Source: s}
	chain := filters.ExtractFilters(s.Dict)
	if s.HasOwner {
		ctx = filters.WithObject(ctx, s.Owner)
	}

	data := s.Data
	if d.needsDecryption(s) && !hasCryptFilter(chain) {
		if d.handler == nil {
			out.Err = &filters.Error{Filter: "Crypt", Err: errNoKey}
			d.filterDiag(s, out.Err)
			return out
		}
		plain, err := d.handler.DecryptStream(s.Owner, data, "")
		if err != nil {
			out.Err = &filters.Error{Filter: "Crypt", Err: err}
			d.filterDiag(s, out.Err)
			return out
		}
		data = plain
	} else if !d.needsDecryption(s) {
		chain = dropCrypt(chain)
	}

	res, err := d.pipeline.Decode(ctx, data, chain, s.DeclaredLength)
	out.Data = res.Data
	out.Filters = res.Applied
	out.Truncated = res.Truncated
	if err != nil {
		out.Err = err
		d.filterDiag(s, err)
	}
	d.cfg.Logger.Debug("stream decoded",
		observability.Int("object", s.Owner.Num),
		observability.Int("bytes", len(out.Data)),
		observability.Duration(observability.MetricFilterTime, time.Since(start)))
	return out
}

// needsDecryption reports whether the payload of s is encrypted. Cross
// reference streams and, when /EncryptMetadata is false, metadata streams
// are stored in the clear.
func (d *Document) needsDecryption(s *raw.StreamObj) bool {
	if d.enc == nil || !s.HasOwner || d.isEncryptDict(s.Owner) {
		return false
	}
	switch typ, _ := s.Dict.Name("Type"); typ {
	case "XRef":
		return false
	case "Metadata":
		return d.enc.EncryptMetadata
	}
	return true
}

func hasCryptFilter(chain []filters.Filter) bool {
	for _, f := range chain {
		if f.Name == "Crypt" {
			return true
		}
	}
	return false
}

// dropCrypt removes Crypt stages from streams that are not encrypted.
func dropCrypt(chain []filters.Filter) []filters.Filter {
	if !hasCryptFilter(chain) {
		return chain
	}
	out := make([]filters.Filter, 0, len(chain))
	for _, f := range chain {
		if f.Name != "Crypt" {
			out = append(out, f)
		}
	}
	return out
}

func (d *Document) filterDiag(s *raw.StreamObj, err error) {
	kind, code := diag.Classify(err)
	dg := diag.Diagnostic{
		Component: diag.ComponentFilter,
		Kind:      kind,
		Severity:  diag.SeverityWarning,
		Code:      code,
		Offset:    s.Offset,
		Message:   err.Error(),
	}
	if s.HasOwner {
		dg = dg.At(s.Owner)
	}
	d.report(dg)
	d.cfg.Logger.Warn("stream decode failed", observability.Int("object", s.Owner.Num), observability.Error("error", err))
}

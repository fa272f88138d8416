package document

import (
	"context"
	"time"

	"github.com/wudi/pdfinspect/compliance"
	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/observability"
)

// Validate checks the document against the structural rule catalog and
// returns everything known about it: diagnostics from opening, resolving
// and decoding first, then rule violations in traversal order. Repeats are
// dropped.
func (d *Document) Validate(ctx context.Context, mode compliance.Mode) []diag.Diagnostic {
	out, _, _ := d.validate(ctx, mode)
	return out
}

// Report runs Validate and also returns the validator's summary. The error
// is non-nil only when ctx was canceled during the walk.
func (d *Document) Report(ctx context.Context, mode compliance.Mode) (*compliance.Report, error) {
	out, rep, err := d.validate(ctx, mode)
	rep.Diagnostics = out
	rep.Compliant = !hasErrors(out)
	return rep, err
}

func (d *Document) validate(ctx context.Context, mode compliance.Mode) ([]diag.Diagnostic, *compliance.Report, error) {
	ctx, span := d.cfg.Tracer.StartSpan(ctx, "pdf.validate")
	defer span.Finish()
	start := time.Now()

	v := compliance.NewValidator(compliance.Options{
		MaxTraversal: d.cfg.Limits.MaxTraversal,
		Logger:       d.cfg.Logger,
	})
	rep, err := v.Validate(ctx, d, mode)
	if err != nil {
		span.SetError(err)
	}

	// Taken after the walk so that resolve and decode problems it
	// triggered are included.
	c := diag.NewCollector()
	c.AddAll(d.Diagnostics())
	c.AddAll(rep.Diagnostics)
	out := c.All()

	stats := d.memo.Stats()
	span.SetTag(observability.MetricValidateTime, time.Since(start).Milliseconds())
	span.SetTag(observability.MetricPageCount, rep.Pages)
	span.SetTag(observability.MetricDiagnostics, len(out))
	span.SetTag(observability.MetricDecodedBytes, stats.Bytes)
	d.cfg.Logger.Debug("document validated",
		observability.String("mode", mode.String()),
		observability.Int("pages", rep.Pages),
		observability.Int("visited", rep.Visited),
		observability.Int(observability.MetricDiagnostics, len(out)))
	return out, rep, err
}

func hasErrors(ds []diag.Diagnostic) bool {
	for _, d := range ds {
		if d.Severity >= diag.SeverityError {
			return true
		}
	}
	return false
}

// Package batch validates many independent documents with a bounded pool of
// workers. Each worker owns the Document it opens; nothing is shared between
// documents.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/wudi/pdfinspect/compliance"
	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/document"
	"github.com/wudi/pdfinspect/observability"
)

// Input is one document to validate. Load, when set, is called by the
// worker that handles the input so that at most Workers files are held in
// memory at once; otherwise Data is used.
type Input struct {
	Name string
	Data []byte
	Load func() ([]byte, error)
}

// Result is the outcome for one input. Err is set when the input could not
// be loaded, when opening failed with a *diag.FatalError, or when ctx ended
// before the input was handled.
type Result struct {
	Name        string
	Diagnostics []diag.Diagnostic
	Report      *compliance.Report
	Err         error
}

// Failed reports whether Err is set.
func (r Result) Failed() bool { return r.Err != nil }

type Options struct {
	// Workers bounds concurrency. Zero means GOMAXPROCS.
	Workers int
	Mode    compliance.Mode
	Config  document.Config
	// Inspect, when set, is called by the worker with the open document
	// after validation. It must not retain doc.
	Inspect func(ctx context.Context, name string, doc *document.Document)
}

// Run validates every input and returns results in input order.
func Run(ctx context.Context, inputs []Input, opts Options) []Result {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 {
		workers = 1
	}
	logger := opts.Config.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}

	results := make([]Result, len(inputs))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result{Name: in.Name, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			results[i] = runOne(ctx, in, opts, logger.With(observability.String("document", in.Name)))
		}(i, in)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	logger.Info("batch finished",
		observability.Int("documents", len(inputs)),
		observability.Int(observability.MetricDocumentsFailed, failed))
	return results
}

func runOne(ctx context.Context, in Input, opts Options, logger observability.Logger) Result {
	res := Result{Name: in.Name}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	data := in.Data
	if in.Load != nil {
		var err error
		if data, err = in.Load(); err != nil {
			res.Err = fmt.Errorf("load %s: %w", in.Name, err)
			logger.Warn("load failed", observability.Error("error", err))
			return res
		}
	}

	cfg := opts.Config
	cfg.Logger = logger
	doc, err := document.Open(ctx, data, cfg)
	if err != nil {
		res.Err = err
		var fe *diag.FatalError
		if errors.As(err, &fe) {
			res.Diagnostics = []diag.Diagnostic{fe.Diagnostic()}
		}
		logger.Warn("open failed", observability.Error("error", err))
		return res
	}

	rep, err := doc.Report(ctx, opts.Mode)
	if err != nil {
		res.Err = err
	}
	res.Report = rep
	res.Diagnostics = rep.Diagnostics
	if opts.Inspect != nil {
		opts.Inspect(ctx, in.Name, doc)
	}
	return res
}

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/midbel/hexdump"

	"github.com/wudi/pdfinspect/batch"
	"github.com/wudi/pdfinspect/compliance"
	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/document"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/observability"
	"github.com/wudi/pdfinspect/xref"
)

type options struct {
	paths    []string
	mode     compliance.Mode
	password string
	workers  int
	dump     int
	xref     bool
	verbose  bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfcheck: %v\n", err)
		os.Exit(2)
	}
	os.Exit(run(context.Background(), opts, os.Stdout))
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pdfcheck [flags] <pdf>...\n")
		flag.PrintDefaults()
	}
	strict := flag.Bool("strict", false, "Report every deviation as an error")
	password := flag.String("password", "", "Password for encrypted documents")
	workers := flag.Int("workers", 0, "Documents validated in parallel (0 = GOMAXPROCS)")
	dump := flag.Int("dump", -1, "Print object N; streams are hex-dumped after decoding")
	xrefTable := flag.Bool("xref", false, "Print the merged cross-reference table")
	verbose := flag.Bool("v", false, "Debug logging on stderr")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return options{}, fmt.Errorf("missing pdf path")
	}
	opts.paths = flag.Args()
	opts.mode = compliance.Lenient
	if *strict {
		opts.mode = compliance.Strict
	}
	opts.password = *password
	opts.workers = *workers
	opts.dump = *dump
	opts.xref = *xrefTable
	opts.verbose = *verbose
	return opts, nil
}

// run validates every path and returns the exit status: 1 when a file could
// not be opened at all, 0 otherwise.
func run(ctx context.Context, opts options, w io.Writer) int {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := observability.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	inputs := make([]batch.Input, len(opts.paths))
	for i, path := range opts.paths {
		inputs[i] = batch.Input{Name: path, Load: func() ([]byte, error) { return os.ReadFile(path) }}
	}

	var (
		mu      sync.Mutex
		extras  = map[string]*bytes.Buffer{}
		inspect func(context.Context, string, *document.Document)
	)
	if opts.dump >= 0 || opts.xref {
		inspect = func(ctx context.Context, name string, doc *document.Document) {
			var b bytes.Buffer
			if opts.xref {
				printXRef(&b, doc)
			}
			if opts.dump >= 0 {
				dumpObject(ctx, &b, doc, opts.dump)
			}
			mu.Lock()
			extras[name] = &b
			mu.Unlock()
		}
	}

	results := batch.Run(ctx, inputs, batch.Options{
		Workers: opts.workers,
		Mode:    opts.mode,
		Config:  document.Config{Password: opts.password, Logger: logger},
		Inspect: inspect,
	})

	status := 0
	for _, r := range results {
		fmt.Fprintf(w, "== %s\n", r.Name)
		if r.Err != nil {
			fmt.Fprintf(w, "  %v\n", r.Err)
			status = 1
			continue
		}
		for _, d := range diag.Rank(r.Diagnostics) {
			fmt.Fprintf(w, "  %s\n", d)
		}
		verdict := "compliant"
		if !r.Report.Compliant {
			verdict = "not compliant"
		}
		fmt.Fprintf(w, "  %s (%s): %d pages, %d objects visited, %d diagnostics\n",
			verdict, r.Report.Mode, r.Report.Pages, r.Report.Visited, len(r.Diagnostics))
		if b, ok := extras[r.Name]; ok {
			w.Write(b.Bytes())
		}
	}
	return status
}

func printXRef(w io.Writer, doc *document.Document) {
	for _, row := range doc.XRefTable() {
		fmt.Fprintf(w, "  %6d %s\n", row.Num, row.Entry)
	}
}

func dumpObject(ctx context.Context, w io.Writer, doc *document.Document, num int) {
	e, ok := doc.Lookup(num)
	if !ok || e.Kind == xref.EntryFree {
		fmt.Fprintf(w, "  object %d not in use\n", num)
		return
	}
	gen := e.Gen
	if e.Kind == xref.EntryCompressed {
		gen = 0
	}
	obj := doc.Resolve(num, gen)
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		fmt.Fprintf(w, "  %d %d obj %s\n", num, gen, raw.Serialize(obj))
		return
	}
	fmt.Fprintf(w, "  %d %d obj %s\n", num, gen, raw.Serialize(st.Dict))
	ds := doc.Stream(ctx, st)
	if ds.Err != nil {
		fmt.Fprintf(w, "  decode: %v\n", ds.Err)
	}
	fmt.Fprintln(w, hexdump.Dump(ds.Data))
}

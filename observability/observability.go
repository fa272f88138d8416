// Package observability holds the logging and tracing hooks used across the
// parser and validator. Callers plug in their own backends; the zero
// configuration discards everything.
package observability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Logger is the structured logger accepted by Document and batch runs.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Field is one key/value pair attached to a log record.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field      { return Field{key, value} }
func Int(key string, value int) Field     { return Field{key, value} }
func Int64(key string, value int64) Field { return Field{key, value} }
func Bool(key string, value bool) Field   { return Field{key, value} }

func Duration(key string, value time.Duration) Field { return Field{key, value} }

func Error(key string, err error) Field { return Field{key, err} }

type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}
func (NopLogger) With(...Field) Logger   { return NopLogger{} }

// Tracer opens spans around opening and validating a document.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

type Span interface {
	SetTag(key string, value any)
	SetError(err error)
	Finish()
}

type nopTracer struct{}

func (nopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, nopSpan{}
}

func NopTracer() Tracer { return nopTracer{} }

type nopSpan struct{}

func (nopSpan) SetTag(string, any) {}
func (nopSpan) SetError(error)     {}
func (nopSpan) Finish()            {}

// Recorder is a Tracer that keeps finished spans in memory. It is safe for
// concurrent use, so one Recorder may serve a whole batch run.
type Recorder struct {
	mu    sync.Mutex
	spans []SpanRecord
}

// SpanRecord is a finished span as seen by a Recorder.
type SpanRecord struct {
	Name     string
	Tags     map[string]any
	Err      error
	Duration time.Duration
}

func (r *Recorder) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &recordedSpan{rec: r, name: name, start: time.Now(), tags: map[string]any{}}
}

// Spans returns the finished spans named name, or all of them when name is
// empty, in finishing order.
func (r *Recorder) Spans(name string) []SpanRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SpanRecord
	for _, s := range r.spans {
		if name == "" || s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// TagKeys lists the tag keys of s in sorted order.
func (s SpanRecord) TagKeys() []string {
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type recordedSpan struct {
	rec   *Recorder
	name  string
	start time.Time
	tags  map[string]any
	err   error
	done  bool
}

func (s *recordedSpan) SetTag(key string, value any) { s.tags[key] = value }
func (s *recordedSpan) SetError(err error)           { s.err = err }

func (s *recordedSpan) Finish() {
	if s.done {
		return
	}
	s.done = true
	s.rec.mu.Lock()
	s.rec.spans = append(s.rec.spans, SpanRecord{Name: s.name, Tags: s.tags, Err: s.err, Duration: time.Since(s.start)})
	s.rec.mu.Unlock()
}

// Span tag and log field names.
const (
	MetricParseTime       = "pdf.parse.duration"
	MetricObjectCount     = "pdf.objects.count"
	MetricPageCount       = "pdf.pages.count"
	MetricDecodedBytes    = "pdf.decoded.bytes"
	MetricFilterTime      = "pdf.filter.duration"
	MetricDiagnostics     = "pdf.diagnostics.count"
	MetricRevisions       = "pdf.xref.revisions"
	MetricReconstructed   = "pdf.xref.reconstructed"
	MetricValidateTime    = "pdf.validate.duration"
	MetricDocumentsFailed = "pdf.batch.failed"
)

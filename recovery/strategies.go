package recovery

import (
	"fmt"
	"sync"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/ir/raw"
)

// StrictStrategy implements a fail-fast recovery strategy. The caller that
// receives ActionFail reports the failure itself.
type StrictStrategy struct{}

func NewStrictStrategy() *StrictStrategy {
	return &StrictStrategy{}
}

func (s *StrictStrategy) OnError(ctx Context, err error, location Location) Action {
	return ActionFail
}

// LenientStrategy implements a best-effort recovery strategy. Every
// recovered error is recorded and forwarded to Sink as a warning.
type LenientStrategy struct {
	Sink diag.Sink

	mu     sync.Mutex
	Errors []error
}

func NewLenientStrategy() *LenientStrategy {
	return &LenientStrategy{}
}

// NewLenientStrategyWithSink returns a lenient strategy reporting into sink.
func NewLenientStrategyWithSink(sink diag.Sink) *LenientStrategy {
	return &LenientStrategy{Sink: sink}
}

func (s *LenientStrategy) OnError(ctx Context, err error, location Location) Action {
	s.mu.Lock()
	s.Errors = append(s.Errors, fmt.Errorf("[%s] offset %d: %w", location.Component, location.ByteOffset, err))
	s.mu.Unlock()

	if s.Sink != nil {
		s.Sink.Report(Diagnostic(err, location, diag.SeverityWarning))
	}
	if isCanceled(ctx) {
		return ActionFail
	}
	return ActionFix
}

// Diagnostic builds the diagnostic describing err at location.
func Diagnostic(err error, location Location, sev diag.Severity) diag.Diagnostic {
	kind, code := diag.Classify(err)
	component := location.Component
	if component == "" {
		component = diag.ComponentParser
	}
	d := diag.Diagnostic{
		Component: component,
		Kind:      kind,
		Severity:  sev,
		Code:      code,
		Offset:    location.ByteOffset,
		Message:   err.Error(),
	}
	if location.ObjectNum > 0 {
		d = d.At(raw.ObjectRef{Num: location.ObjectNum, Gen: location.ObjectGen})
	}
	return d
}

func isCanceled(ctx Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

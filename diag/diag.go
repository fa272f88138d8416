// Package diag defines the diagnostic record shared by every stage of
// document processing and the collector that aggregates them.
package diag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wudi/pdfinspect/ir/raw"
)

// Severity ranks a diagnostic. Higher values are more severe.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Kind is the error class a diagnostic belongs to.
type Kind int

const (
	KindSyntax Kind = iota
	KindXref
	KindFilter
	KindValidation
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSyntax:
		return "SyntaxError"
	case KindXref:
		return "XrefError"
	case KindFilter:
		return "FilterError"
	case KindValidation:
		return "Validation"
	case KindFatal:
		return "FatalError"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Component names the stage that produced a diagnostic.
type Component string

const (
	ComponentTokenizer Component = "tokenizer"
	ComponentParser    Component = "parser"
	ComponentXRef      Component = "xref"
	ComponentFilter    Component = "filter"
	ComponentSecurity  Component = "security"
	ComponentValidator Component = "validator"
	ComponentDocument  Component = "document"
)

// NoOffset marks a diagnostic that is not tied to a byte position.
const NoOffset int64 = -1

// Diagnostic is one finding. It is comparable; identical values are
// considered exact repeats.
type Diagnostic struct {
	Component Component
	Kind      Kind
	Severity  Severity
	Code      string
	Offset    int64
	Object    raw.ObjectRef
	HasObject bool
	Message   string
}

// At returns a copy of d attached to ref.
func (d Diagnostic) At(ref raw.ObjectRef) Diagnostic {
	d.Object = ref
	d.HasObject = true
	return d
}

// Location renders the object id or byte offset the diagnostic refers to.
func (d Diagnostic) Location() string {
	switch {
	case d.HasObject && d.Offset >= 0:
		return fmt.Sprintf("obj %d %d @%d", d.Object.Num, d.Object.Gen, d.Offset)
	case d.HasObject:
		return fmt.Sprintf("obj %d %d", d.Object.Num, d.Object.Gen)
	case d.Offset >= 0:
		return fmt.Sprintf("@%d", d.Offset)
	}
	return "-"
}

func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.Severity.String())
	b.WriteString(" [")
	b.WriteString(string(d.Component))
	b.WriteByte('/')
	b.WriteString(d.Kind.String())
	if d.Code != "" {
		b.WriteByte(' ')
		b.WriteString(d.Code)
	}
	b.WriteString("] ")
	b.WriteString(d.Location())
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}

// Sink receives diagnostics as they are produced.
type Sink interface {
	Report(d Diagnostic)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Diagnostic)

func (f SinkFunc) Report(d Diagnostic) { f(d) }

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(Diagnostic) {})

// Classifier is implemented by errors that know their diagnostic class.
type Classifier interface {
	DiagnosticKind() Kind
	DiagnosticCode() string
}

// Classify returns the kind and code carried by err, defaulting to a
// syntax error with no code.
func Classify(err error) (Kind, string) {
	var c Classifier
	if errors.As(err, &c) {
		return c.DiagnosticKind(), c.DiagnosticCode()
	}
	return KindSyntax, ""
}

// FatalError is the only error that prevents a document from being built.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "pdf: fatal: " + e.Reason }

func (e *FatalError) DiagnosticKind() Kind   { return KindFatal }
func (e *FatalError) DiagnosticCode() string { return "FAT001" }

// Diagnostic converts e into its diagnostic form.
func (e *FatalError) Diagnostic() Diagnostic {
	return Diagnostic{
		Component: ComponentDocument,
		Kind:      KindFatal,
		Severity:  SeverityFatal,
		Code:      "FAT001",
		Offset:    NoOffset,
		Message:   e.Reason,
	}
}

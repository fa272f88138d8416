// Package compliance walks a document's object graph from the trailer and
// checks it against a catalog of structural rules.
package compliance

import (
	"context"
	"fmt"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/ir/decoded"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/observability"
	"github.com/wudi/pdfinspect/scripting"
	"github.com/wudi/pdfinspect/security"
	"github.com/wudi/pdfinspect/xref"
)

// Context is an alias for context.Context to allow for future expansion.
type Context = context.Context

// Mode selects how deviations are reported.
type Mode int

const (
	// Strict reports every deviation as an error.
	Strict Mode = iota
	// Lenient reports only interoperability-breaking deviations as errors.
	Lenient
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Lenient:
		return "lenient"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode maps "strict" and "lenient" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "strict":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	}
	return Strict, fmt.Errorf("unknown validation mode %q", s)
}

// Impact says whether a rule guards interoperability or the letter of the
// format.
type Impact int

const (
	Breaking Impact = iota
	Letter
)

// Rule is one entry of the catalog.
type Rule struct {
	Code        string
	Category    string
	Impact      Impact
	Description string
}

// Severity returns the severity of a violation of r under mode.
func (r Rule) Severity(mode Mode) diag.Severity {
	if r.Impact == Breaking || mode == Strict {
		return diag.SeverityError
	}
	return diag.SeverityWarning
}

var catalog = []Rule{
	{"DOC001", "required-key", Letter, "trailer has /Root"},
	{"DOC002", "type", Breaking, "/Root resolves to a dictionary"},
	{"DOC003", "range", Letter, "trailer /Size is present and exceeds the highest object number"},
	{"DOC004", "type", Letter, "trailer /Info is a dictionary and /ID is an array of two strings"},
	{"CAT001", "required-key", Breaking, "catalog has a /Pages dictionary"},
	{"CAT002", "required-key", Letter, "catalog /Type is /Catalog"},
	{"CAT003", "range", Letter, "catalog /Version names a valid version"},
	{"PGT001", "required-key", Breaking, "page tree node has a /Kids array"},
	{"PGT002", "range", Letter, "/Count equals the number of leaf pages"},
	{"PGT003", "cycle", Breaking, "/Kids does not revisit an ancestor"},
	{"PGT004", "cycle", Breaking, "/Parent chain is acyclic"},
	{"PGT005", "required-key", Letter, "non-root node /Parent points to the containing node"},
	{"PGT006", "required-key", Letter, "pages are typed /Page and nodes /Pages"},
	{"PGT007", "required-key", Breaking, "page resolves an inheritable /MediaBox"},
	{"PGT008", "required-key", Letter, "page resolves inheritable /Resources"},
	{"TYP001", "type", Breaking, "key holds a value of its declared type"},
	{"RNG001", "range", Letter, "rectangles, rotations and counts are in range"},
	{"XRF002", "xref", Letter, "reachable reference resolves"},
	{"XRF003", "xref", Letter, "reference generation matches the cross-reference table"},
	{"XRF004", "xref", Letter, "compressed objects have generation 0 and live in an object stream"},
	{"STM001", "stream", Letter, "stream has /Length"},
	{"STM002", "stream", Letter, "/Length matches the stored payload"},
	{"STM003", "stream", Breaking, "stream decodes"},
	{"STM004", "stream", Letter, "/DecodeParms arity matches /Filter"},
	{"OBS001", "required-key", Breaking, "object stream has /N and /First"},
	{"ENC001", "encryption", Breaking, "encryption dictionary has /Filter"},
	{"ENC002", "encryption", Breaking, "/V and /R form a supported combination"},
	{"ENC003", "encryption", Breaking, "/O and /U have the length required by /R"},
	{"ENC004", "encryption", Letter, "/P is present"},
	{"ENC005", "encryption", Letter, "/Length is a multiple of 8 between 40 and 256"},
	{"ENC006", "encryption", Breaking, "trailer /ID is present"},
	{"ENC007", "encryption", Breaking, "authentication succeeded"},
	{"ACT001", "required-key", Letter, "action dictionary has /S"},
	{"JSC001", "script", Letter, "JavaScript source compiles"},
	{"INF001", "type", Letter, "Info text strings and dates are well-formed"},
	{"GRF001", "cycle", Breaking, "object graph stays within the traversal bound"},
}

var rulesByCode = func() map[string]Rule {
	m := make(map[string]Rule, len(catalog))
	for _, r := range catalog {
		m[r.Code] = r
	}
	return m
}()

// Rules returns the rule catalog.
func Rules() []Rule {
	out := make([]Rule, len(catalog))
	copy(out, catalog)
	return out
}

// RuleFor returns the rule with the given code.
func RuleFor(code string) (Rule, bool) {
	r, ok := rulesByCode[code]
	return r, ok
}

// Graph is the read-only view of a document the validator walks.
type Graph interface {
	Trailer() *raw.DictObj
	Resolve(num, gen int) raw.Object
	Lookup(num int) (xref.Entry, bool)
	XRefTable() []xref.Row
	Stream(ctx context.Context, s *raw.StreamObj) *decoded.Stream
	Encryption() *security.Descriptor
	// Catalog finds the catalog even when the trailer has no /Root.
	Catalog() (*raw.DictObj, raw.ObjectRef, bool)
}

// Report is the outcome of one validation run.
type Report struct {
	Compliant   bool
	Mode        Mode
	Diagnostics []diag.Diagnostic
	// Visited counts objects examined.
	Visited int
	Pages   int
}

type Options struct {
	// MaxTraversal bounds the number of objects visited. Zero means
	// security.DefaultLimits().MaxTraversal.
	MaxTraversal int
	Scripts      scripting.Checker
	Logger       observability.Logger
}

// Validator checks a document graph.
type Validator interface {
	Validate(ctx Context, g Graph, mode Mode) (*Report, error)
}

type validatorImpl struct{ opts Options }

func NewValidator(opts Options) Validator {
	if opts.MaxTraversal <= 0 {
		opts.MaxTraversal = security.DefaultLimits().MaxTraversal
	}
	if opts.Scripts == nil {
		opts.Scripts = scripting.NewChecker()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	return &validatorImpl{opts: opts}
}

// Validate walks g breadth-first from the trailer. Diagnostics come out in
// traversal order, which is stable for a given input. The error is non-nil
// only when ctx is done; the report then holds what was found so far.
func (v *validatorImpl) Validate(ctx Context, g Graph, mode Mode) (*Report, error) {
	w := newWalker(ctx, g, mode, v.opts)
	err := w.run()
	r := &Report{
		Mode:        mode,
		Diagnostics: w.out.All(),
		Visited:     w.visitedCount,
		Pages:       w.pages,
	}
	r.Compliant = !w.out.HasErrors()
	v.opts.Logger.Debug("validation finished",
		observability.String("mode", mode.String()),
		observability.Int("visited", r.Visited),
		observability.Int(observability.MetricDiagnostics, len(r.Diagnostics)))
	return r, err
}

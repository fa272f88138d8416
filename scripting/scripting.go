// Package scripting checks JavaScript found in documents. Sources are
// compiled, never run.
package scripting

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// Checker reports whether a script is syntactically valid.
type Checker interface {
	Check(ctx context.Context, name, source string) error
}

// SyntaxError is a compile failure.
type SyntaxError struct {
	Name string
	Err  error
}

func (e *SyntaxError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }
func (e *SyntaxError) Unwrap() error { return e.Err }

// GojaChecker compiles scripts with goja.
type GojaChecker struct {
	// Strict compiles in ECMAScript strict mode.
	Strict bool
}

func NewChecker() *GojaChecker { return &GojaChecker{} }

func (c *GojaChecker) Check(ctx context.Context, name, source string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := goja.Compile(name, source, c.Strict); err != nil {
		return &SyntaxError{Name: name, Err: err}
	}
	return nil
}

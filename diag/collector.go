package diag

import (
	"sort"
	"sync"
)

// Collector aggregates diagnostics, dropping exact repeats. It is safe for
// concurrent use.
type Collector struct {
	mu    sync.Mutex
	items []Diagnostic
	seen  map[Diagnostic]struct{}
}

func NewCollector() *Collector {
	return &Collector{seen: make(map[Diagnostic]struct{})}
}

// Report implements Sink.
func (c *Collector) Report(d Diagnostic) { c.Add(d) }

// Add records d and reports whether it was new.
func (c *Collector) Add(d Diagnostic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[Diagnostic]struct{})
	}
	if _, dup := c.seen[d]; dup {
		return false
	}
	c.seen[d] = struct{}{}
	c.items = append(c.items, d)
	return true
}

// AddAll records every diagnostic in ds.
func (c *Collector) AddAll(ds []Diagnostic) {
	for _, d := range ds {
		c.Add(d)
	}
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// All returns the diagnostics in emission order.
func (c *Collector) All() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.items))
	copy(out, c.items)
	return out
}

// Since returns the diagnostics recorded after the first n.
func (c *Collector) Since(n int) []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.items) {
		return nil
	}
	out := make([]Diagnostic, len(c.items)-n)
	copy(out, c.items[n:])
	return out
}

// BySeverity groups diagnostics by severity, each group in emission order.
func (c *Collector) BySeverity() map[Severity][]Diagnostic {
	return GroupBySeverity(c.All())
}

// Ranked returns the diagnostics ordered from most to least severe; ties keep
// emission order.
func (c *Collector) Ranked() []Diagnostic {
	return Rank(c.All())
}

// Count returns how many diagnostics have severity s.
func (c *Collector) Count(s Severity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.items {
		if d.Severity == s {
			n++
		}
	}
	return n
}

// HasErrors reports whether any diagnostic is an error or worse.
func (c *Collector) HasErrors() bool {
	return c.Count(SeverityError) > 0 || c.Count(SeverityFatal) > 0
}

// GroupBySeverity groups ds by severity preserving order within each group.
func GroupBySeverity(ds []Diagnostic) map[Severity][]Diagnostic {
	out := make(map[Severity][]Diagnostic)
	for _, d := range ds {
		out[d.Severity] = append(out[d.Severity], d)
	}
	return out
}

// Rank sorts a copy of ds by descending severity, stable on emission order.
func Rank(ds []Diagnostic) []Diagnostic {
	out := make([]Diagnostic, len(ds))
	copy(out, ds)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity > out[j].Severity
	})
	return out
}

// Filter returns the diagnostics for which keep returns true.
func Filter(ds []Diagnostic, keep func(Diagnostic) bool) []Diagnostic {
	var out []Diagnostic
	for _, d := range ds {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

package decoded

import (
	"context"
	"sync"

	"github.com/wudi/pdfinspect/ir/raw"
)

// Stream is the decoded view of a raw stream object.
type Stream struct {
	Source *raw.StreamObj
	Data   []byte
	// Filters lists the filters that ran, in order.
	Filters   []string
	Truncated bool
	// Err is the filter failure, if any. Data then holds whatever was
	// produced before the failure.
	Err error
}

// Decoder turns a raw stream into its decoded payload (applies
// decryption and filters).
type Decoder interface {
	Decode(ctx context.Context, s *raw.StreamObj) *Stream
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, s *raw.StreamObj) *Stream

func (f DecoderFunc) Decode(ctx context.Context, s *raw.StreamObj) *Stream { return f(ctx, s) }

// Stats counts memo activity.
type Stats struct {
	Hits       int64
	Misses     int64
	Executions int64
	Bytes      int64
}

type cell struct {
	once sync.Once
	s    *Stream
}

// Memo caches decoded streams for the lifetime of a document. Streams are
// keyed by identity; a document hands out one *raw.StreamObj per object.
type Memo struct {
	dec Decoder

	mu    sync.Mutex
	cells map[*raw.StreamObj]*cell
	stats Stats
}

func NewMemo(dec Decoder) *Memo {
	return &Memo{dec: dec, cells: make(map[*raw.StreamObj]*cell)}
}

// Stream returns the decoded stream, running the decoder at most once per
// stream even with concurrent callers.
func (m *Memo) Stream(ctx context.Context, s *raw.StreamObj) *Stream {
	m.mu.Lock()
	c, ok := m.cells[s]
	if ok {
		m.stats.Hits++
	} else {
		m.stats.Misses++
		c = &cell{}
		m.cells[s] = c
	}
	m.mu.Unlock()

	c.once.Do(func() {
		c.s = m.dec.Decode(ctx, s)
		if c.s == nil {
			c.s = &Stream{Source: s}
		}
		m.mu.Lock()
		m.stats.Executions++
		m.stats.Bytes += int64(len(c.s.Data))
		m.mu.Unlock()
	})
	return c.s
}

// Cached reports whether s has been requested before.
func (m *Memo) Cached(s *raw.StreamObj) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cells[s]
	return ok
}

func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cells)
}

func (m *Memo) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

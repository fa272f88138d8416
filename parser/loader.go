package parser

import (
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/scanner"
)

// ErrNotObjectStream is returned when a container lacks /N or /First.
var ErrNotObjectStream = errors.New("object stream requires /N and /First")

// StreamMember is one entry of an object stream header.
type StreamMember struct {
	Num    int
	Offset int64
}

// ObjectStream is a decoded object stream container. Members are parsed on
// demand from the decoded payload.
type ObjectStream struct {
	Number  int
	Members []StreamMember

	data  []byte
	first int64
	index map[int]int
	cfg   Config
}

// NewObjectStream reads the header of a decoded object stream.
func NewObjectStream(num int, dict *raw.DictObj, decoded []byte, cfg Config) (*ObjectStream, error) {
	n, okN := dict.Int("N")
	first, okF := dict.Int("First")
	if !okN || !okF {
		return nil, ErrNotObjectStream
	}
	if n < 0 || first < 0 || first > int64(len(decoded)) {
		return nil, fmt.Errorf("object stream %d: /N %d /First %d out of range for %d bytes", num, n, first, len(decoded))
	}
	ostm := &ObjectStream{
		Number: num,
		data:   decoded,
		first:  first,
		index:  make(map[int]int, n),
		cfg:    cfg,
	}

	s := scanner.New(decoded[:first], scanner.Config{})
	var pair []int64
	for int64(len(ostm.Members)) < n {
		tok, err := s.Next()
		if err == io.EOF {
			return ostm, fmt.Errorf("object stream %d: header lists %d of %d members", num, len(ostm.Members), n)
		}
		if err != nil {
			return ostm, fmt.Errorf("object stream %d header: %w", num, err)
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt || tok.Int < 0 {
			return ostm, fmt.Errorf("object stream %d: non-integer in header at %d", num, tok.Pos)
		}
		pair = append(pair, tok.Int)
		if len(pair) == 2 {
			m := StreamMember{Num: int(pair[0]), Offset: pair[1]}
			if _, dup := ostm.index[m.Num]; !dup {
				ostm.index[m.Num] = len(ostm.Members)
			}
			ostm.Members = append(ostm.Members, m)
			pair = pair[:0]
		}
	}
	return ostm, nil
}

// Lookup returns the header position of object num.
func (o *ObjectStream) Lookup(num int) (int, bool) {
	i, ok := o.index[num]
	return i, ok
}

// Member parses the member at header position idx.
func (o *ObjectStream) Member(idx int) (raw.ObjectRef, raw.Object, error) {
	if idx < 0 || idx >= len(o.Members) {
		return raw.ObjectRef{}, nil, fmt.Errorf("object stream %d: index %d out of range (%d members)", o.Number, idx, len(o.Members))
	}
	m := o.Members[idx]
	ref := raw.ObjectRef{Num: m.Num}
	body := o.data[o.first:]
	if m.Offset > int64(len(body)) {
		return ref, nil, fmt.Errorf("object stream %d: member %d offset %d beyond payload", o.Number, m.Num, m.Offset)
	}
	cfg := o.cfg
	cfg.ResolveLength = nil
	p := New(body, cfg)
	if err := p.Seek(m.Offset); err != nil {
		return ref, nil, err
	}
	obj, err := p.ParseObject()
	if err != nil {
		return ref, nil, fmt.Errorf("object stream %d member %d: %w", o.Number, m.Num, err)
	}
	return ref, obj, nil
}

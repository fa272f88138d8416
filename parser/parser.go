// Package parser turns scanner tokens into raw objects: direct objects,
// indirect object blocks with their streams, and object stream members.
package parser

import (
	"errors"
	"fmt"
	"io"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/recovery"
	"github.com/wudi/pdfinspect/scanner"
)

type Config struct {
	Scanner  scanner.Config
	Recovery recovery.Strategy
	// MaxDepth bounds array/dictionary nesting. Zero means 256.
	MaxDepth int
	// ResolveLength resolves an indirect /Length value. Without it indirect
	// lengths are treated as unknown and the payload is delimited by
	// endstream.
	ResolveLength func(ref raw.ObjectRef) (int64, bool)
}

// Indirect is an object read from an "n g obj ... endobj" block.
type Indirect struct {
	Ref    raw.ObjectRef
	Object raw.Object
	Offset int64
}

// Parser reads objects from an in-memory buffer.
type Parser struct {
	s   *scanner.Scanner
	tr  *tokenReader
	cfg Config
	loc recovery.Location
}

func New(data []byte, cfg Config) *Parser {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 256
	}
	sc := cfg.Scanner
	if sc.Recovery == nil {
		sc.Recovery = cfg.Recovery
	}
	s := scanner.New(data, sc)
	return &Parser{s: s, tr: newTokenReader(s), cfg: cfg}
}

// Seek moves the parser to offset, discarding any buffered tokens.
func (p *Parser) Seek(offset int64) error {
	p.tr.reset()
	return p.s.Seek(offset)
}

func (p *Parser) Position() int64 {
	if l := len(p.tr.buf); l > 0 {
		return p.tr.buf[l-1].Pos
	}
	return p.s.Position()
}

// ParseObject parses one direct object at the current position. It returns
// io.EOF when no tokens remain.
func (p *Parser) ParseObject() (raw.Object, error) {
	if _, err := p.tr.peek(); err != nil {
		return nil, err
	}
	return p.parseObject(0)
}

// Next returns the next top-level object. Indirect object blocks are
// returned with Indirect set; stray keywords between objects are skipped.
// It returns io.EOF at the end of input.
func (p *Parser) Next() (Indirect, bool, error) {
	for {
		tok, err := p.tr.peek()
		if err != nil {
			return Indirect{}, false, err
		}
		if tok.Type == scanner.TokenKeyword {
			p.tr.next()
			continue
		}
		if p.atObjectHeader() {
			ind, err := p.ParseIndirect()
			return ind, true, err
		}
		obj, err := p.parseObject(0)
		if err != nil {
			return Indirect{}, false, err
		}
		return Indirect{Object: obj, Offset: tok.Pos}, false, nil
	}
}

// atObjectHeader reports whether the next tokens are "n g obj".
func (p *Parser) atObjectHeader() bool {
	save := p.Position()
	defer p.Seek(save)
	t1, e1 := p.tr.next()
	t2, e2 := p.tr.next()
	t3, e3 := p.tr.next()
	if e1 != nil || e2 != nil || e3 != nil {
		return false
	}
	return isObjNumber(t1) && isObjNumber(t2) && t3.IsKeyword("obj")
}

func isObjNumber(t scanner.Token) bool {
	return t.Type == scanner.TokenNumber && t.IsInt && t.Int >= 0
}

// ParseIndirectAt parses the indirect object block starting at offset.
func (p *Parser) ParseIndirectAt(offset int64) (Indirect, error) {
	if err := p.Seek(offset); err != nil {
		return Indirect{}, err
	}
	return p.ParseIndirect()
}

// ParseIndirect parses "n g obj <object> [stream] endobj" at the current
// position. Under a lenient strategy a malformed body is replaced by the
// null object and the parser resynchronizes at the next endobj.
func (p *Parser) ParseIndirect() (Indirect, error) {
	start := p.Position()
	tokNum, err := p.tr.next()
	if err != nil {
		return Indirect{}, err
	}
	tokGen, err := p.tr.next()
	if err != nil {
		return Indirect{}, err
	}
	tokObj, err := p.tr.next()
	if err != nil {
		return Indirect{}, err
	}
	if !isObjNumber(tokNum) || !isObjNumber(tokGen) || !tokObj.IsKeyword("obj") {
		return Indirect{}, &scanner.SyntaxError{Offset: start, Msg: "expected object header <num> <gen> obj"}
	}
	ref := raw.ObjectRef{Num: int(tokNum.Int), Gen: int(tokGen.Int)}
	p.loc = recovery.Location{ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: diag.ComponentParser}
	p.s.SetRecoveryLocation(p.loc)
	defer func() {
		p.loc = recovery.Location{}
		p.s.SetRecoveryLocation(recovery.Location{})
	}()

	ind := Indirect{Ref: ref, Offset: start}
	obj, err := p.parseObject(0)
	if err != nil {
		if rerr := p.recover(err, bodyOffset(err, start)); rerr != nil {
			return ind, rerr
		}
		p.resync()
		ind.Object = raw.NullObj{}
		return ind, nil
	}

	if dict, ok := obj.(*raw.DictObj); ok {
		st, isStream, err := p.parseStream(dict)
		if err != nil {
			if rerr := p.recover(err, bodyOffset(err, start)); rerr != nil {
				return ind, rerr
			}
			p.resync()
		}
		if isStream {
			st.Owner, st.HasOwner = ref, true
			obj = st
		}
	}
	ind.Object = obj

	tok, err := p.tr.next()
	switch {
	case err == io.EOF:
		err = &scanner.SyntaxError{Offset: p.Position(), Msg: fmt.Sprintf("object %d %d: missing endobj", ref.Num, ref.Gen)}
	case err == nil && tok.IsKeyword("endobj"):
		return ind, nil
	case err == nil:
		p.tr.unread(tok)
		err = &scanner.SyntaxError{Offset: tok.Pos, Msg: fmt.Sprintf("object %d %d: expected endobj, found %s", ref.Num, ref.Gen, describe(tok))}
	}
	if rerr := p.recover(err, p.Position()); rerr != nil {
		return ind, rerr
	}
	return ind, nil
}

func bodyOffset(err error, fallback int64) int64 {
	var se *scanner.SyntaxError
	if errors.As(err, &se) {
		return se.Offset
	}
	return fallback
}

// parseStream reads the stream payload following dict, if any.
func (p *Parser) parseStream(dict *raw.DictObj) (*raw.StreamObj, bool, error) {
	hint, indirect := p.streamLength(dict)
	p.tr.setStreamLengthHint(hint)
	tok, err := p.tr.next()
	if err != nil {
		p.tr.clearStreamLengthHint()
		if err == io.EOF {
			return nil, false, nil
		}
		return nil, false, err
	}
	if tok.Type != scanner.TokenStream {
		p.tr.clearStreamLengthHint()
		p.tr.unread(tok)
		return nil, false, nil
	}
	st := &raw.StreamObj{
		Dict:           dict,
		Data:           tok.Bytes,
		Offset:         tok.DataPos,
		DeclaredLength: hint,
		LengthIndirect: indirect,
	}
	return st, true, nil
}

// streamLength returns the /Length of dict, or -1 when it is absent or
// cannot be resolved.
func (p *Parser) streamLength(dict *raw.DictObj) (int64, bool) {
	val, ok := dict.Get("Length")
	if !ok {
		return -1, false
	}
	switch v := val.(type) {
	case raw.NumberObj:
		if n := v.Int(); n >= 0 {
			return n, false
		}
	case raw.RefObj:
		if p.cfg.ResolveLength == nil {
			return -1, true
		}
		if n, ok := p.cfg.ResolveLength(v.R); ok && n >= 0 {
			return n, true
		}
		return -1, true
	}
	return -1, false
}

// resync skips forward to just past the next endobj keyword.
func (p *Parser) resync() {
	p.tr.reset()
	for {
		tok, err := p.s.Next()
		if err != nil || tok.IsKeyword("endobj") {
			return
		}
	}
}

func (p *Parser) recover(err error, offset int64) error {
	if p.cfg.Recovery == nil {
		return err
	}
	loc := p.loc
	loc.ByteOffset = offset
	if loc.Component == "" {
		loc.Component = diag.ComponentParser
	}
	switch p.cfg.Recovery.OnError(nil, err, loc) {
	case recovery.ActionFix, recovery.ActionSkip:
		return nil
	default:
		return err
	}
}

func (p *Parser) parseObject(depth int) (raw.Object, error) {
	tok, err := p.tr.next()
	if err != nil {
		if err == io.EOF {
			return nil, &scanner.SyntaxError{Offset: p.s.Len(), Msg: "unexpected end of input"}
		}
		return nil, err
	}
	switch tok.Type {
	case scanner.TokenName:
		return raw.NameObj{Val: tok.Str}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return raw.NumberObj{I: tok.Int, IsInt: true}, nil
		}
		return raw.NumberObj{F: tok.Float}, nil
	case scanner.TokenBoolean:
		return raw.BoolObj{V: tok.Bool}, nil
	case scanner.TokenNull:
		return raw.NullObj{}, nil
	case scanner.TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case scanner.TokenRef:
		return raw.RefObj{R: raw.ObjectRef{Num: tok.Num, Gen: tok.Gen}}, nil
	case scanner.TokenArray:
		if depth >= p.cfg.MaxDepth {
			return nil, &scanner.SyntaxError{Offset: tok.Pos, Msg: fmt.Sprintf("nesting deeper than %d", p.cfg.MaxDepth)}
		}
		return p.parseArray(tok, depth+1)
	case scanner.TokenDict:
		if depth >= p.cfg.MaxDepth {
			return nil, &scanner.SyntaxError{Offset: tok.Pos, Msg: fmt.Sprintf("nesting deeper than %d", p.cfg.MaxDepth)}
		}
		return p.parseDict(tok, depth+1)
	}
	return nil, &scanner.SyntaxError{Offset: tok.Pos, Msg: "unexpected " + describe(tok)}
}

func (p *Parser) parseArray(open scanner.Token, depth int) (raw.Object, error) {
	arr := &raw.ArrayObj{}
	for {
		tok, err := p.tr.next()
		if err == io.EOF {
			serr := &scanner.SyntaxError{Offset: open.Pos, Msg: "unterminated array"}
			if rerr := p.recover(serr, open.Pos); rerr != nil {
				return nil, rerr
			}
			return arr, nil
		}
		if err != nil {
			return nil, err
		}
		if tok.IsKeyword("]") {
			return arr, nil
		}
		if tok.IsKeyword(">>") || tok.IsKeyword("endobj") || tok.Type == scanner.TokenStream {
			serr := &scanner.SyntaxError{Offset: tok.Pos, Msg: "unbalanced array: missing ]"}
			if rerr := p.recover(serr, tok.Pos); rerr != nil {
				return nil, rerr
			}
			p.tr.unread(tok)
			return arr, nil
		}
		p.tr.unread(tok)
		item, err := p.parseObject(depth)
		if err != nil {
			if rerr := p.recover(err, bodyOffset(err, tok.Pos)); rerr != nil {
				return nil, rerr
			}
			continue
		}
		arr.Append(item)
	}
}

func (p *Parser) parseDict(open scanner.Token, depth int) (raw.Object, error) {
	d := raw.Dict()
	for {
		tok, err := p.tr.next()
		if err == io.EOF {
			serr := &scanner.SyntaxError{Offset: open.Pos, Msg: "unterminated dictionary"}
			if rerr := p.recover(serr, open.Pos); rerr != nil {
				return nil, rerr
			}
			return d, nil
		}
		if err != nil {
			return nil, err
		}
		if tok.IsKeyword(">>") {
			return d, nil
		}
		if tok.Type != scanner.TokenName {
			if tok.IsKeyword("endobj") || tok.Type == scanner.TokenStream {
				serr := &scanner.SyntaxError{Offset: tok.Pos, Msg: "unbalanced dictionary: missing >>"}
				if rerr := p.recover(serr, tok.Pos); rerr != nil {
					return nil, rerr
				}
				p.tr.unread(tok)
				return d, nil
			}
			serr := &scanner.SyntaxError{Offset: tok.Pos, Msg: "dictionary key is " + describe(tok) + ", not a name"}
			if rerr := p.recover(serr, tok.Pos); rerr != nil {
				return nil, rerr
			}
			if tok.Type == scanner.TokenArray || tok.Type == scanner.TokenDict {
				p.tr.unread(tok)
				if _, err := p.parseObject(depth); err != nil {
					return nil, err
				}
			}
			continue
		}
		key := tok.Str
		next, err := p.tr.peek()
		if err == nil && next.IsKeyword(">>") {
			// key without value
			serr := &scanner.SyntaxError{Offset: tok.Pos, Msg: "dictionary key /" + key + " has no value"}
			if rerr := p.recover(serr, tok.Pos); rerr != nil {
				return nil, rerr
			}
			continue
		}
		val, err := p.parseObject(depth)
		if err != nil {
			if rerr := p.recover(err, bodyOffset(err, tok.Pos)); rerr != nil {
				return nil, rerr
			}
			continue
		}
		if _, isNull := val.(raw.NullObj); isNull {
			// A null value is equivalent to an absent key.
			continue
		}
		d.Set(key, val)
	}
}

func describe(tok scanner.Token) string {
	switch tok.Type {
	case scanner.TokenKeyword:
		return fmt.Sprintf("keyword %q", tok.Str)
	case scanner.TokenName:
		return "name /" + tok.Str
	case scanner.TokenNumber:
		return "number"
	case scanner.TokenStream:
		return "stream payload"
	}
	return tok.Type.String()
}

type tokenReader struct {
	s   *scanner.Scanner
	buf []scanner.Token
}

func newTokenReader(s *scanner.Scanner) *tokenReader {
	return &tokenReader{s: s}
}

func (r *tokenReader) next() (scanner.Token, error) {
	if l := len(r.buf); l > 0 {
		t := r.buf[l-1]
		r.buf = r.buf[:l-1]
		return t, nil
	}
	return r.s.Next()
}

func (r *tokenReader) peek() (scanner.Token, error) {
	tok, err := r.next()
	if err != nil {
		return tok, err
	}
	r.unread(tok)
	return tok, nil
}

func (r *tokenReader) unread(tok scanner.Token) { r.buf = append(r.buf, tok) }
func (r *tokenReader) reset()                   { r.buf = r.buf[:0] }

func (r *tokenReader) setStreamLengthHint(n int64) { r.s.SetNextStreamLength(n) }
func (r *tokenReader) clearStreamLengthHint()      { r.s.SetNextStreamLength(-1) }

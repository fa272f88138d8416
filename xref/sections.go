package xref

import (
	"context"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/wudi/pdfinspect/filters"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/parser"
	"github.com/wudi/pdfinspect/scanner"
)

// parseClassic reads subsections after the xref keyword up to and including
// the trailer dictionary. Within a section the first entry for a number wins.
func (r *resolver) parseClassic(data []byte, s *scanner.Scanner, off int64) (*Section, error) {
	entries := make(map[int]Entry)
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, xrefErrorf(s.Position(), "unterminated cross-reference table")
		}
		if tok.IsKeyword("trailer") {
			p := parser.New(data, r.parserConfig())
			if err := p.Seek(tok.End); err != nil {
				return nil, xrefErrorf(tok.Pos, "%v", err)
			}
			obj, err := p.ParseObject()
			dict, ok := obj.(*raw.DictObj)
			if err != nil || !ok {
				return nil, xrefErrorf(tok.Pos, "malformed trailer dictionary")
			}
			return &Section{Offset: off, Entries: entries, Trailer: dict}, nil
		}
		start, ok := nonNegative(tok)
		if !ok {
			return nil, xrefErrorf(tok.Pos, "invalid subsection header")
		}
		tok, err = s.Next()
		count, ok := nonNegative(tok)
		if err != nil || !ok {
			return nil, xrefErrorf(tok.Pos, "invalid subsection count")
		}
		for i := int64(0); i < count; i++ {
			offTok, e1 := s.Next()
			genTok, e2 := s.Next()
			kindTok, e3 := s.Next()
			o, ok1 := nonNegative(offTok)
			g, ok2 := nonNegative(genTok)
			if e1 != nil || e2 != nil || e3 != nil || !ok1 || !ok2 || kindTok.Type != scanner.TokenKeyword {
				return nil, xrefErrorf(offTok.Pos, "malformed entry for object %d", start+i)
			}
			num := int(start + i)
			if _, dup := entries[num]; dup {
				continue
			}
			switch kindTok.Str {
			case "n":
				entries[num] = Entry{Kind: EntryInUse, Offset: o, Gen: int(g)}
			case "f":
				entries[num] = Entry{Kind: EntryFree, Offset: o, Gen: int(g)}
			default:
				return nil, xrefErrorf(kindTok.Pos, "entry type %q for object %d", kindTok.Str, num)
			}
		}
	}
}

func nonNegative(tok scanner.Token) (int64, bool) {
	if tok.Type != scanner.TokenNumber || !tok.IsInt || tok.Int < 0 {
		return 0, false
	}
	return tok.Int, true
}

// parseStreamSection reads a cross-reference stream object at off.
func (r *resolver) parseStreamSection(ctx context.Context, data []byte, off int64) (*Section, error) {
	p := parser.New(data, r.parserConfig())
	ind, err := p.ParseIndirectAt(off)
	if err != nil {
		return nil, xrefErrorf(off, "cross-reference stream: %v", err)
	}
	stm, ok := ind.Object.(*raw.StreamObj)
	if !ok {
		return nil, xrefErrorf(off, "object %s is not a stream", ind.Ref)
	}
	if typ, _ := stm.Dict.Name("Type"); typ != "XRef" {
		return nil, xrefErrorf(off, "object %s is not a cross-reference stream", ind.Ref)
	}
	res, err := r.pipeline.Decode(ctx, stm.Data, filters.ExtractFilters(stm.Dict), stm.DeclaredLength)
	if err != nil {
		return nil, xrefErrorf(off, "cross-reference stream %s: %v", ind.Ref, err)
	}
	entries, err := decodeStreamEntries(stm.Dict, res.Data)
	if err != nil {
		return nil, xrefErrorf(off, "cross-reference stream %s: %v", ind.Ref, err)
	}
	trailer := stm.Dict.Clone()
	for _, k := range []string{"Type", "W", "Index", "Length", "Filter", "DecodeParms"} {
		trailer.Delete(k)
	}
	return &Section{Offset: off, Stream: true, StreamRef: ind.Ref, Entries: entries, Trailer: trailer}, nil
}

// decodeStreamEntries unpacks the fixed-width records of a decoded
// cross-reference stream using the /W widths and /Index ranges.
func decodeStreamEntries(dict *raw.DictObj, data []byte) (map[int]Entry, error) {
	wObj, _ := dict.Get("W")
	wArr, ok := wObj.(*raw.ArrayObj)
	if !ok || wArr.Len() != 3 {
		return nil, fmt.Errorf("/W must be an array of three integers")
	}
	var w [3]int
	for i, item := range wArr.Items {
		n, ok := item.(raw.NumberObj)
		if !ok || !n.IsInteger() || n.Int() < 0 || n.Int() > 8 {
			return nil, fmt.Errorf("invalid /W field width %v", item)
		}
		w[i] = int(n.Int())
	}
	if w[0]+w[1]+w[2] == 0 {
		return nil, fmt.Errorf("/W widths are all zero")
	}

	size, _ := dict.Int("Size")
	var ranges []int64
	if idx, ok := dict.Get("Index"); ok {
		arr, ok := idx.(*raw.ArrayObj)
		if !ok || arr.Len()%2 != 0 {
			return nil, fmt.Errorf("/Index must be an array of pairs")
		}
		for _, item := range arr.Items {
			n, ok := item.(raw.NumberObj)
			if !ok || n.Int() < 0 {
				return nil, fmt.Errorf("invalid /Index value %v", item)
			}
			ranges = append(ranges, n.Int())
		}
	} else {
		ranges = []int64{0, size}
	}

	entries := make(map[int]Entry)
	s := cryptobyte.String(data)
	for i := 0; i+1 < len(ranges); i += 2 {
		start, count := ranges[i], ranges[i+1]
		for j := int64(0); j < count; j++ {
			var f [3]uint64
			for k := range w {
				v, ok := readField(&s, w[k])
				if !ok {
					return entries, fmt.Errorf("records truncated at object %d", start+j)
				}
				f[k] = v
			}
			typ := f[0]
			if w[0] == 0 {
				typ = 1
			}
			num := int(start + j)
			if _, dup := entries[num]; dup {
				continue
			}
			switch typ {
			case 0:
				entries[num] = Entry{Kind: EntryFree, Offset: int64(f[1]), Gen: int(f[2])}
			case 1:
				entries[num] = Entry{Kind: EntryInUse, Offset: int64(f[1]), Gen: int(f[2])}
			case 2:
				entries[num] = Entry{Kind: EntryCompressed, Stream: int(f[1]), Index: int(f[2])}
			}
		}
	}
	return entries, nil
}

// readField reads one big-endian field of the given width.
func readField(s *cryptobyte.String, width int) (uint64, bool) {
	switch width {
	case 0:
		return 0, true
	case 1:
		var v uint8
		ok := s.ReadUint8(&v)
		return uint64(v), ok
	case 2:
		var v uint16
		ok := s.ReadUint16(&v)
		return uint64(v), ok
	case 3:
		var v uint32
		ok := s.ReadUint24(&v)
		return uint64(v), ok
	case 4:
		var v uint32
		ok := s.ReadUint32(&v)
		return uint64(v), ok
	}
	var b []byte
	if !s.ReadBytes(&b, width) {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, true
}

package filters

import (
	"bytes"
	"io"

	"github.com/wudi/pdfinspect/ir/raw"
)

// ExtractFilters reads Filter and DecodeParms entries from a stream dictionary.
// Missing or null parameter entries yield a nil Params.
func ExtractFilters(dict *raw.DictObj) []Filter {
	filterObj, ok := dict.Get("Filter")
	if !ok {
		return nil
	}
	var chain []Filter
	switch f := filterObj.(type) {
	case raw.NameObj:
		chain = append(chain, Filter{Name: f.Val})
	case *raw.ArrayObj:
		for _, item := range f.Items {
			if n, ok := item.(raw.NameObj); ok {
				chain = append(chain, Filter{Name: n.Val})
			}
		}
	}
	if len(chain) == 0 {
		return nil
	}

	pObj, ok := dict.Get("DecodeParms")
	if !ok {
		pObj, ok = dict.Get("DP")
	}
	if ok {
		switch p := pObj.(type) {
		case *raw.DictObj:
			chain[0].Params = p
		case *raw.ArrayObj:
			for i, item := range p.Items {
				if i >= len(chain) {
					break
				}
				if d, ok := item.(*raw.DictObj); ok {
					chain[i].Params = d
				}
			}
		}
	}
	return chain
}

// ParamsArity returns how many DecodeParms entries dict declares and whether
// the entry is present at all.
func ParamsArity(dict *raw.DictObj) (int, bool) {
	pObj, ok := dict.Get("DecodeParms")
	if !ok {
		return 0, false
	}
	if arr, ok := pObj.(*raw.ArrayObj); ok {
		return arr.Len(), true
	}
	return 1, true
}

func intParam(params *raw.DictObj, key string, def int) int {
	if v, ok := params.Int(key); ok {
		return int(v)
	}
	return def
}

func boolParam(params *raw.DictObj, key string, def bool) bool {
	o, ok := params.Get(key)
	if !ok {
		return def
	}
	if b, ok := o.(raw.BoolObj); ok {
		return b.V
	}
	return def
}

// readAllLimit reads r to EOF, stopping with ErrOutputLimit once more than
// limit bytes have been produced. Zero means unlimited. Partial output is
// returned with any error.
func readAllLimit(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	if limit <= 0 {
		_, err := buf.ReadFrom(r)
		return buf.Bytes(), err
	}
	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if n > limit {
		return buf.Bytes()[:limit], ErrOutputLimit
	}
	return buf.Bytes(), err
}

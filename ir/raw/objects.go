package raw

// Name object
type NameObj struct{ Val string }

func (n NameObj) Type() string     { return "name" }
func (n NameObj) Kind() Kind       { return KindName }
func (n NameObj) IsIndirect() bool { return false }
func (n NameObj) Value() string    { return n.Val }
func (NameObj) isObject()          {}

// Number object
type NumberObj struct {
	I     int64
	F     float64
	IsInt bool
}

func (n NumberObj) Type() string     { return "number" }
func (n NumberObj) IsIndirect() bool { return false }
func (NumberObj) isObject()          {}
func (n NumberObj) Kind() Kind {
	if n.IsInt {
		return KindInteger
	}
	return KindReal
}
func (n NumberObj) Int() int64 {
	if n.IsInt {
		return n.I
	}
	return int64(n.F)
}
func (n NumberObj) Float() float64 {
	if n.IsInt {
		return float64(n.I)
	}
	return n.F
}
func (n NumberObj) IsInteger() bool { return n.IsInt }

// Boolean object
type BoolObj struct{ V bool }

func (b BoolObj) Type() string     { return "boolean" }
func (b BoolObj) Kind() Kind       { return KindBool }
func (b BoolObj) IsIndirect() bool { return false }
func (b BoolObj) Value() bool      { return b.V }
func (BoolObj) isObject()          {}

// Null object
type NullObj struct{}

func (n NullObj) Type() string     { return "null" }
func (n NullObj) Kind() Kind       { return KindNull }
func (n NullObj) IsIndirect() bool { return false }
func (NullObj) isObject()          {}

// String object. Hex records whether the source used <...> syntax.
type StringObj struct {
	Bytes []byte
	Hex   bool
}

func (s StringObj) Type() string     { return "string" }
func (s StringObj) Kind() Kind       { return KindString }
func (s StringObj) IsIndirect() bool { return false }
func (s StringObj) Value() []byte    { return s.Bytes }
func (s StringObj) IsHex() bool      { return s.Hex }
func (StringObj) isObject()          {}

// Text decodes the string as a PDF text string.
func (s StringObj) Text() string { return DecodeText(s.Bytes) }

// Array object
type ArrayObj struct{ Items []Object }

func (a *ArrayObj) Type() string     { return "array" }
func (a *ArrayObj) Kind() Kind       { return KindArray }
func (a *ArrayObj) IsIndirect() bool { return false }
func (*ArrayObj) isObject()          {}
func (a *ArrayObj) Get(i int) (Object, bool) {
	if i < 0 || i >= len(a.Items) {
		return nil, false
	}
	return a.Items[i], true
}
func (a *ArrayObj) Len() int        { return len(a.Items) }
func (a *ArrayObj) Append(o Object) { a.Items = append(a.Items, o) }

// DictObj maps names to objects. Lookup is by key; insertion order is kept
// for iteration and re-serialization.
type DictObj struct {
	keys []string
	kv   map[string]Object
}

func (d *DictObj) Type() string     { return "dict" }
func (d *DictObj) Kind() Kind       { return KindDict }
func (d *DictObj) IsIndirect() bool { return false }
func (*DictObj) isObject()          {}

func (d *DictObj) Get(key string) (Object, bool) {
	if d == nil {
		return nil, false
	}
	o, ok := d.kv[key]
	return o, ok
}

// Set adds or replaces key. A replaced key keeps its original position.
func (d *DictObj) Set(key string, value Object) {
	if d.kv == nil {
		d.kv = make(map[string]Object)
	}
	if _, ok := d.kv[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.kv[key] = value
}

func (d *DictObj) Delete(key string) {
	if _, ok := d.kv[key]; !ok {
		return
	}
	delete(d.kv, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *DictObj) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

func (d *DictObj) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Clone returns a shallow copy; values are shared.
func (d *DictObj) Clone() *DictObj {
	c := &DictObj{kv: make(map[string]Object, d.Len())}
	if d == nil {
		return c
	}
	for _, k := range d.keys {
		c.Set(k, d.kv[k])
	}
	return c
}

// Name returns the value of key if it is a name.
func (d *DictObj) Name(key string) (string, bool) {
	o, ok := d.Get(key)
	if !ok {
		return "", false
	}
	n, ok := o.(NameObj)
	return n.Val, ok
}

// Int returns the value of key if it is a number, truncated to an integer.
func (d *DictObj) Int(key string) (int64, bool) {
	o, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := o.(NumberObj)
	if !ok {
		return 0, false
	}
	return n.Int(), true
}

// RefValue returns the value of key if it is an indirect reference.
func (d *DictObj) RefValue(key string) (ObjectRef, bool) {
	o, ok := d.Get(key)
	if !ok {
		return ObjectRef{}, false
	}
	r, ok := o.(RefObj)
	return r.R, ok
}

// StreamObj is a dictionary plus its raw, undecoded payload. Offset is the
// file position of the first payload byte. DeclaredLength is the /Length the
// parser used (-1 when none could be determined) and LengthIndirect records
// whether it came from an indirect reference.
type StreamObj struct {
	Dict           *DictObj
	Data           []byte
	Offset         int64
	DeclaredLength int64
	LengthIndirect bool

	// Owner is the indirect object holding the stream; needed for
	// per-object decryption keys.
	Owner    ObjectRef
	HasOwner bool
}

func (s *StreamObj) Type() string     { return "stream" }
func (s *StreamObj) Kind() Kind       { return KindStream }
func (s *StreamObj) IsIndirect() bool { return false }
func (*StreamObj) isObject()          {}
func (s *StreamObj) Dictionary() *DictObj {
	return s.Dict
}
func (s *StreamObj) RawData() []byte { return s.Data }
func (s *StreamObj) Length() int64   { return int64(len(s.Data)) }

// Reference object
type RefObj struct{ R ObjectRef }

func (r RefObj) Type() string     { return "ref" }
func (r RefObj) Kind() Kind       { return KindRef }
func (r RefObj) IsIndirect() bool { return true }
func (r RefObj) Ref() ObjectRef   { return r.R }
func (RefObj) isObject()          {}

// Helpers
func NameLiteral(v string) NameObj    { return NameObj{Val: v} }
func NumberInt(i int64) NumberObj     { return NumberObj{I: i, IsInt: true} }
func NumberFloat(f float64) NumberObj { return NumberObj{F: f, IsInt: false} }
func Bool(v bool) BoolObj             { return BoolObj{V: v} }
func Null() NullObj                   { return NullObj{} }
func Str(bytes []byte) StringObj      { return StringObj{Bytes: bytes} }
func HexStr(bytes []byte) StringObj   { return StringObj{Bytes: bytes, Hex: true} }
func NewArray(items ...Object) *ArrayObj {
	return &ArrayObj{Items: items}
}
func Dict() *DictObj { return &DictObj{kv: make(map[string]Object)} }
func NewStream(dict *DictObj, data []byte) *StreamObj {
	return &StreamObj{Dict: dict, Data: data, DeclaredLength: int64(len(data))}
}
func Ref(num, gen int) RefObj { return RefObj{R: ObjectRef{Num: num, Gen: gen}} }

package raw

import "fmt"

// Kind enumerates the closed set of PDF object variants.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindReal
	KindString
	KindName
	KindArray
	KindDict
	KindRef
	KindStream
)

var kindNames = [...]string{
	KindNull:    "null",
	KindBool:    "boolean",
	KindInteger: "integer",
	KindReal:    "real",
	KindString:  "string",
	KindName:    "name",
	KindArray:   "array",
	KindDict:    "dictionary",
	KindRef:     "reference",
	KindStream:  "stream",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Less orders references by object number, then generation.
func (r ObjectRef) Less(o ObjectRef) bool {
	if r.Num != o.Num {
		return r.Num < o.Num
	}
	return r.Gen < o.Gen
}

// Object is the base interface for all raw PDF objects. The set of
// implementations is closed: only the types in this package satisfy it.
type Object interface {
	Type() string
	Kind() Kind
	IsIndirect() bool
	isObject()
}

// IsNull reports whether o is nil or the null object.
func IsNull(o Object) bool {
	if o == nil {
		return true
	}
	return o.Kind() == KindNull
}

// IsNumber reports whether o is an integer or a real.
func IsNumber(o Object) bool {
	if o == nil {
		return false
	}
	k := o.Kind()
	return k == KindInteger || k == KindReal
}

package security

import "github.com/wudi/pdfinspect/ir/raw"

// Descriptor is the parsed form of a document's /Encrypt dictionary.
type Descriptor struct {
	Filter    string
	SubFilter string
	V         int
	R         int
	// Length is the key length in bits; zero when absent.
	Length          int
	O               []byte
	U               []byte
	P               int32
	HasP            bool
	EncryptMetadata bool
	StmF            string
	StrF            string

	// Authenticated is set once a password check succeeded and the file key
	// has been derived.
	Authenticated bool
	// Ref is the indirect object holding the dictionary, if any.
	Ref    raw.ObjectRef
	HasRef bool

	Dict *raw.DictObj
}

// ParseDescriptor reads the keys of an /Encrypt dictionary. Missing keys are
// left at their zero values except EncryptMetadata, which defaults to true.
func ParseDescriptor(dict *raw.DictObj) Descriptor {
	d := Descriptor{Dict: dict, EncryptMetadata: true}
	d.Filter, _ = dict.Name("Filter")
	d.SubFilter, _ = dict.Name("SubFilter")
	if v, ok := dict.Int("V"); ok {
		d.V = int(v)
	}
	if r, ok := dict.Int("R"); ok {
		d.R = int(r)
	}
	if l, ok := dict.Int("Length"); ok {
		d.Length = int(l)
	}
	d.O, _ = stringBytes(dict, "O")
	d.U, _ = stringBytes(dict, "U")
	if p, ok := dict.Int("P"); ok {
		d.P, d.HasP = int32(p), true
	}
	if o, ok := dict.Get("EncryptMetadata"); ok {
		if b, ok := o.(raw.BoolObj); ok {
			d.EncryptMetadata = b.V
		}
	}
	d.StmF, _ = dict.Name("StmF")
	d.StrF, _ = dict.Name("StrF")
	return d
}

// Permissions decodes the /P bitmask.
func (d *Descriptor) Permissions() Permissions { return permissionsFromP(d.P) }

// ValidationLength returns the expected length of /O and /U for the revision.
func (d *Descriptor) ValidationLength() int {
	if d.R >= 5 {
		return 48
	}
	return 32
}

// FileID returns the first element of the trailer's /ID array.
func FileID(trailer *raw.DictObj) []byte {
	o, ok := trailer.Get("ID")
	if !ok {
		return nil
	}
	arr, ok := o.(*raw.ArrayObj)
	if !ok || arr.Len() == 0 {
		return nil
	}
	if s, ok := arr.Items[0].(raw.StringObj); ok {
		return s.Bytes
	}
	return nil
}

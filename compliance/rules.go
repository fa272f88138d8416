package compliance

import (
	"regexp"
	"strings"

	"github.com/wudi/pdfinspect/filters"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/security"
)

// kinds accepted for a key. Number stands for integer or real.
type kinds []raw.Kind

var (
	kDict      = kinds{raw.KindDict}
	kArray     = kinds{raw.KindArray}
	kName      = kinds{raw.KindName}
	kInt       = kinds{raw.KindInteger}
	kNumber    = kinds{raw.KindInteger, raw.KindReal}
	kString    = kinds{raw.KindString}
	kStream    = kinds{raw.KindStream}
	kDictArray = kinds{raw.KindDict, raw.KindArray}
)

// keyTypes lists, per dictionary type, the kinds its keys may hold after
// dereferencing.
var keyTypes = map[string]map[string]kinds{
	roleCatalog: {
		"Pages":      kDict,
		"Outlines":   kDict,
		"Names":      kDict,
		"Dests":      kDict,
		"AA":         kDict,
		"AcroForm":   kDict,
		"Metadata":   kStream,
		"Version":    kName,
		"PageLayout": kName,
		"PageMode":   kName,
		"OpenAction": kDictArray,
	},
	"Pages": {
		"Kids":      kArray,
		"Count":     kInt,
		"Parent":    kDict,
		"MediaBox":  kArray,
		"CropBox":   kArray,
		"Resources": kDict,
		"Rotate":    kInt,
	},
	"Page": {
		"Parent":    kDict,
		"MediaBox":  kArray,
		"CropBox":   kArray,
		"BleedBox":  kArray,
		"TrimBox":   kArray,
		"ArtBox":    kArray,
		"Resources": kDict,
		"Contents":  kinds{raw.KindStream, raw.KindArray},
		"Annots":    kArray,
		"Rotate":    kInt,
		"UserUnit":  kNumber,
		"AA":        kDict,
		"Metadata":  kStream,
	},
	roleAnnot: {
		"Subtype": kName,
		"Rect":    kArray,
		"P":       kDict,
		"A":       kDict,
		"AA":      kDict,
		"AP":      kDict,
		"Border":  kArray,
	},
	roleAction: {
		"S":    kName,
		"JS":   kinds{raw.KindString, raw.KindStream},
		"Next": kDictArray,
	},
	"Font": {
		"Subtype":        kName,
		"BaseFont":       kName,
		"FirstChar":      kInt,
		"LastChar":       kInt,
		"Widths":         kArray,
		"FontDescriptor": kDict,
		"Encoding":       kinds{raw.KindName, raw.KindDict},
		"ToUnicode":      kStream,
	},
	"FontDescriptor": {
		"FontName":    kName,
		"Flags":       kInt,
		"FontBBox":    kArray,
		"ItalicAngle": kNumber,
		"FontFile":    kStream,
		"FontFile2":   kStream,
		"FontFile3":   kStream,
	},
	"Outlines": {
		"First": kDict,
		"Last":  kDict,
		"Count": kInt,
	},
	roleInfo: {
		"Title":        kString,
		"Author":       kString,
		"Subject":      kString,
		"Keywords":     kString,
		"Creator":      kString,
		"Producer":     kString,
		"CreationDate": kString,
		"ModDate":      kString,
		"Trapped":      kinds{raw.KindName, raw.KindBool},
	},
	"ObjStm": {
		"N":       kInt,
		"First":   kInt,
		"Extends": kStream,
	},
	roleEncrypt: {
		"Filter": kName,
		"V":      kInt,
		"R":      kInt,
		"O":      kString,
		"U":      kString,
		"P":      kInt,
		"Length": kInt,
		"CF":     kDict,
	},
	roleNames: {
		"JavaScript":    kDict,
		"Dests":         kDict,
		"EmbeddedFiles": kDict,
	},
	roleJSTree: {
		"Kids":   kArray,
		"Names":  kArray,
		"Limits": kArray,
	},
}

var rectKeys = []string{"MediaBox", "CropBox", "BleedBox", "TrimBox", "ArtBox", "Rect"}

var textKeys = []string{"Title", "Author", "Subject", "Keywords", "Creator", "Producer"}

// dateString matches D:YYYYMMDDHHmmSSOHH'mm' with every part after the year
// optional and the trailing apostrophe tolerated.
var dateString = regexp.MustCompile(`^(D:)?\d{4}(\d{2}(\d{2}(\d{2}(\d{2}(\d{2})?)?)?)?)?([Zz+\-](\d{2}('?\d{2}'?)?)?)?$`)

var versionName = regexp.MustCompile(`^\d+\.\d+$`)

// checkTrailer applies the DOC rules to the merged trailer.
func (w *walker) checkTrailer(tr *raw.DictObj) {
	at := item{}
	root, ok := tr.Get("Root")
	switch {
	case !ok:
		w.flag("DOC001", at, "trailer has no /Root")
	default:
		if _, isDict := w.derefDictValue(at, root); !isDict {
			w.flag("DOC002", at, "/Root %v does not resolve to a dictionary", root)
		}
	}

	maxNum := -1
	if rows := w.g.XRefTable(); len(rows) > 0 {
		maxNum = rows[len(rows)-1].Num
	}
	size, ok := tr.Int("Size")
	switch {
	case !ok:
		w.flag("DOC003", at, "trailer has no integer /Size")
	case int(size) <= maxNum:
		w.flag("DOC003", at, "/Size %d does not exceed the highest object number %d", size, maxNum)
	}

	if info, ok := tr.Get("Info"); ok {
		if _, isDict := w.derefDictValue(at, info); !isDict {
			w.flag("DOC004", at, "/Info is not a dictionary")
		}
	}
	if id, ok := tr.Get("ID"); ok {
		if !isFileID(id) {
			w.flag("DOC004", at, "/ID is not an array of two strings")
		}
	}
}

func isFileID(o raw.Object) bool {
	arr, ok := o.(*raw.ArrayObj)
	if !ok || arr.Len() != 2 {
		return false
	}
	for _, e := range arr.Items {
		if _, ok := e.(raw.StringObj); !ok {
			return false
		}
	}
	return true
}

func (w *walker) derefDictValue(from item, v raw.Object) (*raw.DictObj, bool) {
	o, ok := w.deref(from, v)
	if !ok {
		return nil, false
	}
	d, ok := o.(*raw.DictObj)
	return d, ok
}

var supportedRevisions = map[int][]int{
	1: {2, 3},
	2: {2, 3},
	4: {4},
	5: {5, 6},
}

// checkEncryption applies the ENC rules to the parsed /Encrypt dictionary.
func (w *walker) checkEncryption(tr *raw.DictObj) {
	enc := w.g.Encryption()
	if enc == nil {
		return
	}
	at := item{ref: enc.Ref, hasRef: enc.HasRef}
	if enc.Filter == "" {
		w.flag("ENC001", at, "encryption dictionary has no /Filter")
	}
	supported := false
	for _, r := range supportedRevisions[enc.V] {
		supported = supported || r == enc.R
	}
	if !supported {
		w.flag("ENC002", at, "unsupported combination /V %d /R %d", enc.V, enc.R)
	}
	want := enc.ValidationLength()
	for _, k := range []struct {
		name string
		val  []byte
	}{{"O", enc.O}, {"U", enc.U}} {
		n := len(k.val)
		if n < want || (enc.R < 5 && n != want) {
			w.flag("ENC003", at, "/%s is %d bytes, revision %d requires %d", k.name, n, enc.R, want)
		}
	}
	if !enc.HasP {
		w.flag("ENC004", at, "encryption dictionary has no /P")
	}
	if enc.Length != 0 && (enc.Length%8 != 0 || enc.Length < 40 || enc.Length > 256) {
		w.flag("ENC005", at, "/Length %d is not a multiple of 8 in 40..256", enc.Length)
	}
	if security.FileID(tr) == nil {
		w.flag("ENC006", at, "encrypted document has no trailer /ID")
	}
	if !enc.Authenticated {
		w.flag("ENC007", at, "no password opened the document")
	}
}

// checkDict applies the per-dictionary rules for the given type.
func (w *walker) checkDict(it item, d *raw.DictObj, typ string) {
	for _, k := range d.Keys() {
		want, ok := keyTypes[typ][k]
		if !ok || len(want) == 0 {
			continue
		}
		v, _ := d.Get(k)
		o, ok := w.deref(it, v)
		if !ok {
			continue
		}
		if !want.match(o.Kind()) {
			w.flag("TYP001", it, "/%s in %s dictionary is a %s", k, typ, o.Kind())
		}
	}

	for _, k := range rectKeys {
		if v, ok := d.Get(k); ok {
			w.checkRect(it, k, v)
		}
	}
	if rot, ok := w.derefInt(it, d, "Rotate"); ok && rot%90 != 0 {
		w.flag("RNG001", it, "/Rotate %d is not a multiple of 90", rot)
	}

	switch typ {
	case "Pages":
		if n, ok := w.derefInt(it, d, "Count"); ok && n < 0 {
			w.flag("RNG001", it, "/Count %d is negative", n)
		}
	case roleCatalog:
		w.checkCatalog(it, d)
	case roleAction:
		w.checkAction(it, d)
	case roleInfo:
		w.checkInfo(it, d)
	}
}

func (k kinds) match(got raw.Kind) bool {
	for _, want := range k {
		if want == got {
			return true
		}
	}
	return false
}

func (w *walker) checkRect(it item, key string, v raw.Object) {
	o, ok := w.deref(it, v)
	if !ok {
		return
	}
	arr, ok := o.(*raw.ArrayObj)
	if !ok {
		return
	}
	if arr.Len() != 4 {
		w.flag("RNG001", it, "/%s has %d elements", key, arr.Len())
		return
	}
	var c [4]float64
	for i, e := range arr.Items {
		e, _ = w.deref(it, e)
		n, ok := e.(raw.NumberObj)
		if !ok {
			w.flag("RNG001", it, "/%s element %d is not a number", key, i)
			return
		}
		c[i] = n.Float()
	}
	if c[2]-c[0] == 0 || c[3]-c[1] == 0 {
		w.flag("RNG001", it, "/%s has zero area", key)
	}
}

func (w *walker) checkCatalog(it item, d *raw.DictObj) {
	if _, ok := w.derefDict(it, d, "Pages"); !ok {
		w.flag("CAT001", it, "catalog has no /Pages dictionary")
	}
	if typ, _ := d.Name("Type"); typ != "Catalog" {
		w.flag("CAT002", it, "catalog /Type is %q", typ)
	}
	if v, ok := d.Get("Version"); ok {
		n, isName := v.(raw.NameObj)
		if !isName || !versionName.MatchString(n.Val) {
			w.flag("CAT003", it, "catalog /Version %v is not a version name", v)
		}
	}
}

func (w *walker) checkAction(it item, d *raw.DictObj) {
	s, ok := d.Name("S")
	if !ok {
		w.flag("ACT001", it, "action has no /S")
		return
	}
	if s != "JavaScript" {
		return
	}
	v, ok := d.Get("JS")
	if !ok {
		w.flag("ACT001", it, "JavaScript action has no /JS")
		return
	}
	o, ok := w.deref(it, v)
	if !ok {
		return
	}
	var src string
	switch js := o.(type) {
	case raw.StringObj:
		src = raw.DecodeText(js.Bytes)
	case *raw.StreamObj:
		ds := w.g.Stream(w.ctx, js)
		if ds.Err != nil {
			// STM003 covers it when the stream is visited.
			return
		}
		src = raw.DecodeText(ds.Data)
	default:
		return
	}
	name := "action"
	if it.hasRef {
		name = it.ref.String()
	}
	if err := w.opts.Scripts.Check(w.ctx, name, src); err != nil {
		if w.ctx.Err() != nil {
			return
		}
		w.flag("JSC001", it, "%v", err)
	}
}

func (w *walker) checkInfo(it item, d *raw.DictObj) {
	for _, k := range textKeys {
		v, ok := d.Get(k)
		if !ok {
			continue
		}
		o, _ := w.deref(it, v)
		if s, ok := o.(raw.StringObj); ok && !raw.ValidText(s.Bytes) {
			w.flag("INF001", it, "/%s is not valid text", k)
		}
	}
	for _, k := range []string{"CreationDate", "ModDate"} {
		v, ok := d.Get(k)
		if !ok {
			continue
		}
		o, _ := w.deref(it, v)
		s, ok := o.(raw.StringObj)
		if !ok {
			continue
		}
		if !dateString.MatchString(strings.TrimSpace(raw.DecodeText(s.Bytes))) {
			w.flag("INF001", it, "/%s %q is not a date", k, raw.DecodeText(s.Bytes))
		}
	}
	if v, ok := d.Get("Trapped"); ok {
		if n, isName := v.(raw.NameObj); isName && n.Val != "True" && n.Val != "False" && n.Val != "Unknown" {
			w.flag("INF001", it, "/Trapped /%s is not True, False or Unknown", n.Val)
		}
	}
}

// checkStream applies the STM and OBS rules.
func (w *walker) checkStream(it item, s *raw.StreamObj, typ string) {
	d := s.Dict
	lv, hasLength := d.Get("Length")
	if !hasLength {
		w.flagAt("STM001", it, s.Offset, "stream has no /Length")
	} else if o, ok := w.deref(it, lv); ok {
		if n, ok := o.(raw.NumberObj); ok && n.IsInteger() {
			diff := n.Int() - int64(len(s.Data))
			if diff < 0 {
				diff = -diff
			}
			tol := int64(0)
			if s.LengthIndirect {
				tol = 2
			}
			if diff > tol {
				w.flagAt("STM002", it, s.Offset, "/Length %d but the payload is %d bytes", n.Int(), len(s.Data))
			}
		}
	}

	if n, present := filters.ParamsArity(d); present {
		if _, isNull := mustGet(d, "DecodeParms").(raw.NullObj); !isNull {
			if got := len(filters.ExtractFilters(d)); n != got {
				w.flagAt("STM004", it, s.Offset, "%d /DecodeParms entries for %d filters", n, got)
			}
		}
	}

	if ds := w.g.Stream(w.ctx, s); ds.Err != nil && w.ctx.Err() == nil {
		w.flagAt("STM003", it, s.Offset, "stream does not decode: %v", ds.Err)
	}

	if typ == "ObjStm" {
		_, hasN := d.Int("N")
		_, hasFirst := d.Int("First")
		if !hasN || !hasFirst {
			w.flag("OBS001", it, "object stream lacks /N or /First")
		}
	}
}

func mustGet(d *raw.DictObj, key string) raw.Object {
	v, _ := d.Get(key)
	return v
}

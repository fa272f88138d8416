package compliance

import (
	"fmt"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/xref"
)

const (
	roleTrailer = "Trailer"
	roleCatalog = "Catalog"
	roleInfo    = "Info"
	roleEncrypt = "Encrypt"
	roleAction  = "Action"
	roleAA      = "AA"
	roleNames   = "Names"
	roleJSTree  = "JavaScriptNameTree"
	roleAnnot   = "Annot"
	roleAnnots  = "Annots"
	roleNext    = "Next"
)

// childRoles assigns a role to the value under a key of a dictionary with
// the given role or /Type.
var childRoles = map[string]map[string]string{
	roleTrailer: {"Root": roleCatalog, "Info": roleInfo, "Encrypt": roleEncrypt},
	roleCatalog: {"OpenAction": roleAction, "AA": roleAA, "Names": roleNames},
	"Page":      {"AA": roleAA, "Annots": roleAnnots},
	roleAnnot:   {"A": roleAction, "AA": roleAA},
	roleAction:  {"Next": roleNext},
	roleNames:   {"JavaScript": roleJSTree},
	roleJSTree:  {"Kids": roleJSTree},
}

func childRole(typ, key string) string {
	if typ == roleAA {
		return roleAction
	}
	return childRoles[typ][key]
}

// elemRole is the role of array elements under a value of role r.
func elemRole(r string) string {
	switch r {
	case roleAnnots:
		return roleAnnot
	case roleNext:
		return roleAction
	case roleJSTree:
		return roleJSTree
	}
	return ""
}

// dictRole is the role of a dictionary found where a value of role r is
// expected.
func dictRole(r string) string {
	switch r {
	case roleNext:
		return roleAction
	case roleAnnots:
		return ""
	}
	return r
}

type item struct {
	obj    raw.Object
	ref    raw.ObjectRef
	hasRef bool
	role   string
}

type walker struct {
	ctx  Context
	g    Graph
	mode Mode
	opts Options
	out  *diag.Collector

	queue        []item
	visited      map[raw.ObjectRef]bool
	refChecked   map[raw.ObjectRef]bool
	objStms      map[int]bool
	cycles       map[raw.ObjectRef]bool
	parentsDone  map[raw.ObjectRef]bool
	visitedCount int
	pages        int
	bounded      bool
}

func newWalker(ctx Context, g Graph, mode Mode, opts Options) *walker {
	return &walker{
		ctx:         ctx,
		g:           g,
		mode:        mode,
		opts:        opts,
		out:         diag.NewCollector(),
		visited:     make(map[raw.ObjectRef]bool),
		refChecked:  make(map[raw.ObjectRef]bool),
		objStms:     make(map[int]bool),
		cycles:      make(map[raw.ObjectRef]bool),
		parentsDone: make(map[raw.ObjectRef]bool),
	}
}

func (w *walker) run() error {
	tr := w.g.Trailer()
	w.checkTrailer(tr)
	w.checkEncryption(tr)

	cat, catRef, viaTrailer := w.root(tr)
	if cat != nil {
		w.walkPageTree(cat, catRef)
	}
	if err := w.ctx.Err(); err != nil {
		return err
	}

	w.queue = append(w.queue, item{obj: tr, role: roleTrailer})
	if cat != nil && !viaTrailer {
		w.visited[catRef] = true
		w.queue = append(w.queue, item{obj: cat, ref: catRef, hasRef: true, role: roleCatalog})
	}
	for len(w.queue) > 0 && !w.bounded {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		it := w.queue[0]
		w.queue = w.queue[1:]
		if !w.tick() {
			break
		}
		w.visit(it)
	}
	return nil
}

// tick counts one visited object and reports whether the traversal bound
// still allows the walk to continue.
func (w *walker) tick() bool {
	if w.bounded {
		return false
	}
	if w.visitedCount >= w.opts.MaxTraversal {
		w.bounded = true
		w.flag("GRF001", item{}, "traversal stopped after %d objects", w.visitedCount)
		return false
	}
	w.visitedCount++
	return true
}

// root returns the catalog. viaTrailer is false when the trailer's /Root
// was unusable and the catalog was found by type.
func (w *walker) root(tr *raw.DictObj) (*raw.DictObj, raw.ObjectRef, bool) {
	if ref, ok := tr.RefValue("Root"); ok {
		if e, ok := w.g.Lookup(ref.Num); ok && e.Matches(ref.Gen) {
			if d, ok := w.g.Resolve(ref.Num, ref.Gen).(*raw.DictObj); ok {
				return d, ref, true
			}
		}
	}
	d, ref, ok := w.g.Catalog()
	if !ok {
		return nil, raw.ObjectRef{}, false
	}
	return d, ref, false
}

func (w *walker) visit(it item) {
	switch o := it.obj.(type) {
	case *raw.DictObj:
		typ := w.typeOf(dictRole(it.role), o)
		w.checkDict(it, o, typ)
		w.descend(it, o, typ)
	case *raw.StreamObj:
		typ := w.typeOf(dictRole(it.role), o.Dict)
		w.checkStream(it, o, typ)
		w.checkDict(it, o.Dict, typ)
		w.descend(it, o.Dict, typ)
	case *raw.ArrayObj:
		er := elemRole(it.role)
		for _, e := range o.Items {
			w.child(it, e, er)
		}
	}
}

func (w *walker) typeOf(role string, d *raw.DictObj) string {
	if role != "" {
		return role
	}
	typ, _ := d.Name("Type")
	return typ
}

func (w *walker) descend(it item, d *raw.DictObj, typ string) {
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		if typ == roleJSTree && k == "Names" {
			// [name1 action1 name2 action2 ...]
			if arr, ok := w.deref(it, v); ok {
				if a, ok := arr.(*raw.ArrayObj); ok {
					for i, e := range a.Items {
						role := ""
						if i%2 == 1 {
							role = roleAction
						}
						w.child(it, e, role)
					}
					continue
				}
			}
		}
		w.child(it, v, childRole(typ, k))
	}
}

// child queues v. References are checked against the table once and
// visited once; direct containers are queued under their parent's
// location.
func (w *walker) child(parent item, v raw.Object, role string) {
	switch c := v.(type) {
	case raw.RefObj:
		if !w.checkRef(parent, c.R) || w.visited[c.R] {
			return
		}
		w.visited[c.R] = true
		obj := w.g.Resolve(c.R.Num, c.R.Gen)
		if raw.IsNull(obj) {
			return
		}
		w.queue = append(w.queue, item{obj: obj, ref: c.R, hasRef: true, role: role})
	case *raw.DictObj, *raw.StreamObj:
		w.queue = append(w.queue, item{obj: c, ref: parent.ref, hasRef: parent.hasRef, role: role})
	case *raw.ArrayObj:
		er := elemRole(role)
		for _, e := range c.Items {
			w.child(parent, e, er)
		}
	}
}

// checkRef validates r against the cross-reference table and reports
// whether it can be resolved. Each reference is checked once.
func (w *walker) checkRef(from item, r raw.ObjectRef) bool {
	if ok, done := w.refChecked[r]; done {
		return ok
	}
	ok := true
	e, found := w.g.Lookup(r.Num)
	switch {
	case !found:
		w.flag("XRF002", from, "reference %s points to no object", r)
		ok = false
	case e.Kind == xref.EntryFree:
		w.flag("XRF002", from, "reference %s points to a free entry", r)
		ok = false
	case e.Kind == xref.EntryInUse && !e.Matches(r.Gen):
		w.flag("XRF003", from, "reference %s but the table records generation %d", r, e.Gen)
		ok = false
	case e.Kind == xref.EntryCompressed:
		if !e.Matches(r.Gen) {
			w.flag("XRF004", from, "reference %s to a compressed object must use generation 0", r)
			ok = false
		}
		if !w.isObjStm(e.Stream) {
			w.flag("XRF004", from, "object %d is stored in %d, which is not an object stream", r.Num, e.Stream)
			ok = false
		}
	}
	w.refChecked[r] = ok
	return ok
}

func (w *walker) isObjStm(num int) bool {
	if ok, done := w.objStms[num]; done {
		return ok
	}
	ok := false
	if e, found := w.g.Lookup(num); found && e.Kind == xref.EntryInUse {
		if st, isStream := w.g.Resolve(num, e.Gen).(*raw.StreamObj); isStream {
			typ, _ := st.Dict.Name("Type")
			ok = typ == "ObjStm"
		}
	}
	w.objStms[num] = ok
	return ok
}

// deref follows a reference after checking it. The bool is false for
// dangling references and null values.
func (w *walker) deref(from item, v raw.Object) (raw.Object, bool) {
	if r, ok := v.(raw.RefObj); ok {
		if !w.checkRef(from, r.R) {
			return nil, false
		}
		v = w.g.Resolve(r.R.Num, r.R.Gen)
	}
	if v == nil || raw.IsNull(v) {
		return nil, false
	}
	return v, true
}

func (w *walker) derefDict(from item, d *raw.DictObj, key string) (*raw.DictObj, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	o, ok := w.deref(from, v)
	if !ok {
		return nil, false
	}
	switch t := o.(type) {
	case *raw.DictObj:
		return t, true
	case *raw.StreamObj:
		return t.Dict, true
	}
	return nil, false
}

func (w *walker) derefInt(from item, d *raw.DictObj, key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	o, ok := w.deref(from, v)
	if !ok {
		return 0, false
	}
	n, ok := o.(raw.NumberObj)
	if !ok || !n.IsInteger() {
		return 0, false
	}
	return n.Int(), true
}

func (w *walker) flag(code string, at item, format string, args ...interface{}) {
	w.flagAt(code, at, diag.NoOffset, format, args...)
}

func (w *walker) flagAt(code string, at item, off int64, format string, args ...interface{}) {
	r, _ := RuleFor(code)
	d := diag.Diagnostic{
		Component: diag.ComponentValidator,
		Kind:      diag.KindValidation,
		Severity:  r.Severity(w.mode),
		Code:      code,
		Offset:    off,
		Message:   fmt.Sprintf(format, args...),
	}
	if at.hasRef {
		d = d.At(at.ref)
	}
	w.out.Add(d)
}

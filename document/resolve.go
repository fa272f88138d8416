package document

import (
	"context"
	"fmt"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/observability"
	"github.com/wudi/pdfinspect/parser"
	"github.com/wudi/pdfinspect/recovery"
	"github.com/wudi/pdfinspect/security"
	"github.com/wudi/pdfinspect/xref"
)

// Resolve returns the object num gen, materializing and caching it on first
// use. Objects that cannot be loaded resolve to the null object and leave a
// diagnostic behind.
func (d *Document) Resolve(num, gen int) raw.Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveLocked(raw.ObjectRef{Num: num, Gen: gen})
}

// Deref follows o if it is a reference, otherwise returns it unchanged.
func (d *Document) Deref(o raw.Object) raw.Object {
	if r, ok := o.(raw.RefObj); ok {
		return d.Resolve(r.R.Num, r.R.Gen)
	}
	return o
}

func (d *Document) resolveLocked(ref raw.ObjectRef) raw.Object {
	if obj, ok := d.objects[ref]; ok {
		return obj
	}
	if d.loading[ref] {
		d.resolveDiag(ref, diag.KindSyntax, "RES002", "object refers to itself while loading")
		return raw.NullObj{}
	}
	if d.depth >= d.cfg.Limits.MaxIndirectDepth {
		d.resolveDiag(ref, diag.KindSyntax, "RES002", fmt.Sprintf("indirect resolution deeper than %d", d.cfg.Limits.MaxIndirectDepth))
		return raw.NullObj{}
	}
	d.loading[ref] = true
	d.depth++
	obj := d.load(ref)
	d.depth--
	delete(d.loading, ref)

	d.objects[ref] = obj
	return obj
}

func (d *Document) load(ref raw.ObjectRef) raw.Object {
	e, ok := d.table.Lookup(ref.Num)
	if !ok {
		d.resolveDiag(ref, diag.KindXref, "XRF002", "reference to an object missing from the cross-reference table")
		return raw.NullObj{}
	}
	switch e.Kind {
	case xref.EntryFree:
		d.resolveDiag(ref, diag.KindXref, "XRF002", "reference to a free object")
		return raw.NullObj{}
	case xref.EntryCompressed:
		if !e.Matches(ref.Gen) {
			d.resolveDiag(ref, diag.KindXref, "XRF004", "compressed objects have generation 0")
			return raw.NullObj{}
		}
		return d.loadCompressed(ref, e)
	}
	if !e.Matches(ref.Gen) {
		d.resolveDiag(ref, diag.KindXref, "XRF003", fmt.Sprintf("the cross-reference table records generation %d", e.Gen))
		return raw.NullObj{}
	}

	p := parser.New(d.data, d.parserConfig())
	ind, err := p.ParseIndirectAt(e.Offset)
	if err != nil {
		loc := recovery.Location{ByteOffset: e.Offset, ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: diag.ComponentParser}
		d.report(recovery.Diagnostic(err, loc, diag.SeverityError))
		if ind.Object == nil {
			return raw.NullObj{}
		}
	}
	if ind.Ref.Num != ref.Num {
		d.resolveDiag(ref, diag.KindXref, "XRF002", fmt.Sprintf("offset %d holds object %s", e.Offset, ind.Ref))
		return raw.NullObj{}
	}
	obj := ind.Object
	if st, ok := obj.(*raw.StreamObj); ok {
		d.inlineStreamRefs(st)
	}
	if d.handler != nil && !d.isEncryptDict(ref) && !isXRefStream(obj) {
		obj = d.decryptStrings(ref, obj)
	}
	d.cfg.Logger.Debug("object materialized", observability.Int("object", ref.Num), observability.String("kind", obj.Kind().String()))
	return obj
}

func (d *Document) loadCompressed(ref raw.ObjectRef, e xref.Entry) raw.Object {
	stm := d.container(e.Stream)
	if stm == nil {
		d.resolveDiag(ref, diag.KindXref, "XRF004", fmt.Sprintf("container %d is not a usable object stream", e.Stream))
		return raw.NullObj{}
	}
	idx := e.Index
	if idx >= len(stm.Members) || stm.Members[idx].Num != ref.Num {
		alt, ok := stm.Lookup(ref.Num)
		if !ok {
			d.resolveDiag(ref, diag.KindXref, "XRF004", fmt.Sprintf("object stream %d does not contain object %d", e.Stream, ref.Num))
			return raw.NullObj{}
		}
		idx = alt
	}
	_, obj, err := stm.Member(idx)
	if err != nil {
		d.report(diag.Diagnostic{
			Component: diag.ComponentParser,
			Kind:      diag.KindSyntax,
			Severity:  diag.SeverityError,
			Code:      "OBS002",
			Offset:    diag.NoOffset,
			Message:   err.Error(),
		}.At(ref))
		return raw.NullObj{}
	}
	return obj
}

// container returns the decoded object stream num, memoized by object
// number. A nil result is memoized too.
func (d *Document) container(num int) *parser.ObjectStream {
	if stm, ok := d.containers[num]; ok {
		return stm
	}
	d.containers[num] = nil

	e, ok := d.table.Lookup(num)
	if !ok || e.Kind != xref.EntryInUse {
		return nil
	}
	ref := raw.ObjectRef{Num: num, Gen: e.Gen}
	st, ok := d.resolveLocked(ref).(*raw.StreamObj)
	if !ok {
		return nil
	}
	if typ, _ := st.Dict.Name("Type"); typ != "ObjStm" {
		return nil
	}
	ds := d.memo.Stream(context.Background(), st)
	stm, err := parser.NewObjectStream(num, st.Dict, ds.Data, d.parserConfig())
	if err != nil {
		d.report(diag.Diagnostic{
			Component: diag.ComponentParser,
			Kind:      diag.KindSyntax,
			Severity:  diag.SeverityWarning,
			Code:      "OBS001",
			Offset:    diag.NoOffset,
			Message:   err.Error(),
		}.At(ref))
	}
	d.containers[num] = stm
	return stm
}

// resolveLength backs indirect /Length values during parsing. It runs with
// d.mu held.
func (d *Document) resolveLength(ref raw.ObjectRef) (int64, bool) {
	n, ok := d.resolveLocked(ref).(raw.NumberObj)
	if !ok || !n.IsInteger() {
		return 0, false
	}
	return n.Int(), true
}

// inlineStreamRefs replaces indirect /Filter and /DecodeParms values so the
// stream can be decoded without touching the object table.
func (d *Document) inlineStreamRefs(st *raw.StreamObj) {
	for _, key := range []string{"Filter", "DecodeParms", "DP"} {
		v, ok := st.Dict.Get(key)
		if !ok {
			continue
		}
		if r, ok := v.(raw.RefObj); ok {
			v = d.resolveLocked(r.R)
			st.Dict.Set(key, v)
		}
		if arr, ok := v.(*raw.ArrayObj); ok {
			for i, item := range arr.Items {
				if r, ok := item.(raw.RefObj); ok {
					arr.Items[i] = d.resolveLocked(r.R)
				}
			}
		}
	}
}

func (d *Document) isEncryptDict(ref raw.ObjectRef) bool {
	return d.enc != nil && d.enc.HasRef && d.enc.Ref == ref
}

func isXRefStream(o raw.Object) bool {
	st, ok := o.(*raw.StreamObj)
	if !ok {
		return false
	}
	typ, _ := st.Dict.Name("Type")
	return typ == "XRef"
}

// decryptStrings replaces every string inside o with its decrypted form.
// Stream payloads are left alone; they are decrypted when decoded.
func (d *Document) decryptStrings(ref raw.ObjectRef, o raw.Object) raw.Object {
	switch v := o.(type) {
	case raw.StringObj:
		plain, err := d.handler.Decrypt(ref.Num, ref.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			d.report(diag.Diagnostic{
				Component: diag.ComponentSecurity,
				Kind:      diag.KindFilter,
				Severity:  diag.SeverityWarning,
				Code:      "FLT001",
				Offset:    diag.NoOffset,
				Message:   "string decryption failed: " + err.Error(),
			}.At(ref))
			return v
		}
		return raw.StringObj{Bytes: plain, Hex: v.Hex}
	case *raw.ArrayObj:
		for i, item := range v.Items {
			v.Items[i] = d.decryptStrings(ref, item)
		}
	case *raw.DictObj:
		for _, k := range v.Keys() {
			item, _ := v.Get(k)
			v.Set(k, d.decryptStrings(ref, item))
		}
	case *raw.StreamObj:
		d.decryptStrings(ref, v.Dict)
	}
	return o
}

func (d *Document) resolveDiag(ref raw.ObjectRef, kind diag.Kind, code, msg string) {
	d.report(diag.Diagnostic{
		Component: diag.ComponentDocument,
		Kind:      kind,
		Severity:  diag.SeverityWarning,
		Code:      code,
		Offset:    diag.NoOffset,
		Message:   msg,
	}.At(ref))
}

package xref_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/xref"
)

func buildSimplePDF() ([]byte, map[int]int64) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	offsets := make(map[int]int64)

	offsets[1] = int64(buf.Len())
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = int64(buf.Len())
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")

	xrefOffset := buf.Len()
	buf.WriteString("xref\n0 3\n")
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 2; i++ {
		buf.WriteString(fmt.Sprintf("%010d 00000 n \n", offsets[i]))
	}
	buf.WriteString("trailer\n<< /Size 3 /Root 1 0 R >>\n")
	buf.WriteString("startxref\n")
	buf.WriteString(fmt.Sprintf("%d\n", xrefOffset))
	buf.WriteString("%%EOF\n")

	return buf.Bytes(), offsets
}

func resolve(t *testing.T, data []byte) (*xref.Table, *diag.Collector) {
	t.Helper()
	sink := diag.NewCollector()
	table, err := xref.NewResolver(xref.ResolverConfig{Sink: sink}).Resolve(context.Background(), data)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return table, sink
}

func xrefDiagnostics(c *diag.Collector) []diag.Diagnostic {
	return diag.Filter(c.All(), func(d diag.Diagnostic) bool { return d.Kind == diag.KindXref })
}

func TestResolverParsesXRefTable(t *testing.T) {
	pdf, offsets := buildSimplePDF()
	table, sink := resolve(t, pdf)

	for obj, off := range offsets {
		e, ok := table.Lookup(obj)
		if !ok {
			t.Fatalf("missing object %d", obj)
		}
		if e.Kind != xref.EntryInUse || e.Offset != off || e.Gen != 0 {
			t.Fatalf("object %d: expected (%d,0), got %v", obj, off, e)
		}
	}
	rows := table.Rows()
	if len(rows) != 3 || rows[0].Num != 0 || rows[0].Entry.Kind != xref.EntryFree || rows[2].Num != 2 {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if ref, ok := table.Trailer().RefValue("Root"); !ok || ref.Num != 1 {
		t.Fatalf("trailer root missing")
	}
	if table.Reconstructed() || sink.Len() != 0 {
		t.Fatalf("clean file produced diagnostics: %v", sink.All())
	}
	if len(table.Revisions()) != 1 || table.Size() != 3 {
		t.Fatalf("unexpected revisions/size")
	}
}

func buildXRefStreamPDF() []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")

	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 0 >>\nendobj\n")

	// Object stream with two objects (4 and 5)
	objStreamContent := "<< /Val 7 >> 5"
	header := "4 0 5 " + fmt.Sprintf("%d ", len("<< /Val 7 >>")+1)
	first := len(header)
	decoded := []byte(header + objStreamContent)
	off3 := buf.Len()
	buf.WriteString("3 0 obj\n<< /Type /ObjStm /N 2 /First ")
	buf.WriteString(fmt.Sprintf("%d", first))
	buf.WriteString(" /Length ")
	buf.WriteString(fmt.Sprintf("%d", len(decoded)))
	buf.WriteString(" >>\nstream\n")
	buf.Write(decoded)
	buf.WriteString("\nendstream\nendobj\n")

	xrefOffset := buf.Len()
	entries := buildXRefStreamEntries(7, map[int]int{
		1: off1,
		2: off2,
		3: off3,
		6: xrefOffset,
	}, map[int]struct {
		objstm int
		idx    int
	}{
		4: {objstm: 3, idx: 0},
		5: {objstm: 3, idx: 1},
	})
	buf.WriteString("6 0 obj\n<< /Type /XRef /Size 7 /Root 1 0 R /W [1 4 1] /Index [0 7] /Length ")
	buf.WriteString(fmt.Sprintf("%d", len(entries)))
	buf.WriteString(" >>\nstream\n")
	buf.Write(entries)
	buf.WriteString("\nendstream\nendobj\n")

	buf.WriteString("startxref\n")
	buf.WriteString(fmt.Sprintf("%d\n", xrefOffset))
	buf.WriteString("%%EOF\n")
	return buf.Bytes()
}

func buildXRefStreamEntries(size int, offsets map[int]int, objStreams map[int]struct {
	objstm int
	idx    int
}) []byte {
	entrySize := 6 // w: [1 4 1]
	total := make([]byte, entrySize*size)
	for obj, off := range offsets {
		idx := obj * entrySize
		total[idx] = 1 // type 1
		total[idx+1] = byte(off >> 24)
		total[idx+2] = byte(off >> 16)
		total[idx+3] = byte(off >> 8)
		total[idx+4] = byte(off)
		total[idx+5] = 0
	}
	for obj, meta := range objStreams {
		idx := obj * entrySize
		total[idx] = 2 // type 2
		total[idx+1] = byte(meta.objstm >> 24)
		total[idx+2] = byte(meta.objstm >> 16)
		total[idx+3] = byte(meta.objstm >> 8)
		total[idx+4] = byte(meta.objstm)
		total[idx+5] = byte(meta.idx)
	}
	return total
}

func buildHybridXRefPDF() []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 0 >>\nendobj\n")

	xrefStreamOff := buf.Len()
	entries := buildXRefStreamEntries(6, map[int]int{
		1: off1,
		2: off2,
		4: xrefStreamOff,
	}, nil)
	fmt.Fprintf(buf, "4 0 obj\n<< /Type /XRef /Size 6 /Root 1 0 R /W [1 4 1] /Index [0 6] /Length %d >>\nstream\n", len(entries))
	buf.Write(entries)
	buf.WriteString("\nendstream\nendobj\n")

	baseStart := xrefStreamOff
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", baseStart)

	// incremental update with hybrid xref table referencing the stream
	obj5Off := buf.Len()
	buf.WriteString("5 0 obj\n<< /Producer (inc) >>\nendobj\n")
	tableOff := buf.Len()
	fmt.Fprintf(buf, "xref\n0 1\n0000000000 65535 f \n5 1\n%010d 00000 n \n", obj5Off)
	fmt.Fprintf(buf, "trailer\n<< /Size 6 /Root 1 0 R /Info 5 0 R /Prev %d /XRefStm %d >>\nstartxref\n%d\n%%%%EOF\n", baseStart, xrefStreamOff, tableOff)
	return buf.Bytes()
}

func TestResolverParsesXRefStreamAndObjStm(t *testing.T) {
	table, sink := resolve(t, buildXRefStreamPDF())
	e, ok := table.Lookup(4)
	if !ok || e.Kind != xref.EntryCompressed || e.Stream != 3 || e.Index != 0 {
		t.Fatalf("expected obj 4 in objstm 3 idx 0, got %v %v", e, ok)
	}
	if e, _ := table.Lookup(5); e.Index != 1 {
		t.Fatalf("expected obj 5 at index 1, got %v", e)
	}
	if e, ok := table.Lookup(1); !ok || e.Offset == 0 {
		t.Fatalf("object 1 missing offset")
	}
	revs := table.Revisions()
	if len(revs) != 1 || !revs[0].Stream || revs[0].StreamRef.Num != 6 {
		t.Fatalf("expected one stream revision, got %+v", revs)
	}
	if _, ok := table.Trailer().Get("W"); ok {
		t.Fatalf("stream-only keys leaked into trailer")
	}
	if _, ok := table.Trailer().Get("Root"); !ok {
		t.Fatalf("trailer root missing")
	}
	if sink.Len() != 0 {
		t.Fatalf("unexpected diagnostics %v", sink.All())
	}
}

func TestResolverDetectsLinearized(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	linOff := buf.Len()
	buf.WriteString("1 0 obj\n<< /Linearized 1 /L 200 /O 1 /N 1 /H [ 10 20 ] >>\nendobj\n")
	catOff := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Catalog /Pages 3 0 R >>\nendobj\n")
	pagesOff := buf.Len()
	buf.WriteString("3 0 obj\n<< /Type /Pages /Count 0 >>\nendobj\n")
	xrefOff := buf.Len()
	fmt.Fprintf(buf, "xref\n0 4\n")
	fmt.Fprintf(buf, "0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n%010d 00000 n \n", linOff, catOff, pagesOff)
	buf.WriteString("trailer\n<< /Size 4 /Root 2 0 R >>\nstartxref\n")
	fmt.Fprintf(buf, "%d\n%%%%EOF\n", xrefOff)

	table, _ := resolve(t, buf.Bytes())
	if !table.Linearized() {
		t.Fatalf("expected linearized flag")
	}
	plain, _ := buildSimplePDF()
	if table, _ := resolve(t, plain); table.Linearized() {
		t.Fatalf("plain file reported as linearized")
	}
}

func TestResolverParsesHybridXRefTableWithXRefStream(t *testing.T) {
	table, sink := resolve(t, buildHybridXRefPDF())
	if e, ok := table.Lookup(1); !ok || e.Kind != xref.EntryInUse || e.Offset == 0 {
		t.Fatalf("missing object 1 offset")
	}
	if e, ok := table.Lookup(5); !ok || e.Kind != xref.EntryInUse || e.Offset == 0 {
		t.Fatalf("missing appended object 5 offset")
	}
	revs := table.Revisions()
	if len(revs) != 2 || !revs[0].Stream || revs[1].Stream || len(revs[1].Hybrid) == 0 {
		t.Fatalf("unexpected revisions %+v", revs)
	}
	if _, ok := table.Trailer().Get("Info"); !ok {
		t.Fatalf("newest trailer keys missing from merged trailer")
	}
	if sink.Len() != 0 {
		t.Fatalf("unexpected diagnostics %v", sink.All())
	}
}

func TestIncrementalUpdateNewestWins(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.4\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	off3 := buf.Len()
	buf.WriteString("3 0 obj\n(old)\nendobj\n")
	x1 := buf.Len()
	fmt.Fprintf(buf, "xref\n0 4\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n%010d 00000 n \n", off1, off2, off3)
	fmt.Fprintf(buf, "trailer\n<< /Size 4 /Root 1 0 R /Info 3 0 R >>\nstartxref\n%d\n%%%%EOF\n", x1)

	off2b := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 /Rev 2 >>\nendobj\n")
	x2 := buf.Len()
	fmt.Fprintf(buf, "xref\n0 1\n0000000000 65535 f \n2 2\n%010d 00000 n \n0000000000 00001 f \n", off2b)
	fmt.Fprintf(buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", x1, x2)

	table, sink := resolve(t, buf.Bytes())
	if e, _ := table.Lookup(2); e.Offset != int64(off2b) {
		t.Fatalf("object 2 should come from the newest revision, got %v", e)
	}
	if e, _ := table.Lookup(3); e.Kind != xref.EntryFree || e.Gen != 1 {
		t.Fatalf("object 3 should be freed by the update, got %v", e)
	}
	if e, _ := table.Lookup(1); e.Offset != int64(off1) {
		t.Fatalf("object 1 should come from the base revision, got %v", e)
	}
	revs := table.Revisions()
	if len(revs) != 2 || revs[0].Offset != int64(x1) || revs[1].Offset != int64(x2) {
		t.Fatalf("revisions not oldest first")
	}
	if _, ok := table.Trailer().Get("Info"); !ok {
		t.Fatalf("keys from older trailers must survive the merge")
	}
	if _, ok := table.Trailer().Get("Prev"); ok {
		t.Fatalf("merged trailer carries /Prev")
	}
	if sink.Len() != 0 {
		t.Fatalf("unexpected diagnostics %v", sink.All())
	}
}

func TestCorruptedStartXRefFallsBack(t *testing.T) {
	pdf, offsets := buildSimplePDF()
	for name, value := range map[string]string{"zero": "0", "pastEOF": "999999"} {
		t.Run(name, func(t *testing.T) {
			i := bytes.LastIndex(pdf, []byte("startxref\n"))
			data := append(append([]byte{}, pdf[:i]...), []byte("startxref\n"+value+"\n%%EOF\n")...)
			table, sink := resolve(t, data)
			for obj, off := range offsets {
				if e, ok := table.Lookup(obj); !ok || e.Offset != off {
					t.Fatalf("object %d: got %v", obj, e)
				}
			}
			if n := len(xrefDiagnostics(sink)); n != 1 {
				t.Fatalf("expected one xref diagnostic, got %d: %v", n, sink.All())
			}
		})
	}
}

func TestReconstructionScenario(t *testing.T) {
	data := []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\nstartxref\n0\n%%EOF")
	table, sink := resolve(t, data)
	if e, ok := table.Lookup(1); !ok || e.Offset != 9 {
		t.Fatalf("object 1 not found by scan: %v", e)
	}
	if ref, ok := table.Trailer().RefValue("Root"); !ok || ref.Num != 1 {
		t.Fatalf("trailer root lost")
	}
	ds := xrefDiagnostics(sink)
	if len(ds) != 1 || ds[0].Severity != diag.SeverityWarning || ds[0].Code != "XRF001" {
		t.Fatalf("expected exactly one XRF001 warning, got %v", sink.All())
	}
	if !strings.Contains(ds[0].Message, "reconstructed") {
		t.Fatalf("diagnostic should mention reconstruction: %s", ds[0].Message)
	}
	revs := table.Revisions()
	if len(revs) != 1 || !revs[0].Reconstructed() {
		t.Fatalf("expected a single reconstructed section")
	}
}

func TestCyclicPrevReconstructs(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.4\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")
	x := buf.Len()
	fmt.Fprintf(buf, "xref\n0 2\n0000000000 65535 f \n%010d 00000 n \n", off1)
	fmt.Fprintf(buf, "trailer\n<< /Size 2 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", x, x)

	table, sink := resolve(t, buf.Bytes())
	if !table.Reconstructed() {
		t.Fatalf("cyclic /Prev should force reconstruction")
	}
	ds := xrefDiagnostics(sink)
	if len(ds) != 1 || !strings.Contains(ds[0].Message, "cyclic") {
		t.Fatalf("expected one diagnostic naming the cycle, got %v", sink.All())
	}
	if _, ok := table.Trailer().Get("Prev"); ok {
		t.Fatalf("reconstructed trailer must not carry /Prev")
	}
	if e, _ := table.Lookup(1); e.Offset != int64(off1) {
		t.Fatalf("object 1 not recovered")
	}
}

func TestWrongOffsetRepaired(t *testing.T) {
	pdf, offsets := buildSimplePDF()
	bad := fmt.Sprintf("%010d 00000 n", offsets[2])
	good := fmt.Sprintf("%010d 00000 n", offsets[2]+3)
	data := bytes.Replace(pdf, []byte(bad), []byte(good), 1)

	table, sink := resolve(t, data)
	if table.Reconstructed() {
		t.Fatalf("a single bad offset should not discard the table")
	}
	if e, _ := table.Lookup(2); e.Offset != offsets[2] {
		t.Fatalf("object 2 offset not repaired: %v", e)
	}
	ds := xrefDiagnostics(sink)
	if len(ds) != 1 || ds[0].Code != "XRF005" || table.Repaired() != 1 {
		t.Fatalf("expected one repair diagnostic, got %v", sink.All())
	}
}

func TestMissingStartXRefUsesLastTable(t *testing.T) {
	pdf, offsets := buildSimplePDF()
	i := bytes.LastIndex(pdf, []byte("startxref"))
	data := append(append([]byte{}, pdf[:i]...), []byte("%%EOF\n")...)

	table, sink := resolve(t, data)
	if table.Reconstructed() {
		t.Fatalf("table should be found by keyword search")
	}
	if e, _ := table.Lookup(1); e.Offset != offsets[1] {
		t.Fatalf("object 1: %v", e)
	}
	ds := xrefDiagnostics(sink)
	if len(ds) != 1 || !strings.Contains(ds[0].Message, "heuristically") {
		t.Fatalf("expected one heuristic-location diagnostic, got %v", sink.All())
	}
}

func TestReconstructionSynthesizesTrailer(t *testing.T) {
	data := []byte("%PDF-1.5\n3 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n7 0 obj\n<< /Type /Catalog /Pages 3 0 R >>\nendobj\n")
	table, _ := resolve(t, data)
	ref, ok := table.Trailer().RefValue("Root")
	if !ok || ref != (raw.ObjectRef{Num: 7}) {
		t.Fatalf("synthesized trailer should point at the catalog, got %v", table.Trailer())
	}
	if size, _ := table.Trailer().Int("Size"); size != 8 {
		t.Fatalf("synthesized /Size = %d", size)
	}
}

func TestReconstructionFindsObjectStreamMembers(t *testing.T) {
	data := bytes.Replace(buildXRefStreamPDF(), []byte("/W [1 4 1]"), []byte("/W [1 4]"), 1)

	table, _ := resolve(t, data)
	if !table.Reconstructed() {
		t.Fatalf("expected reconstruction")
	}
	e, ok := table.Lookup(5)
	if !ok || e.Kind != xref.EntryCompressed || e.Stream != 3 || e.Index != 1 {
		t.Fatalf("object stream member 5 not recovered: %v", e)
	}
	if ref, ok := table.Trailer().RefValue("Root"); !ok || ref.Num != 1 {
		t.Fatalf("trailer should come from the cross-reference stream dictionary")
	}
	if size, _ := table.Trailer().Int("Size"); size != 7 {
		t.Fatalf("declared /Size should survive, got %d", size)
	}
}

func TestFatalInputs(t *testing.T) {
	r := xref.NewResolver(xref.ResolverConfig{})
	for name, data := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte("hello, this is not a document"),
	} {
		_, err := r.Resolve(context.Background(), data)
		var fe *diag.FatalError
		if !errors.As(err, &fe) {
			t.Fatalf("%s: expected fatal error, got %v", name, err)
		}
	}
}

func TestDeepPrevChainIsBounded(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.4\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")
	prev := -1
	for i := 0; i < 5; i++ {
		x := buf.Len()
		fmt.Fprintf(buf, "xref\n0 2\n0000000000 65535 f \n%010d 00000 n \ntrailer\n<< /Size 2 /Root 1 0 R", off1)
		if prev >= 0 {
			fmt.Fprintf(buf, " /Prev %d", prev)
		}
		buf.WriteString(" >>\n")
		prev = x
	}
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", prev)

	sink := diag.NewCollector()
	table, err := xref.NewResolver(xref.ResolverConfig{MaxXRefDepth: 3, Sink: sink}).Resolve(context.Background(), buf.Bytes())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !table.Reconstructed() || sink.Len() != 1 {
		t.Fatalf("depth limit should trigger a single reconstruction diagnostic, got %v", sink.All())
	}
}

package document_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/wudi/pdfinspect/compliance"
	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/document"
	"github.com/wudi/pdfinspect/ir/raw"
	"github.com/wudi/pdfinspect/observability"
	"github.com/wudi/pdfinspect/security"
)

// buildPDF writes objs as objects 1..n followed by a classic cross-reference
// table. extra is spliced into the trailer dictionary after /Size.
func buildPDF(objs []string, extra string) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d %s >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, extra, xref)
	return b.Bytes()
}

var minimalObjects = []string{
	"<< /Type /Catalog /Pages 2 0 R >>",
	"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
	"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>",
}

func open(t *testing.T, data []byte, cfg document.Config) *document.Document {
	t.Helper()
	doc, err := document.Open(context.Background(), data, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return doc
}

func codes(ds []diag.Diagnostic) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Code
	}
	return out
}

func countCodes(ds []diag.Diagnostic, want ...string) int {
	n := 0
	for _, d := range ds {
		for _, c := range want {
			if d.Code == c {
				n++
			}
		}
	}
	return n
}

func TestOpenMinimalDocument(t *testing.T) {
	doc := open(t, buildPDF(minimalObjects, "/Root 1 0 R"), document.Config{})

	cat, ok := doc.Resolve(1, 0).(*raw.DictObj)
	if !ok {
		t.Fatalf("object 1 is %T", doc.Resolve(1, 0))
	}
	if typ, _ := cat.Name("Type"); typ != "Catalog" {
		t.Fatalf("catalog type %q", typ)
	}
	if ref, ok := doc.Trailer().RefValue("Root"); !ok || ref != (raw.ObjectRef{Num: 1}) {
		t.Fatalf("trailer root %v %v", ref, ok)
	}
	if got := len(doc.XRefTable()); got != 4 {
		t.Fatalf("xref rows %d, want 4", got)
	}
	if doc.Version() != "1.7" {
		t.Fatalf("version %q", doc.Version())
	}
	if ds := doc.Validate(context.Background(), compliance.Strict); len(ds) != 0 {
		t.Fatalf("unexpected diagnostics: %v", ds)
	}
}

func TestCatalogVersionComparedNumerically(t *testing.T) {
	for catalog, want := range map[string]string{
		"/Version /1.10": "1.10",
		"/Version /1.4":  "1.7",
		"/Version /2.0":  "2.0",
		"/Version /1.x":  "1.7",
		"":               "1.7",
	} {
		objs := append([]string{}, minimalObjects...)
		objs[0] = "<< /Type /Catalog /Pages 2 0 R " + catalog + " >>"
		doc := open(t, buildPDF(objs, "/Root 1 0 R"), document.Config{})
		if got := doc.Version(); got != want {
			t.Fatalf("%q: version %q, want %q", catalog, got, want)
		}
	}
}

func TestResolveReturnsInsertedObjectUnchanged(t *testing.T) {
	objs := append([]string{}, minimalObjects...)
	objs = append(objs, "[1 2.5 /Name (text) <414243> true null << /K [4 0 R] >>]")
	doc := open(t, buildPDF(objs, "/Root 1 0 R"), document.Config{})
	got := doc.Resolve(4, 0)
	want := "[1 2.5 /Name (text) <414243> true null <</K [4 0 R]>>]"
	if s := string(raw.Serialize(got)); s != want {
		t.Fatalf("serialized %q, want %q", s, want)
	}
	if doc.Resolve(4, 0) != got {
		t.Fatalf("second resolve returned a different object")
	}
}

func TestReconstructionScenario(t *testing.T) {
	data := []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\nstartxref\n0\n%%EOF")
	doc := open(t, data, document.Config{})
	cat, ok := doc.Resolve(1, 0).(*raw.DictObj)
	if !ok {
		t.Fatalf("object 1 is %T", doc.Resolve(1, 0))
	}
	if typ, _ := cat.Name("Type"); typ != "Catalog" {
		t.Fatalf("type %q", typ)
	}
	if !doc.Reconstructed() {
		t.Fatalf("expected reconstruction")
	}
	xrefDiags := diag.Filter(doc.Diagnostics(), func(d diag.Diagnostic) bool { return d.Kind == diag.KindXref })
	if len(xrefDiags) != 1 {
		t.Fatalf("xref diagnostics %v, want exactly one", xrefDiags)
	}
	if !strings.Contains(xrefDiags[0].Message, "reconstructed") {
		t.Fatalf("message %q", xrefDiags[0].Message)
	}
}

func TestCorruptedStartXRefStillResolves(t *testing.T) {
	good := buildPDF(minimalObjects, "/Root 1 0 R")
	i := bytes.LastIndex(good, []byte("startxref\n"))
	for name, off := range map[string]string{"zero": "0", "pastEOF": "999999"} {
		t.Run(name, func(t *testing.T) {
			data := append(append([]byte{}, good[:i]...), []byte("startxref\n"+off+"\n%%EOF\n")...)
			doc := open(t, data, document.Config{})
			for num := 1; num <= len(minimalObjects); num++ {
				if _, ok := doc.Resolve(num, 0).(*raw.DictObj); !ok {
					t.Fatalf("object %d is %T", num, doc.Resolve(num, 0))
				}
			}
		})
	}
}

func flateBody(t *testing.T, plain []byte, size int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if buf.Len() > size {
		t.Fatalf("compressed %d bytes, more than %d", buf.Len(), size)
	}
	// zlib stops at its checksum; the padding is part of the payload but
	// not of the compressed data.
	return append(buf.Bytes(), bytes.Repeat([]byte{'\n'}, size-buf.Len())...)
}

func TestIndirectLengthFlateStream(t *testing.T) {
	plain := []byte(strings.Repeat("BT /F1 12 Tf 72 712 Td (Hello) Tj ET\n", 20))
	payload := flateBody(t, plain, 300)
	objs := []string{
		"<< /Filter /FlateDecode /Length 2 0 R >>\nstream\n" + string(payload) + "\nendstream",
		"300",
	}
	doc := open(t, buildPDF(objs, ""), document.Config{})
	st, ok := doc.Resolve(1, 0).(*raw.StreamObj)
	if !ok {
		t.Fatalf("object 1 is %T", doc.Resolve(1, 0))
	}
	if len(st.Data) != 300 {
		t.Fatalf("raw payload %d bytes, want 300", len(st.Data))
	}
	if !st.LengthIndirect {
		t.Fatalf("length not marked indirect")
	}
	if got := doc.DecodedPayload(st); !bytes.Equal(got, plain) {
		t.Fatalf("decoded %d bytes, want %d", len(got), len(plain))
	}
}

func TestDecodedPayloadIsIdempotent(t *testing.T) {
	plain := []byte(strings.Repeat("q 1 0 0 1 0 0 cm Q\n", 10))
	payload := flateBody(t, plain, 200)
	objs := []string{fmt.Sprintf("<< /Filter /FlateDecode /Length %d >>\nstream\n%s\nendstream", len(payload), payload)}
	doc := open(t, buildPDF(objs, ""), document.Config{})
	st := doc.Resolve(1, 0).(*raw.StreamObj)

	first := doc.DecodedPayload(st)
	second := doc.DecodedPayload(st)
	if !bytes.Equal(first, second) || !bytes.Equal(first, plain) {
		t.Fatalf("payloads differ")
	}
	stats := doc.DecodeStats()
	if stats.Executions != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	body := []byte("raw \x00\x01\x02 bytes\r\nkept verbatim")
	objs := []string{fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(body), body)}
	doc := open(t, buildPDF(objs, ""), document.Config{})
	st := doc.Resolve(1, 0).(*raw.StreamObj)
	if got := doc.DecodedPayload(st); !bytes.Equal(got, st.Data) || !bytes.Equal(got, body) {
		t.Fatalf("payload %q, want %q", got, body)
	}
}

func TestMissingRootStrictAndLenient(t *testing.T) {
	data := buildPDF(minimalObjects, "")
	for _, tc := range []struct {
		mode compliance.Mode
		want diag.Severity
	}{
		{compliance.Strict, diag.SeverityError},
		{compliance.Lenient, diag.SeverityWarning},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			doc := open(t, data, document.Config{})
			ds := doc.Validate(context.Background(), tc.mode)
			found := false
			for _, d := range ds {
				if d.Code == "DOC001" {
					found = true
					if d.Severity != tc.want {
						t.Fatalf("DOC001 severity %v, want %v", d.Severity, tc.want)
					}
				}
			}
			if !found {
				t.Fatalf("no DOC001 in %v", codes(ds))
			}
			rep, err := doc.Report(context.Background(), tc.mode)
			if err != nil {
				t.Fatalf("report: %v", err)
			}
			if rep.Compliant != (tc.mode == compliance.Lenient) {
				t.Fatalf("compliant %v in %v mode", rep.Compliant, tc.mode)
			}
			// The catalog is still found by type.
			if rep.Pages != 1 {
				t.Fatalf("pages %d", rep.Pages)
			}
		})
	}
}

func TestParentCycleReportedOnce(t *testing.T) {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 4 0 R /MediaBox [0 0 10 10] /Resources << >> >>",
		"<< /Type /Pages /Parent 3 0 R /Kids [] /Count 0 >>",
	}
	doc := open(t, buildPDF(objs, "/Root 1 0 R"), document.Config{})
	ds := doc.Validate(context.Background(), compliance.Lenient)
	if n := countCodes(ds, "PGT003", "PGT004", "GRF001"); n != 1 {
		t.Fatalf("%d cycle diagnostics in %v", n, codes(ds))
	}
	if countCodes(ds, "PGT004") != 1 {
		t.Fatalf("no PGT004 in %v", codes(ds))
	}
}

func TestKidsCycleReportedOnce(t *testing.T) {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 10 10] >>",
		"<< /Type /Pages /Parent 2 0 R /Kids [2 0 R 4 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 3 0 R /Resources << >> >>",
	}
	doc := open(t, buildPDF(objs, "/Root 1 0 R"), document.Config{})
	ds := doc.Validate(context.Background(), compliance.Strict)
	if n := countCodes(ds, "PGT003", "PGT004", "GRF001"); n != 1 || countCodes(ds, "PGT003") != 1 {
		t.Fatalf("cycle diagnostics %v", codes(ds))
	}
	if countCodes(ds, "PGT007") != 0 {
		t.Fatalf("inherited MediaBox not found: %v", codes(ds))
	}
}

func TestTraversalBound(t *testing.T) {
	objs := append([]string{}, minimalObjects...)
	doc, err := document.Open(context.Background(), buildPDF(objs, "/Root 1 0 R"), document.Config{
		Limits: security.Limits{MaxTraversal: 2},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ds := doc.Validate(context.Background(), compliance.Lenient)
	if countCodes(ds, "GRF001") != 1 {
		t.Fatalf("no GRF001 in %v", codes(ds))
	}
}

func TestOpenFatal(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte("this is not a document at all"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := document.Open(context.Background(), data, document.Config{})
			var fe *diag.FatalError
			if !errors.As(err, &fe) {
				t.Fatalf("error %v, want *diag.FatalError", err)
			}
		})
	}
}

func TestDanglingReferenceResolvesToNull(t *testing.T) {
	objs := append([]string{}, minimalObjects...)
	objs = append(objs, "<< /Missing 40 0 R >>")
	doc := open(t, buildPDF(objs, "/Root 1 0 R /Info 4 0 R"), document.Config{})
	if !raw.IsNull(doc.Resolve(40, 0)) {
		t.Fatalf("dangling reference did not resolve to null")
	}
	if countCodes(doc.Diagnostics(), "XRF002") != 1 {
		t.Fatalf("diagnostics %v", codes(doc.Diagnostics()))
	}
}

func TestResolveChecksGeneration(t *testing.T) {
	doc := open(t, buildPDF(minimalObjects, "/Root 1 0 R"), document.Config{})
	if !raw.IsNull(doc.Resolve(1, 7)) {
		t.Fatalf("object 1 7 resolved to %v", doc.Resolve(1, 7))
	}
	if countCodes(doc.Diagnostics(), "XRF003") != 1 {
		t.Fatalf("diagnostics %v", codes(doc.Diagnostics()))
	}
	if _, ok := doc.Resolve(1, 0).(*raw.DictObj); !ok {
		t.Fatalf("object 1 0 is %T", doc.Resolve(1, 0))
	}
	if d := doc.Diagnostics()[0]; d.Object.Num != 1 || d.Object.Gen != 7 {
		t.Fatalf("reported at %v", d.Object)
	}
}

func TestObjectStreamMembers(t *testing.T) {
	// Object 4 holds objects 5 and 6.
	members := "5 0 6 11 << /A 1 >> (inside)"
	first := len("5 0 6 11 ")
	objs := append([]string{}, minimalObjects...)
	objs = append(objs, fmt.Sprintf("<< /Type /ObjStm /N 2 /First %d /Length %d >>\nstream\n%s\nendstream", first, len(members), members))

	var b bytes.Buffer
	b.Write(buildPDF(objs, "/Root 1 0 R"))
	// Incremental update listing the compressed members in an xref stream.
	prev := bytes.LastIndex(b.Bytes(), []byte("\nxref\n")) + 1
	rows := []byte{
		2, 0, 4, 0,
		2, 0, 4, 1,
	}
	xrefOff := b.Len()
	fmt.Fprintf(&b, "7 0 obj\n<< /Type /XRef /Size 8 /W [1 2 1] /Index [5 2] /Root 1 0 R /Prev %d /Length %d >>\nstream\n%s\nendstream\nendobj\n", prev, len(rows), rows)
	fmt.Fprintf(&b, "startxref\n%d\n%%%%EOF\n", xrefOff)

	doc := open(t, b.Bytes(), document.Config{})
	a, ok := doc.Resolve(5, 0).(*raw.DictObj)
	if !ok {
		t.Fatalf("object 5 is %T (%v)", doc.Resolve(5, 0), codes(doc.Diagnostics()))
	}
	if v, _ := a.Int("A"); v != 1 {
		t.Fatalf("/A = %d", v)
	}
	s, ok := doc.Resolve(6, 0).(raw.StringObj)
	if !ok || string(s.Bytes) != "inside" {
		t.Fatalf("object 6 is %v", doc.Resolve(6, 0))
	}
	if len(doc.Revisions()) != 2 {
		t.Fatalf("revisions %d", len(doc.Revisions()))
	}
	if !raw.IsNull(doc.Resolve(5, 1)) || countCodes(doc.Diagnostics(), "XRF004") != 1 {
		t.Fatalf("compressed object with generation 1: %v", codes(doc.Diagnostics()))
	}
}

func encryptedPDF(t *testing.T, userPwd string) []byte {
	t.Helper()
	id := []byte("0123456789abcdef")
	enc, _, err := security.BuildStandardEncryption(userPwd, "owner", security.Permissions{Print: true}, id, 3)
	if err != nil {
		t.Fatalf("build encryption: %v", err)
	}
	h, err := (&security.HandlerBuilder{}).WithEncryptDict(enc).WithFileID(id).Build()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if err := h.Authenticate(userPwd); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	e, err := security.NewEncryptor(h)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	title, err := e.Encrypt(4, 0, []byte("Secret title"), security.DataClassString)
	if err != nil {
		t.Fatalf("encrypt string: %v", err)
	}
	content, err := e.Encrypt(6, 0, []byte("0 0 m 10 10 l S"), security.DataClassStream)
	if err != nil {
		t.Fatalf("encrypt stream: %v", err)
	}
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents 6 0 R >>",
		"<< /Title " + string(raw.Serialize(raw.HexStr(title))) + " >>",
		string(raw.Serialize(enc)),
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}
	hexID := string(raw.Serialize(raw.HexStr(id)))
	return buildPDF(objs, "/Root 1 0 R /Info 4 0 R /Encrypt 5 0 R /ID ["+hexID+" "+hexID+"]")
}

func TestEncryptedDocument(t *testing.T) {
	data := encryptedPDF(t, "user")
	doc := open(t, data, document.Config{Password: "user"})

	enc := doc.Encryption()
	if enc == nil || !enc.Authenticated {
		t.Fatalf("encryption %+v", enc)
	}
	info := doc.Resolve(4, 0).(*raw.DictObj)
	title, _ := info.Get("Title")
	if s, ok := title.(raw.StringObj); !ok || string(s.Bytes) != "Secret title" {
		t.Fatalf("title %v", title)
	}
	st := doc.Resolve(6, 0).(*raw.StreamObj)
	if got := string(doc.DecodedPayload(st)); got != "0 0 m 10 10 l S" {
		t.Fatalf("content %q", got)
	}
	ds := doc.Validate(context.Background(), compliance.Strict)
	if n := countCodes(ds, "ENC001", "ENC002", "ENC003", "ENC004", "ENC005", "ENC006", "ENC007"); n != 0 {
		t.Fatalf("encryption diagnostics %v", codes(ds))
	}
}

func TestEncryptedDocumentWrongPassword(t *testing.T) {
	doc := open(t, encryptedPDF(t, "user"), document.Config{Password: "nope"})
	if doc.Encryption() == nil || doc.Encryption().Authenticated {
		t.Fatalf("expected an unauthenticated descriptor")
	}
	ds := doc.Validate(context.Background(), compliance.Lenient)
	if countCodes(ds, "ENC007") != 1 {
		t.Fatalf("no ENC007 in %v", codes(ds))
	}
	if countCodes(ds, "STM003") == 0 {
		t.Fatalf("undecryptable stream not reported: %v", codes(ds))
	}
}

func TestSpansCarryMetrics(t *testing.T) {
	rec := &observability.Recorder{}
	doc := open(t, buildPDF(minimalObjects, "/Root 1 0 R"), document.Config{Tracer: rec})
	doc.Validate(context.Background(), compliance.Lenient)

	opened := rec.Spans("pdf.open")
	if len(opened) != 1 {
		t.Fatalf("open spans: %d", len(opened))
	}
	if got := opened[0].Tags[observability.MetricObjectCount]; got != 4 {
		t.Fatalf("object count tag %v", got)
	}
	if got := opened[0].Tags[observability.MetricReconstructed]; got != false {
		t.Fatalf("reconstructed tag %v", got)
	}
	validated := rec.Spans("pdf.validate")
	if len(validated) != 1 || validated[0].Err != nil {
		t.Fatalf("validate spans: %+v", validated)
	}
	if got := validated[0].Tags[observability.MetricPageCount]; got != 1 {
		t.Fatalf("page count tag %v", got)
	}
	if got := validated[0].Tags[observability.MetricDiagnostics]; got != 0 {
		t.Fatalf("diagnostics tag %v", got)
	}
}

func TestOpenFatalSpanError(t *testing.T) {
	rec := &observability.Recorder{}
	if _, err := document.Open(context.Background(), nil, document.Config{Tracer: rec}); err == nil {
		t.Fatalf("expected error")
	}
	if s := rec.Spans("pdf.open"); len(s) != 1 || s[0].Err == nil {
		t.Fatalf("open span %+v", s)
	}
}

func FuzzOpen(f *testing.F) {
	f.Add(buildPDF(minimalObjects, "/Root 1 0 R"))
	f.Add([]byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\nstartxref\n0\n%%EOF"))
	f.Add([]byte("%PDF-1.7\n1 0 obj\n<< /Length 5 0 R >>\nstream\nxx\nendstream\nendobj\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		doc, err := document.Open(context.Background(), data, document.Config{
			Limits: security.Limits{MaxTraversal: 1000},
		})
		if err != nil {
			return
		}
		for _, row := range doc.XRefTable() {
			if st, ok := doc.Resolve(row.Num, row.Entry.Gen).(*raw.StreamObj); ok {
				doc.DecodedPayload(st)
			}
		}
		doc.Validate(context.Background(), compliance.Lenient)
	})
}

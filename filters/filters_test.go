package filters

import (
	"bytes"
	"compress/lzw"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/wudi/pdfinspect/ir/raw"
)

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()
	return buf.Bytes()
}

func predictorParams(predictor, columns int64) *raw.DictObj {
	params := raw.Dict()
	params.Set("Predictor", raw.NumberInt(predictor))
	params.Set("Colors", raw.NumberInt(1))
	params.Set("BitsPerComponent", raw.NumberInt(8))
	params.Set("Columns", raw.NumberInt(columns))
	return params
}

func TestFlateDecode(t *testing.T) {
	dec := NewFlateDecoder()
	out, err := dec.Decode(context.Background(), deflate(t, []byte("hello world")), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hello world" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestFlateDecodeWithPredictor(t *testing.T) {
	// PNG predictor row: filter byte 1 (Sub), then row bytes.
	comp := deflate(t, []byte{1, 10, 12, 20})
	out, err := NewFlateDecoder().Decode(context.Background(), comp, predictorParams(12, 3))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	want := []byte{10, 22, 42}
	if !bytes.Equal(out, want) {
		t.Fatalf("predictor output mismatch: got %v want %v", out, want)
	}
}

func TestFlateDecodeUpAndPaethRows(t *testing.T) {
	rows := []byte{
		0, 1, 2, 3,
		2, 1, 1, 1, // Up
		4, 1, 1, 1, // Paeth
	}
	out, err := NewFlateDecoder().Decode(context.Background(), deflate(t, rows), predictorParams(15, 3))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	want := []byte{1, 2, 3, 2, 3, 4, 3, 4, 5}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %v want %v", out, want)
	}
}

func TestTIFFPredictor(t *testing.T) {
	out, err := NewFlateDecoder().Decode(context.Background(), deflate(t, []byte{5, 1, 1, 7, 2, 2}), predictorParams(2, 3))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(out, []byte{5, 6, 7, 7, 9, 11}) {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestFlateTruncatedReturnsPartial(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	comp := deflate(t, payload)
	out, err := NewFlateDecoder().Decode(context.Background(), comp[:len(comp)/2], nil)
	if err == nil {
		t.Fatalf("expected error for truncated stream")
	}
	if !bytes.HasPrefix(payload, out) {
		t.Fatalf("partial output is not a prefix of the payload")
	}
}

func TestLZWDecodeEarlyChangeZero(t *testing.T) {
	var buf bytes.Buffer
	w := lzw.NewWriter(&buf, lzw.MSB, 8)
	input := []byte("hello hello hello")
	if _, err := w.Write(input); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	params := raw.Dict()
	params.Set("EarlyChange", raw.NumberInt(0))
	out, err := NewLZWDecoder().Decode(context.Background(), buf.Bytes(), params)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLZWDecodeDefaultEarlyChange(t *testing.T) {
	data := []byte{0x80, 0x0B, 0x60, 0x50, 0x22, 0x0C, 0x0C, 0x85, 0x01}
	out, err := NewLZWDecoder().Decode(context.Background(), data, nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	want := []byte{45, 45, 45, 45, 45, 65, 45, 45, 45, 66}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %v want %v", out, want)
	}
}

func TestRunLengthDecode(t *testing.T) {
	// literal run of 3 bytes (len=2), then repeat 'A' 2 times (len=255 => count=2), then EOD 128
	data := []byte{2, 'h', 'i', '!', 255, 'A', 128}
	out, err := NewRunLengthDecoder().Decode(context.Background(), data, nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hi!AA" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestASCII85Decode(t *testing.T) {
	out, err := NewASCII85Decoder().Decode(context.Background(), []byte("<~87cURD_*#4DfTZ)+T~>"), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "Hello, World!" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestASCII85DecodeZeroGroups(t *testing.T) {
	// Eight z groups are 32 zero bytes, followed by "tail".
	out, err := NewASCII85Decoder().Decode(context.Background(), []byte("zzzz zzzz\nFCAm\"~>"), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	want := append(make([]byte, 32), "tail"...)
	if !bytes.Equal(out, want) {
		t.Fatalf("got %d bytes %q, want %d", len(out), out, len(want))
	}
}

func TestASCII85DecodeBounded(t *testing.T) {
	ctx := withOutputLimit(context.Background(), 10)
	out, err := NewASCII85Decoder().Decode(ctx, []byte(strings.Repeat("z", 50)+"~>"), nil)
	if !errors.Is(err, ErrOutputLimit) || len(out) != 10 {
		t.Fatalf("got %d bytes, err %v", len(out), err)
	}
}

func TestASCII85DecodeCorrupt(t *testing.T) {
	if _, err := NewASCII85Decoder().Decode(context.Background(), []byte("87c{RD~>"), nil); err == nil {
		t.Fatalf("expected error for byte outside the alphabet")
	}
}

func TestASCIIHexDecode(t *testing.T) {
	out, err := NewASCIIHexDecoder().Decode(context.Background(), []byte("68656c6c6f20 776f726c64>"), nil)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(out) != "hello world" {
		t.Fatalf("unexpected output: %q", out)
	}
	out, err = NewASCIIHexDecoder().Decode(context.Background(), []byte("414>"), nil)
	if err != nil || !bytes.Equal(out, []byte{0x41, 0x40}) {
		t.Fatalf("odd digit count: %v %v", out, err)
	}
}

func TestPipelineChain(t *testing.T) {
	p := NewPipeline(NewRegistry(nil).Decoders(), Limits{})
	hexed := []byte(strings.ToUpper(string(bytesToHex(deflate(t, []byte("chained"))))) + ">")
	res, err := p.Decode(context.Background(), hexed, []Filter{{Name: "AHx"}, {Name: "FlateDecode"}}, int64(len(hexed)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(res.Data) != "chained" {
		t.Fatalf("unexpected output %q", res.Data)
	}
	if len(res.Applied) != 2 || res.Applied[0] != "ASCIIHexDecode" || res.Truncated {
		t.Fatalf("unexpected result %+v", res)
	}
}

func bytesToHex(b []byte) []byte {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, 2*len(b))
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0x0f])
	}
	return out
}

func TestPipelineOutputBound(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 1<<16)
	comp := deflate(t, payload)
	p := NewPipeline(NewRegistry(nil).Decoders(), Limits{MaxDecompressedSize: 1 << 20, Multiplier: 2, MinBound: 1024})
	res, err := p.Decode(context.Background(), comp, []Filter{{Name: "FlateDecode"}}, int64(len(comp)))
	if !errors.Is(err, ErrOutputLimit) {
		t.Fatalf("expected output limit error, got %v", err)
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.DiagnosticCode() != "FLT002" {
		t.Fatalf("expected *Error with FLT002, got %v", err)
	}
	if int64(len(res.Data)) != p.Limits().Bound(int64(len(comp))) || !res.Truncated {
		t.Fatalf("expected truncated output at bound, got %d bytes", len(res.Data))
	}
}

func TestLimitsBound(t *testing.T) {
	l := Limits{MaxDecompressedSize: 1000, Multiplier: 10, MinBound: 50}
	cases := map[int64]int64{0: 50, 3: 50, 20: 200, 500: 1000}
	for in, want := range cases {
		if got := l.Bound(in); got != want {
			t.Fatalf("Bound(%d) = %d, want %d", in, got, want)
		}
	}
	if (Limits{}).Bound(10) != 0 {
		t.Fatalf("zero limits must be unbounded")
	}
}

func TestUnsupportedFilter(t *testing.T) {
	p := NewPipeline(NewRegistry(nil).Decoders(), Limits{})
	res, err := p.Decode(context.Background(), []byte{0x00}, []Filter{{Name: "BogusDecode"}}, 1)
	var ue UnsupportedError
	if err == nil || !errors.As(err, &ue) || ue.Filter != "BogusDecode" {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	if len(res.Data) != 0 {
		t.Fatalf("expected empty payload, got %v", res.Data)
	}
}

func TestPassthroughImage(t *testing.T) {
	p := NewPipeline(NewRegistry(nil).Decoders(), Limits{})
	in := []byte{0xFF, 0xD8, 0xFF}
	res, err := p.Decode(context.Background(), in, []Filter{{Name: "DCTDecode"}}, 3)
	if err != nil || !bytes.Equal(res.Data, in) {
		t.Fatalf("expected encoded data unchanged, got %v %v", res.Data, err)
	}
}

type xorDecryptor struct{ seen raw.ObjectRef }

func (x *xorDecryptor) DecryptStream(ref raw.ObjectRef, data []byte, _ string) ([]byte, error) {
	x.seen = ref
	out := make([]byte, len(data))
	for i, c := range data {
		out[i] = c ^ 0x20
	}
	return out, nil
}

func TestCryptFilter(t *testing.T) {
	dec := &xorDecryptor{}
	p := NewPipeline(NewRegistry(dec).Decoders(), Limits{})
	named := raw.Dict()
	named.Set("Name", raw.NameLiteral("StdCF"))

	ctx := WithObject(context.Background(), raw.ObjectRef{Num: 7})
	res, err := p.Decode(ctx, []byte("HELLO"), []Filter{{Name: "Crypt", Params: named}}, 5)
	if err != nil || string(res.Data) != "hello" {
		t.Fatalf("crypt decode: %q %v", res.Data, err)
	}
	if dec.seen.Num != 7 {
		t.Fatalf("decryptor saw %v", dec.seen)
	}

	res, err = p.Decode(context.Background(), []byte("SAME"), []Filter{{Name: "Crypt"}}, 4)
	if err != nil || string(res.Data) != "SAME" {
		t.Fatalf("identity crypt filter changed data: %q %v", res.Data, err)
	}
}

func TestExtractFilters(t *testing.T) {
	d := raw.Dict()
	d.Set("Filter", raw.NewArray(raw.NameLiteral("ASCII85Decode"), raw.NameLiteral("FlateDecode")))
	parms := raw.Dict()
	parms.Set("Predictor", raw.NumberInt(12))
	d.Set("DecodeParms", raw.NewArray(raw.Null(), parms))

	chain := ExtractFilters(d)
	if len(chain) != 2 || chain[0].Name != "ASCII85Decode" || chain[1].Name != "FlateDecode" {
		t.Fatalf("unexpected chain %+v", chain)
	}
	if chain[0].Params != nil || chain[1].Params != parms {
		t.Fatalf("params not paired by position")
	}
	if n, ok := ParamsArity(d); !ok || n != 2 {
		t.Fatalf("ParamsArity = %d, %v", n, ok)
	}
	if ExtractFilters(raw.Dict()) != nil {
		t.Fatalf("expected no filters")
	}
}

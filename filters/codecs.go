package filters

import (
	"bytes"
	"compress/lzw"
	"context"
	"encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/ccitt"
	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/wudi/pdfinspect/ir/raw"
)

type flateDecoder struct{}

func NewFlateDecoder() Decoder { return flateDecoder{} }

func (flateDecoder) Name() string { return "FlateDecode" }

// Decode inflates zlib data. Streams without a valid zlib header are retried
// as raw deflate. Truncated input yields the bytes recovered so far.
func (flateDecoder) Decode(ctx context.Context, input []byte, params *raw.DictObj) ([]byte, error) {
	limit := outputLimit(ctx)
	var out []byte
	zr, err := zlib.NewReader(bytes.NewReader(input))
	if err == nil {
		out, err = readAllLimit(zr, limit)
		zr.Close()
	} else {
		fr := flate.NewReader(bytes.NewReader(input))
		out, err = readAllLimit(fr, limit)
		fr.Close()
	}
	if err != nil {
		if errors.Is(err, ErrOutputLimit) {
			return out, err
		}
		return out, fmt.Errorf("inflate: %w", err)
	}
	return applyPredictor(out, params)
}

type lzwDecoder struct{}

func NewLZWDecoder() Decoder { return lzwDecoder{} }

func (lzwDecoder) Name() string { return "LZWDecode" }

func (lzwDecoder) Decode(ctx context.Context, input []byte, params *raw.DictObj) ([]byte, error) {
	var r io.ReadCloser
	if intParam(params, "EarlyChange", 1) == 1 {
		r = tifflzw.NewReader(bytes.NewReader(input), tifflzw.MSB, 8)
	} else {
		r = lzw.NewReader(bytes.NewReader(input), lzw.MSB, 8)
	}
	defer r.Close()
	out, err := readAllLimit(r, outputLimit(ctx))
	if err != nil {
		if errors.Is(err, ErrOutputLimit) {
			return out, err
		}
		return out, fmt.Errorf("lzw: %w", err)
	}
	return applyPredictor(out, params)
}

type runLengthDecoder struct{}

func NewRunLengthDecoder() Decoder { return runLengthDecoder{} }

func (runLengthDecoder) Name() string { return "RunLengthDecode" }

func (runLengthDecoder) Decode(ctx context.Context, input []byte, _ *raw.DictObj) ([]byte, error) {
	limit := outputLimit(ctx)
	out := make([]byte, 0, len(input))
	for i := 0; i < len(input); {
		n := int(input[i])
		i++
		switch {
		case n == 128:
			return out, nil
		case n < 128:
			end := i + n + 1
			if end > len(input) {
				return append(out, input[i:]...), errors.New("run length: literal run past end of data")
			}
			out = append(out, input[i:end]...)
			i = end
		default:
			if i >= len(input) {
				return out, errors.New("run length: repeat run missing byte")
			}
			out = append(out, bytes.Repeat(input[i:i+1], 257-n)...)
			i++
		}
		if limit > 0 && int64(len(out)) > limit {
			return out[:limit], ErrOutputLimit
		}
	}
	return out, nil
}

type ascii85Decoder struct{}

func NewASCII85Decoder() Decoder { return ascii85Decoder{} }

func (ascii85Decoder) Name() string { return "ASCII85Decode" }

// Decode reads up to the ~> terminator. A z group expands to four zero
// bytes, so the output may be far larger than the input.
func (ascii85Decoder) Decode(ctx context.Context, input []byte, _ *raw.DictObj) ([]byte, error) {
	data := bytes.TrimSpace(input)
	data = bytes.TrimPrefix(data, []byte("<~"))
	if i := bytes.Index(data, []byte("~>")); i >= 0 {
		data = data[:i]
	}
	out, err := readAllLimit(ascii85.NewDecoder(bytes.NewReader(data)), outputLimit(ctx))
	if err != nil {
		if errors.Is(err, ErrOutputLimit) {
			return out, err
		}
		return out, fmt.Errorf("ascii85: %w", err)
	}
	return out, nil
}

type asciiHexDecoder struct{}

func NewASCIIHexDecoder() Decoder { return asciiHexDecoder{} }

func (asciiHexDecoder) Name() string { return "ASCIIHexDecode" }

func (asciiHexDecoder) Decode(_ context.Context, input []byte, _ *raw.DictObj) ([]byte, error) {
	digits := make([]byte, 0, len(input))
	for _, c := range input {
		if c == '>' {
			break
		}
		if raw.IsWhitespace(c) {
			continue
		}
		digits = append(digits, c)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	n, err := hex.Decode(out, digits)
	if err != nil {
		return out[:n], fmt.Errorf("asciihex: %w", err)
	}
	return out, nil
}

type ccittFaxDecoder struct{}

func NewCCITTFaxDecoder() Decoder { return ccittFaxDecoder{} }

func (ccittFaxDecoder) Name() string { return "CCITTFaxDecode" }

func (ccittFaxDecoder) Decode(ctx context.Context, input []byte, params *raw.DictObj) ([]byte, error) {
	k := intParam(params, "K", 0)
	columns := intParam(params, "Columns", 1728)
	rows := intParam(params, "Rows", 0)
	if columns <= 0 {
		return nil, fmt.Errorf("ccittfax: invalid /Columns %d", columns)
	}
	if rows <= 0 {
		rows = ccitt.AutoDetectHeight
	}
	sf := ccitt.Group3
	if k < 0 {
		sf = ccitt.Group4
	}
	opts := &ccitt.Options{Invert: boolParam(params, "BlackIs1", false), Align: boolParam(params, "EncodedByteAlign", false)}
	r := ccitt.NewReader(bytes.NewReader(input), ccitt.MSB, sf, columns, rows, opts)
	out, err := readAllLimit(r, outputLimit(ctx))
	if err != nil {
		if errors.Is(err, ErrOutputLimit) {
			return out, err
		}
		return out, fmt.Errorf("ccittfax: %w", err)
	}
	return out, nil
}

// Decryptor decrypts the payload of the stream owned by ref using the named
// crypt filter.
type Decryptor interface {
	DecryptStream(ref raw.ObjectRef, data []byte, cryptFilter string) ([]byte, error)
}

type cryptDecoder struct{ dec Decryptor }

// NewCryptDecoder handles explicit /Crypt entries. The Identity crypt filter
// is a no-op; others need dec and an owning object set via WithObject.
func NewCryptDecoder(dec Decryptor) Decoder { return cryptDecoder{dec: dec} }

func (cryptDecoder) Name() string { return "Crypt" }

func (c cryptDecoder) Decode(ctx context.Context, input []byte, params *raw.DictObj) ([]byte, error) {
	name := "Identity"
	if n, ok := params.Name("Name"); ok {
		name = n
	}
	if name == "Identity" {
		return input, nil
	}
	if c.dec == nil {
		return nil, fmt.Errorf("crypt filter %s: document is not encrypted", name)
	}
	ref, ok := ObjectFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("crypt filter %s: owning object unknown", name)
	}
	return c.dec.DecryptStream(ref, input, name)
}

type passthroughDecoder struct{ name string }

// NewPassthroughDecoder returns a decoder that leaves image data encoded.
// Consumers of these formats decode the payload themselves.
func NewPassthroughDecoder(name string) Decoder { return passthroughDecoder{name: name} }

func (p passthroughDecoder) Name() string { return p.name }

func (passthroughDecoder) Decode(_ context.Context, input []byte, _ *raw.DictObj) ([]byte, error) {
	return input, nil
}

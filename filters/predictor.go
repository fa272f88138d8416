package filters

import (
	"fmt"

	"github.com/wudi/pdfinspect/ir/raw"
)

// applyPredictor reverses the PNG (10-15) or TIFF (2) predictor named in
// params. A short final row is decoded as far as it goes.
func applyPredictor(data []byte, params *raw.DictObj) ([]byte, error) {
	predictor := intParam(params, "Predictor", 1)
	if predictor <= 1 {
		return data, nil
	}
	colors := intParam(params, "Colors", 1)
	bpc := intParam(params, "BitsPerComponent", 8)
	columns := intParam(params, "Columns", 1)
	if colors < 1 || columns < 1 || (bpc != 1 && bpc != 2 && bpc != 4 && bpc != 8 && bpc != 16) {
		return data, fmt.Errorf("predictor: invalid parameters colors=%d bpc=%d columns=%d", colors, bpc, columns)
	}
	bpp := (colors*bpc + 7) / 8
	rowLen := (colors*bpc*columns + 7) / 8

	switch {
	case predictor == 2:
		return tiffPredictor(data, rowLen, colors, bpc)
	case predictor >= 10:
		return pngPredictor(data, rowLen, bpp)
	}
	return data, fmt.Errorf("predictor: unsupported predictor %d", predictor)
}

func pngPredictor(data []byte, rowLen, bpp int) ([]byte, error) {
	stride := rowLen + 1
	out := make([]byte, 0, len(data)/stride*rowLen+rowLen)
	prev := make([]byte, rowLen)
	for off := 0; off < len(data); off += stride {
		end := off + stride
		if end > len(data) {
			end = len(data)
		}
		ft := data[off]
		row := make([]byte, rowLen)
		copy(row, data[off+1:end])
		n := end - off - 1
		for i := 0; i < n; i++ {
			var left, upLeft byte
			if i >= bpp {
				left = row[i-bpp]
				upLeft = prev[i-bpp]
			}
			up := prev[i]
			switch ft {
			case 0:
			case 1:
				row[i] += left
			case 2:
				row[i] += up
			case 3:
				row[i] += byte((int(left) + int(up)) / 2)
			case 4:
				row[i] += paeth(left, up, upLeft)
			default:
				return out, fmt.Errorf("predictor: invalid PNG filter type %d", ft)
			}
		}
		out = append(out, row[:n]...)
		prev = row
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func tiffPredictor(data []byte, rowLen, colors, bpc int) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	switch bpc {
	case 8:
		for off := 0; off < len(out); off += rowLen {
			end := min(off+rowLen, len(out))
			for i := off + colors; i < end; i++ {
				out[i] += out[i-colors]
			}
		}
	case 16:
		step := colors * 2
		for off := 0; off < len(out); off += rowLen {
			end := min(off+rowLen, len(out))
			for i := off + step; i+1 < end; i += 2 {
				v := uint16(out[i])<<8 | uint16(out[i+1])
				p := uint16(out[i-step])<<8 | uint16(out[i-step+1])
				v += p
				out[i], out[i+1] = byte(v>>8), byte(v)
			}
		}
	default:
		return data, fmt.Errorf("predictor: TIFF predictor with %d bits per component", bpc)
	}
	return out, nil
}

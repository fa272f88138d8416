package raw

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"
)

// Serialize renders o in PDF syntax. Dictionaries keep insertion order and
// streams are written with their raw payload.
func Serialize(o Object) []byte {
	var b bytes.Buffer
	writeObject(&b, o)
	return b.Bytes()
}

func writeObject(b *bytes.Buffer, o Object) {
	switch v := o.(type) {
	case nil:
		b.WriteString("null")
	case NameObj:
		b.WriteByte('/')
		b.WriteString(EscapeName(v.Val))
	case NumberObj:
		if v.IsInt {
			b.WriteString(strconv.FormatInt(v.I, 10))
			return
		}
		b.WriteString(formatReal(v.F))
	case BoolObj:
		b.WriteString(strconv.FormatBool(v.V))
	case NullObj:
		b.WriteString("null")
	case StringObj:
		if v.Hex {
			b.WriteByte('<')
			b.WriteString(strings.ToUpper(hex.EncodeToString(v.Bytes)))
			b.WriteByte('>')
			return
		}
		b.Write(escapeLiteralString(v.Bytes))
	case *ArrayObj:
		b.WriteByte('[')
		for i, it := range v.Items {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeObject(b, it)
		}
		b.WriteByte(']')
	case *DictObj:
		b.WriteString("<<")
		for _, k := range v.keys {
			b.WriteByte('/')
			b.WriteString(EscapeName(k))
			b.WriteByte(' ')
			writeObject(b, v.kv[k])
		}
		b.WriteString(">>")
	case *StreamObj:
		writeObject(b, v.Dict)
		b.WriteString("\nstream\n")
		b.Write(v.Data)
		b.WriteString("\nendstream")
	case RefObj:
		b.WriteString(v.R.String())
	}
}

func formatReal(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// EscapeName encodes bytes outside the regular character set as #xx.
func EscapeName(value string) string {
	var sb strings.Builder
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch > 0x20 && ch < 0x7F && !IsDelimiter(ch) && ch != '#' {
			sb.WriteByte(ch)
			continue
		}
		sb.WriteByte('#')
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{ch})))
	}
	return sb.String()
}

func escapeLiteralString(s []byte) []byte {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '(')
	for _, c := range s {
		switch c {
		case '(', ')', '\\':
			out = append(out, '\\', c)
		case '\r':
			out = append(out, '\\', 'r')
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, c)
		}
	}
	return append(out, ')')
}

// IsWhitespace reports whether c is a PDF white-space character.
func IsWhitespace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

// IsDelimiter reports whether c is a PDF delimiter character.
func IsDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode"

	"github.com/wudi/pdfinspect/diag"
	"github.com/wudi/pdfinspect/recovery"
)

type TokenType int

const (
	TokenDict    TokenType = iota // '<<'
	TokenArray                    // '['
	TokenName                     // '/Name'
	TokenString                   // literal or hex string
	TokenNumber                   // numeric value
	TokenBoolean                  // true/false
	TokenNull                     // null
	TokenRef                      // indirect ref '5 0 R'
	TokenStream                   // 'stream' keyword plus captured payload
	TokenKeyword                  // other keywords (obj, endobj, endstream, >>, ], etc.)
)

func (t TokenType) String() string {
	switch t {
	case TokenDict:
		return "<<"
	case TokenArray:
		return "["
	case TokenName:
		return "name"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenBoolean:
		return "boolean"
	case TokenNull:
		return "null"
	case TokenRef:
		return "reference"
	case TokenStream:
		return "stream"
	case TokenKeyword:
		return "keyword"
	}
	return "unknown"
}

// Token is one lexical unit. Which value fields are set depends on Type.
type Token struct {
	Type TokenType
	Pos  int64
	End  int64

	Str   string // names and keywords
	Bytes []byte // string contents and stream payloads
	Hex   bool
	Int   int64
	Float float64
	IsInt bool
	Bool  bool
	Num   int // reference object number
	Gen   int // reference generation

	// DataPos is the offset of the first stream payload byte.
	DataPos int64
}

// IsKeyword reports whether t is the keyword kw.
func (t Token) IsKeyword(kw string) bool { return t.Type == TokenKeyword && t.Str == kw }

// SyntaxError reports malformed token or object syntax.
type SyntaxError struct {
	Offset int64
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Offset, e.Msg)
}

func (e *SyntaxError) DiagnosticKind() diag.Kind { return diag.KindSyntax }
func (e *SyntaxError) DiagnosticCode() string    { return "SYN001" }

func newSyntaxError(off int64, msg string) error { return &SyntaxError{Offset: off, Msg: msg} }
func syntaxErrorf(off int64, f string, a ...any) error {
	return &SyntaxError{Offset: off, Msg: fmt.Sprintf(f, a...)}
}

type Config struct {
	MaxStringLength int64
	MaxStreamLength int64
	Recovery        recovery.Strategy
}

// Scanner tokenizes an in-memory PDF byte buffer. It is restartable: Seek
// repositions it anywhere in the buffer.
type Scanner struct {
	data          []byte
	pos           int64
	cfg           Config
	nextStreamLen int64
	recLoc        recovery.Location
	lastAction    recovery.Action
}

func New(data []byte, cfg Config) *Scanner {
	return &Scanner{data: data, cfg: cfg, nextStreamLen: -1}
}

func (s *Scanner) Position() int64 { return s.pos }
func (s *Scanner) Len() int64      { return int64(len(s.data)) }

func (s *Scanner) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(s.data)) {
		return syntaxErrorf(offset, "seek out of range (size %d)", len(s.data))
	}
	s.pos = offset
	s.nextStreamLen = -1
	return nil
}

// SetNextStreamLength supplies the /Length to trust for the next stream
// payload. A negative value means unknown.
func (s *Scanner) SetNextStreamLength(n int64)               { s.nextStreamLen = n }
func (s *Scanner) SetRecoveryLocation(loc recovery.Location) { s.recLoc = loc }

// Next returns the next token, or io.EOF at the end of the buffer.
func (s *Scanner) Next() (Token, error) {
	s.skipWSAndComments()
	if s.pos >= int64(len(s.data)) {
		return Token{}, io.EOF
	}
	start := s.pos
	c := s.data[s.pos]
	switch c {
	case '<':
		if s.peekAhead(1) == '<' {
			s.pos += 2
			return s.emit(Token{Type: TokenDict, Str: "<<", Pos: start})
		}
		return s.scanHexString()
	case '>':
		if s.peekAhead(1) == '>' {
			s.pos += 2
			return s.emit(Token{Type: TokenKeyword, Str: ">>", Pos: start})
		}
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: ">", Pos: start})
	case '[':
		s.pos++
		return s.emit(Token{Type: TokenArray, Str: "[", Pos: start})
	case ']':
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: "]", Pos: start})
	case '(':
		return s.scanLiteralString()
	case '/':
		return s.scanName()
	}
	if isDigitStart(c) {
		return s.scanNumberOrRef()
	}
	if isAlpha(c) {
		return s.scanKeyword()
	}
	s.pos++
	return s.emit(Token{Type: TokenKeyword, Str: string(c), Pos: start})
}

// Peek returns the next token without consuming it.
func (s *Scanner) Peek() (Token, error) {
	pos, hint := s.pos, s.nextStreamLen
	tok, err := s.Next()
	s.pos, s.nextStreamLen = pos, hint
	return tok, err
}

func (s *Scanner) skipWSAndComments() {
	for s.pos < int64(len(s.data)) {
		c := s.data[s.pos]
		if isWhitespace(c) {
			s.pos++
			continue
		}
		if c == '%' {
			for s.pos < int64(len(s.data)) && !isEOL(s.data[s.pos]) {
				s.pos++
			}
			continue
		}
		return
	}
}

func isDigitStart(c byte) bool { return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') }
func isAlpha(c byte) bool      { return unicode.IsLetter(rune(c)) }

func (s *Scanner) scanName() (Token, error) {
	start := s.pos
	s.pos++ // skip '/'
	var out bytes.Buffer
	for s.pos < int64(len(s.data)) {
		c := s.data[s.pos]
		if isDelimiter(c) {
			break
		}
		if c == '#' {
			a, aok := s.hexAt(s.pos + 1)
			b, bok := s.hexAt(s.pos + 2)
			if aok && bok {
				out.WriteByte(a<<4 | b)
				s.pos += 3
				continue
			}
			if err := s.recover(syntaxErrorf(s.pos, "invalid #xx escape in name"), "name"); err != nil {
				return Token{}, err
			}
		}
		out.WriteByte(c)
		s.pos++
	}
	return s.emit(Token{Type: TokenName, Str: out.String(), Pos: start})
}

func (s *Scanner) hexAt(i int64) (byte, bool) {
	if i >= int64(len(s.data)) {
		return 0, false
	}
	return fromHex(s.data[i])
}

func (s *Scanner) scanLiteralString() (Token, error) {
	start := s.pos
	s.pos++ // skip '('
	var buf bytes.Buffer
	depth := 1
	n := int64(len(s.data))
	for s.pos < n && depth > 0 {
		c := s.data[s.pos]
		switch c {
		case '\\':
			s.pos++
			if s.pos >= n {
				break
			}
			esc := s.data[s.pos]
			// Line continuation: backslash followed by EOL is ignored
			if esc == '\r' {
				s.pos++
				if s.pos < n && s.data[s.pos] == '\n' {
					s.pos++
				}
				continue
			}
			if esc == '\n' {
				s.pos++
				continue
			}
			if esc >= '0' && esc <= '7' {
				val := int(esc - '0')
				s.pos++
				for k := 0; k < 2 && s.pos < n; k++ {
					d := s.data[s.pos]
					if d < '0' || d > '7' {
						break
					}
					val = val<<3 + int(d-'0')
					s.pos++
				}
				buf.WriteByte(byte(val))
				continue
			}
			buf.WriteByte(translateEscape(esc))
			s.pos++
		case '(':
			depth++
			buf.WriteByte(c)
			s.pos++
		case ')':
			depth--
			s.pos++
			if depth > 0 {
				buf.WriteByte(c)
			}
		case '\r':
			// An unescaped CR or CRLF is read as a single LF.
			buf.WriteByte('\n')
			s.pos++
			if s.pos < n && s.data[s.pos] == '\n' {
				s.pos++
			}
		default:
			buf.WriteByte(c)
			s.pos++
		}
		if s.cfg.MaxStringLength > 0 && int64(buf.Len()) > s.cfg.MaxStringLength {
			return Token{}, syntaxErrorf(start, "literal string exceeds %d bytes", s.cfg.MaxStringLength)
		}
	}
	if depth != 0 {
		if err := s.recover(newSyntaxError(start, "unterminated literal string"), "literal"); err != nil {
			return Token{}, err
		}
	}
	return s.emit(Token{Type: TokenString, Bytes: buf.Bytes(), Pos: start})
}

func (s *Scanner) scanHexString() (Token, error) {
	start := s.pos
	s.pos++ // skip '<'
	var hexbuf []byte
	closed := false
	for s.pos < int64(len(s.data)) {
		c := s.data[s.pos]
		s.pos++
		if c == '>' {
			closed = true
			break
		}
		if isWhitespace(c) {
			continue
		}
		if _, ok := fromHex(c); !ok {
			if err := s.recover(syntaxErrorf(s.pos-1, "invalid hex digit %q", c), "hex"); err != nil {
				return Token{}, err
			}
			continue
		}
		hexbuf = append(hexbuf, c)
	}
	if !closed {
		if err := s.recover(newSyntaxError(start, "unterminated hex string"), "hex"); err != nil {
			return Token{}, err
		}
	}
	// If odd number of nibbles, pad with 0
	if len(hexbuf)%2 == 1 {
		hexbuf = append(hexbuf, '0')
	}
	if s.cfg.MaxStringLength > 0 && int64(len(hexbuf)/2) > s.cfg.MaxStringLength {
		return Token{}, syntaxErrorf(start, "hex string exceeds %d bytes", s.cfg.MaxStringLength)
	}
	out := make([]byte, 0, len(hexbuf)/2)
	for i := 0; i < len(hexbuf); i += 2 {
		a, _ := fromHex(hexbuf[i])
		b, _ := fromHex(hexbuf[i+1])
		out = append(out, a<<4|b)
	}
	return s.emit(Token{Type: TokenString, Bytes: out, Hex: true, Pos: start})
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

var (
	kwEndstream = []byte("endstream")
	kwEndobj    = []byte("endobj")
)

// scanStream captures the payload following the 'stream' keyword. A length
// hint is trusted only when 'endstream' follows it; otherwise the payload
// runs to the next 'endstream' marker.
func (s *Scanner) scanStream(start int64) (Token, error) {
	hint := s.nextStreamLen
	s.nextStreamLen = -1
	n := int64(len(s.data))

	switch {
	case s.pos < n && s.data[s.pos] == '\r':
		s.pos++
		if s.pos < n && s.data[s.pos] == '\n' {
			s.pos++
		}
	case s.pos < n && s.data[s.pos] == '\n':
		s.pos++
	default:
		if err := s.recover(newSyntaxError(s.pos, "stream keyword not followed by end-of-line"), "stream"); err != nil {
			return Token{}, err
		}
		for s.pos < n && (s.data[s.pos] == ' ' || s.data[s.pos] == '\t') {
			s.pos++
		}
	}
	dataStart := s.pos

	if hint >= 0 && dataStart+hint <= n {
		end := dataStart + hint
		after := end
		for after < n && isWhitespace(s.data[after]) {
			after++
		}
		if bytes.HasPrefix(s.data[after:], kwEndstream) {
			if err := s.checkStreamLength(start, hint); err != nil {
				return Token{}, err
			}
			s.pos = after + int64(len(kwEndstream))
			return s.emit(Token{Type: TokenStream, Bytes: s.data[dataStart:end], Pos: start, DataPos: dataStart})
		}
	}

	idx := indexKeyword(s.data[dataStart:], kwEndstream)
	if idx < 0 {
		if err := s.recover(newSyntaxError(dataStart, "missing endstream"), "stream"); err != nil {
			return Token{}, err
		}
		end := n
		if j := indexKeyword(s.data[dataStart:], kwEndobj); j >= 0 {
			end = dataStart + int64(j)
		}
		payload := trimTrailingEOL(s.data[dataStart:end])
		if err := s.checkStreamLength(start, int64(len(payload))); err != nil {
			return Token{}, err
		}
		s.pos = end
		return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start, DataPos: dataStart})
	}
	end := dataStart + int64(idx)
	payload := trimTrailingEOL(s.data[dataStart:end])
	if err := s.checkStreamLength(start, int64(len(payload))); err != nil {
		return Token{}, err
	}
	s.pos = end + int64(len(kwEndstream))
	return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start, DataPos: dataStart})
}

func (s *Scanner) checkStreamLength(start, l int64) error {
	if s.cfg.MaxStreamLength > 0 && l > s.cfg.MaxStreamLength {
		return syntaxErrorf(start, "stream payload exceeds %d bytes", s.cfg.MaxStreamLength)
	}
	return nil
}

// indexKeyword finds kw followed by a delimiter or the end of data.
func indexKeyword(data, kw []byte) int {
	off := 0
	for {
		i := bytes.Index(data[off:], kw)
		if i < 0 {
			return -1
		}
		j := off + i + len(kw)
		if j >= len(data) || isDelimiter(data[j]) {
			return off + i
		}
		off = j
	}
}

func trimTrailingEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			return b[:n-1]
		}
		return b
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}
func isEOL(c byte) bool { return c == '\r' || c == '\n' }
func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	default:
		return isWhitespace(c)
	}
}

func translateEscape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

func (s *Scanner) peekAhead(n int64) byte {
	if s.pos+n >= int64(len(s.data)) {
		return 0
	}
	return s.data[s.pos+n]
}

func (s *Scanner) scanKeyword() (Token, error) {
	start := s.pos
	for s.pos < int64(len(s.data)) && !isDelimiter(s.data[s.pos]) {
		s.pos++
	}
	kw := string(s.data[start:s.pos])
	switch kw {
	case "true", "false":
		return s.emit(Token{Type: TokenBoolean, Bool: kw == "true", Str: kw, Pos: start})
	case "null":
		return s.emit(Token{Type: TokenNull, Str: kw, Pos: start})
	case "stream":
		return s.scanStream(start)
	default:
		return s.emit(Token{Type: TokenKeyword, Str: kw, Pos: start})
	}
}

// scanNumberOrRef reads a number, looking ahead for the 'n g R' form.
func (s *Scanner) scanNumberOrRef() (Token, error) {
	start := s.pos
	num1 := s.scanNumberString()
	if num1 == "" {
		s.pos++
		if err := s.recover(newSyntaxError(start, "invalid number"), "number"); err != nil {
			return Token{}, err
		}
		return s.emit(Token{Type: TokenNumber, IsInt: true, Pos: start})
	}

	if isRefComponent(num1) {
		save := s.pos
		s.skipWSAndComments()
		num2 := s.scanNumberString()
		if num2 != "" && isRefComponent(num2) {
			s.skipWSAndComments()
			if s.pos < int64(len(s.data)) && s.data[s.pos] == 'R' &&
				(s.pos+1 >= int64(len(s.data)) || isDelimiter(s.data[s.pos+1])) {
				s.pos++
				n1, err1 := strconv.Atoi(num1)
				n2, err2 := strconv.Atoi(num2)
				if err1 == nil && err2 == nil {
					return s.emit(Token{Type: TokenRef, Num: n1, Gen: n2, Pos: start})
				}
			}
		}
		// not a ref; the parser reads the second number later
		s.pos = save
	}
	return s.numberToken(num1, start)
}

func isRefComponent(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// numberToken interprets text as an integer or real. Tolerated malformations
// (repeated signs, a second decimal point, an embedded sign) truncate the
// value at the first offending byte.
func (s *Scanner) numberToken(text string, start int64) (Token, error) {
	clean, malformed := normalizeNumber(text)
	if malformed {
		if err := s.recover(syntaxErrorf(start, "malformed number %q", text), "number"); err != nil {
			return Token{}, err
		}
	}
	if clean == "" || clean == "+" || clean == "-" || clean == "." {
		return s.emit(Token{Type: TokenNumber, IsInt: true, Pos: start})
	}
	if !bytes.ContainsRune([]byte(clean), '.') {
		i, err := strconv.ParseInt(clean, 10, 64)
		if err == nil {
			return s.emit(Token{Type: TokenNumber, Int: i, Float: float64(i), IsInt: true, Pos: start})
		}
		if !errors.Is(err, strconv.ErrRange) {
			if rerr := s.recover(syntaxErrorf(start, "invalid integer %q", text), "number"); rerr != nil {
				return Token{}, rerr
			}
			return s.emit(Token{Type: TokenNumber, IsInt: true, Pos: start})
		}
		if rerr := s.recover(syntaxErrorf(start, "integer %q overflows", text), "number"); rerr != nil {
			return Token{}, rerr
		}
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		if rerr := s.recover(syntaxErrorf(start, "invalid real %q", text), "number"); rerr != nil {
			return Token{}, rerr
		}
		return s.emit(Token{Type: TokenNumber, IsInt: true, Pos: start})
	}
	return s.emit(Token{Type: TokenNumber, Float: f, Int: int64(f), Pos: start})
}

func normalizeNumber(text string) (string, bool) {
	i := 0
	malformed := false
	var sign byte
	for i < len(text) && (text[i] == '+' || text[i] == '-') {
		if sign != 0 {
			malformed = true
		}
		sign = text[i]
		i++
	}
	var out []byte
	if sign == '-' {
		out = append(out, '-')
	}
	dot := false
	for ; i < len(text); i++ {
		c := text[i]
		if c == '.' {
			if dot {
				return string(out), true
			}
			dot = true
			out = append(out, c)
			continue
		}
		if c < '0' || c > '9' {
			return string(out), true
		}
		out = append(out, c)
	}
	return string(out), malformed
}

func (s *Scanner) scanNumberString() string {
	start := s.pos
	seenDigit := false
	for s.pos < int64(len(s.data)) {
		c := s.data[s.pos]
		if c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') {
			if c >= '0' && c <= '9' {
				seenDigit = true
			}
			s.pos++
			continue
		}
		break
	}
	if !seenDigit {
		s.pos = start
		return ""
	}
	return string(s.data[start:s.pos])
}

// recover consults the recovery strategy. A nil return means the caller
// should continue with its best-effort value.
func (s *Scanner) recover(err error, loc string) error {
	if s.cfg.Recovery == nil {
		return err
	}
	location := s.recLoc
	var se *SyntaxError
	if errors.As(err, &se) {
		location.ByteOffset = se.Offset
	} else {
		location.ByteOffset = s.pos
	}
	if location.Component == "" {
		location.Component = diag.ComponentTokenizer
	}
	s.lastAction = s.cfg.Recovery.OnError(nil, err, location)
	switch s.lastAction {
	case recovery.ActionSkip, recovery.ActionFix:
		return nil
	default:
		return err
	}
}

func (s *Scanner) emit(tok Token) (Token, error) {
	tok.End = s.pos
	return tok, nil
}

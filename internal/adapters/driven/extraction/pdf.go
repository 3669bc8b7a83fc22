package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/filter"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

var errNoText = errors.New("no text streams found")

// primaryText parses the document with pdfcpu and reads every page's
// decoded content stream.
func primaryText(content []byte) (text string, meta domain.DocumentMetadata, err error) {
	// pdfcpu panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdfcpu: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(content), conf)
	if err != nil {
		return "", domain.DocumentMetadata{}, fmt.Errorf("read pdf: %w", err)
	}

	meta = domain.DocumentMetadata{
		PageCount: pctx.PageCount,
		Title:     pctx.Title,
		Author:    pctx.Author,
		Subject:   pctx.Subject,
	}

	var b strings.Builder
	for page := 1; page <= pctx.PageCount; page++ {
		r, err := pdfcpu.ExtractPageContent(pctx, page)
		if err != nil {
			return "", meta, fmt.Errorf("page %d: %w", page, err)
		}
		if r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return "", meta, fmt.Errorf("page %d: %w", page, err)
		}
		if page > 1 {
			b.WriteString("\n\n")
		}
		b.WriteString(contentText(raw))
	}
	return b.String(), meta, nil
}

// fallbackText scans the file for stream objects without trusting the
// cross-reference table, inflating Flate streams where possible. It
// returns the text and the number of streams that carried any.
func fallbackText(content []byte) (string, int, error) {
	var parts []string
	rest := content
	for {
		start := bytes.Index(rest, []byte("stream"))
		if start < 0 {
			break
		}
		// Skip the "endstream" keyword itself.
		if start >= 3 && bytes.HasSuffix(rest[:start], []byte("end")) {
			rest = rest[start+len("stream"):]
			continue
		}
		body := rest[start+len("stream"):]
		body = bytes.TrimLeft(body, "\r")
		body = bytes.TrimPrefix(body, []byte("\n"))
		end := bytes.Index(body, []byte("endstream"))
		if end < 0 {
			break
		}
		data := bytes.TrimRight(body[:end], "\r\n")
		rest = body[end+len("endstream"):]

		if !bytes.Contains(data, []byte("BT")) {
			if inflated, ok := inflate(data); ok {
				data = inflated
			}
		}
		if !bytes.Contains(data, []byte("BT")) {
			continue
		}
		if text := strings.TrimSpace(contentText(data)); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", 0, errNoText
	}
	return strings.Join(parts, "\n\n"), len(parts), nil
}

func inflate(data []byte) ([]byte, bool) {
	f, err := filter.NewFilter(filter.Flate, nil)
	if err != nil {
		return nil, false
	}
	r, err := f.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	out, err := io.ReadAll(r)
	if err != nil || len(out) == 0 {
		return nil, false
	}
	return out, true
}

// contentText recovers the strings shown by the text operators of a page
// content stream. Line breaks follow T*, ', " and vertical Td/TD moves;
// large negative TJ kerning becomes a space.
func contentText(stream []byte) string {
	var (
		b       strings.Builder
		operand []string
		numbers []float64
		inText  bool
	)
	newline := func() {
		s := b.String()
		if s != "" && !strings.HasSuffix(s, "\n") {
			b.WriteByte('\n')
		}
	}
	show := func(s string) {
		if s != "" {
			b.WriteString(s)
		}
	}

	lx := &lexer{data: stream}
	for {
		tok, kind := lx.next()
		if kind == tokEOF {
			break
		}
		switch kind {
		case tokString:
			operand = append(operand, tok)
		case tokNumber:
			n, _ := strconv.ParseFloat(tok, 64)
			numbers = append(numbers, n)
		case tokArray:
			operand = append(operand, tok)
		case tokOperator:
			switch tok {
			case "BT":
				inText = true
			case "ET":
				inText = false
				newline()
			case "Tj":
				if inText && len(operand) > 0 {
					show(operand[len(operand)-1])
				}
			case "TJ":
				if inText && len(operand) > 0 {
					show(operand[len(operand)-1])
				}
			case "'", "\"":
				if inText {
					newline()
					if len(operand) > 0 {
						show(operand[len(operand)-1])
					}
				}
			case "T*":
				newline()
			case "Td", "TD":
				if len(numbers) >= 2 && numbers[len(numbers)-1] != 0 {
					newline()
				} else if len(numbers) >= 2 && numbers[len(numbers)-2] > 0 {
					b.WriteByte(' ')
				}
			}
			operand = operand[:0]
			numbers = numbers[:0]
		}
	}
	return b.String()
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokString
	tokNumber
	tokArray
	tokOperator
	tokOther
)

// lexer is a minimal PDF content stream tokenizer. TJ arrays are folded
// into a single string token.
type lexer struct {
	data []byte
	pos  int
}

func (l *lexer) next() (string, tokenKind) {
	for {
		l.skipSpace()
		if l.pos >= len(l.data) {
			return "", tokEOF
		}
		c := l.data[l.pos]
		switch {
		case c == '%':
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
			continue
		case c == '(':
			l.pos++
			return l.literal(), tokString
		case c == '<' && l.peek(1) == '<':
			l.pos += 2
			return "<<", tokOther
		case c == '>' && l.peek(1) == '>':
			l.pos += 2
			return ">>", tokOther
		case c == '<':
			l.pos++
			return l.hex(), tokString
		case c == '[':
			l.pos++
			return l.array(), tokArray
		case c == ']' || c == '{' || c == '}' || c == ')' || c == '>':
			l.pos++
			return string(c), tokOther
		case c == '/':
			l.pos++
			return l.word(), tokOther
		case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
			return l.word(), tokNumber
		default:
			w := l.word()
			if w == "" {
				l.pos++
				continue
			}
			if w == "BI" {
				l.skipInlineImage()
				continue
			}
			return w, tokOperator
		}
	}
}

func (l *lexer) peek(off int) byte {
	if l.pos+off < len(l.data) {
		return l.data[l.pos+off]
	}
	return 0
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.data) && isSpace(l.data[l.pos]) {
		l.pos++
	}
}

func (l *lexer) word() string {
	start := l.pos
	for l.pos < len(l.data) && !isSpace(l.data[l.pos]) && !isDelim(l.data[l.pos]) {
		l.pos++
	}
	return string(l.data[start:l.pos])
}

func (l *lexer) literal() string {
	var b strings.Builder
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '\\':
			if l.pos >= len(l.data) {
				return b.String()
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b', 'f':
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						v = v*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					b.WriteRune(rune(v & 0xff))
				} else {
					b.WriteByte(e)
				}
			}
		case '(':
			depth++
			b.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return b.String()
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (l *lexer) hex() string {
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		if c := l.data[l.pos]; !isSpace(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++ // '>'
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, 0, len(digits)/2)
	for i := 0; i+1 < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			return ""
		}
		raw = append(raw, byte(v))
	}
	// Two-byte glyph codes (UTF-16BE with BOM) are common for CID fonts.
	if len(raw) >= 2 && raw[0] == 0xfe && raw[1] == 0xff {
		return decodeUTF16(raw[2:])
	}
	var b strings.Builder
	for _, c := range raw {
		if c >= 0x20 || c == '\n' || c == '\t' {
			b.WriteRune(rune(c))
		}
	}
	return b.String()
}

func decodeUTF16(raw []byte) string {
	var b strings.Builder
	for i := 0; i+1 < len(raw); i += 2 {
		b.WriteRune(rune(raw[i])<<8 | rune(raw[i+1]))
	}
	return b.String()
}

// array folds a TJ array into its shown text.
func (l *lexer) array() string {
	var b strings.Builder
	for {
		tok, kind := l.next()
		switch {
		case kind == tokEOF:
			return b.String()
		case kind == tokOther && tok == "]":
			return b.String()
		case kind == tokString:
			b.WriteString(tok)
		case kind == tokNumber:
			if n, err := strconv.ParseFloat(tok, 64); err == nil && n < -200 {
				b.WriteByte(' ')
			}
		}
	}
}

func (l *lexer) skipInlineImage() {
	if idx := bytes.Index(l.data[l.pos:], []byte("EI")); idx >= 0 {
		l.pos += idx + 2
		return
	}
	l.pos = len(l.data)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func isDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

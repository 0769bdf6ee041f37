package wire

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// IRC formatting control bytes.
const (
	fmtBold      = 0x02
	fmtColor     = 0x03
	fmtReset     = 0x0f
	fmtReverse   = 0x16
	fmtItalic    = 0x1d
	fmtUnderline = 0x1f
)

// StripFormat returns a copy of s with mIRC-style formatting control
// bytes removed: bold, italic, underline, reset, reverse and the color
// code with its optional "fg[,bg]" numeric tail of one or two digits
// each.
func StripFormat(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case fmtBold, fmtItalic, fmtUnderline, fmtReset, fmtReverse:
		case fmtColor:
			i += colorTail(s[i+1:])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// colorTail returns the length of the numeric "fg[,bg]" tail following
// a color control byte.
func colorTail(s string) int {
	n := digits(s)
	if n == 0 {
		return 0
	}
	if n < len(s) && s[n] == ',' {
		if bg := digits(s[n+1:]); bg > 0 {
			return n + 1 + bg
		}
	}
	return n
}

// digits counts up to two leading ASCII digits.
func digits(s string) int {
	n := 0
	for n < len(s) && n < 2 && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	return n
}

// ToUTF8 interprets b as UTF-8 when valid, falling back to ISO 8859-1
// otherwise. Some servers and clients still send Latin-1; the fallback
// decode cannot fail, so malformed lines stay readable.
func ToUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

const ctcpDelim = "\x01"

// CTCP frames body as a CTCP query of the given kind, e.g.
// CTCP("ACTION", "waves") for a /me.
func CTCP(kind, body string) string {
	if body == "" {
		return ctcpDelim + kind + ctcpDelim
	}
	return ctcpDelim + kind + " " + body + ctcpDelim
}

// ParseCTCP recognizes a CTCP-framed PRIVMSG/NOTICE body and returns
// its kind and payload. ok is false for plain text.
func ParseCTCP(text string) (kind, body string, ok bool) {
	if !strings.HasPrefix(text, ctcpDelim) {
		return "", "", false
	}
	text = strings.TrimPrefix(text, ctcpDelim)
	text = strings.TrimSuffix(text, ctcpDelim)
	if text == "" {
		return "", "", false
	}
	if sp := strings.IndexByte(text, ' '); sp >= 0 {
		return text[:sp], text[sp+1:], true
	}
	return text, "", true
}

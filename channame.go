package tabby

import "strings"

// ChanName is an IRC channel name. The name is kept as received for
// display and compared case-folded: ASCII letters fold as usual and,
// per the RFC 2812 "strict" casemapping, {}|^ are the lower-case
// equivalents of []\~. Non-ASCII bytes compare byte-exactly.
type ChanName struct {
	display string
	folded  string
}

// NewChanName wraps a channel name as received from the server or the
// embedder.
func NewChanName(name string) ChanName {
	return ChanName{display: name, folded: foldChan(name)}
}

// IsChanName reports whether name looks like a channel: "#", "&", "+"
// or "!" prefixed.
func IsChanName(name string) bool {
	return len(name) > 0 && strings.IndexByte("#&+!", name[0]) >= 0
}

// String returns the name as received.
func (c ChanName) String() string { return c.display }

// Key returns the case-folded form, suitable as a map key.
func (c ChanName) Key() string { return c.folded }

// Eq reports whether two channel names refer to the same channel.
func (c ChanName) Eq(other ChanName) bool { return c.folded == other.folded }

func foldChan(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b.WriteByte(foldByte(s[i]))
	}
	return b.String()
}

func foldByte(c byte) byte {
	switch {
	case c >= 'A' && c <= 'Z':
		return c + ('a' - 'A')
	case c == '[':
		return '{'
	case c == ']':
		return '}'
	case c == '\\':
		return '|'
	case c == '~':
		return '^'
	default:
		return c
	}
}

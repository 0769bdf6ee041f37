package tabby

import (
	"unicode"
	"unicode/utf8"

	"github.com/ugjka/tabby/wire"
)

// maxQueueBytes bounds the outgoing queue. Past it, message commands
// are rejected with ErrBackpressure; Quit is always accepted.
const maxQueueBytes = 64 * 1024

// defaultPrefixLen is the allowance for our own "nick!user@host"
// prefix when sizing outgoing PRIVMSG lines before the server has
// shown us our usermask. splitPayload counts the ':' and the space
// around it separately.
const defaultPrefixLen = 100

// outQueue is the ordered set of serialized lines waiting for the
// socket. Every line already ends in CRLF and fits in wire.MaxLine;
// splitting happened before enqueue. Lines leave whole and in order.
type outQueue struct {
	lines [][]byte
	size  int
}

func (q *outQueue) pushBack(line []byte) {
	q.lines = append(q.lines, line)
	q.size += len(line)
}

// pushFront puts a line at the head of the queue. Used for keepalive
// PINGs so they are not delayed behind a long backlog.
func (q *outQueue) pushFront(line []byte) {
	q.lines = append([][]byte{line}, q.lines...)
	q.size += len(line)
}

func (q *outQueue) head() []byte {
	if len(q.lines) == 0 {
		return nil
	}
	return q.lines[0]
}

func (q *outQueue) pop() {
	if len(q.lines) == 0 {
		return
	}
	q.size -= len(q.lines[0])
	q.lines = q.lines[1:]
}

func (q *outQueue) len() int   { return len(q.lines) }
func (q *outQueue) bytes() int { return q.size }

func (q *outQueue) clear() {
	q.lines = nil
	q.size = 0
}

// splitPayload splits text so that each piece fits a single
// "<prefix> <command> <target> :<piece>" line within wire.MaxLine,
// prefixLen being the allowance for our own prefix. Concatenating the
// pieces yields text byte-exactly.
func splitPayload(command, target, text string, prefixLen int) []string {
	// ":" + prefix + " " + command + " " + target + " :" + text + "\r\n"
	overhead := 1 + prefixLen + 1 + len(command) + 1 + len(target) + 2 + 2
	return splitChunks(text, wire.MaxLine-overhead)
}

// splitChunks cuts s into chunks of at most max bytes, preferring to
// cut just after a whitespace character and falling back to the
// nearest UTF-8 code point boundary.
func splitChunks(s string, max int) []string {
	if max <= 0 {
		return nil
	}
	var out []string
	for len(s) > max {
		split := 0
		for i, r := range s {
			if i > max {
				break
			}
			if !unicode.IsSpace(r) {
				continue
			}
			if i+utf8.RuneLen(r) <= max {
				split = i + utf8.RuneLen(r)
			} else if i > 0 {
				split = i
			}
		}
		if split == 0 {
			for i := max; i > 0; i-- {
				if utf8.RuneStart(s[i]) {
					split = i
					break
				}
			}
		}
		if split == 0 {
			// single multi-byte rune wider than max; emit it whole
			// rather than corrupting it
			_, split = utf8.DecodeRuneInString(s)
		}
		out = append(out, s[:split])
		s = s[split:]
	}
	return append(out, s)
}

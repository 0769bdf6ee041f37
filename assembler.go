package tabby

import "bytes"

// maxAssemblerBuf bounds the unterminated inbound buffer. A peer that
// exceeds it is desynced from the line protocol; the buffer is dropped
// and assembly restarts at the next byte.
const maxAssemblerBuf = 8192

// assembler accumulates inbound bytes and yields complete
// CRLF-delimited lines. A bare CR or LF inside a line is replaced with
// a space so RFC-violating server lines survive without truncation.
// Tabs pass through untouched; rendering them is the embedder's
// concern.
type assembler struct {
	buf []byte
}

// push appends read bytes.
func (a *assembler) push(b []byte) {
	a.buf = append(a.buf, b...)
}

// overflowed reports whether the unterminated remainder exceeds the
// buffer limit, resetting it when so. Check after draining next().
func (a *assembler) overflowed() bool {
	if len(a.buf) > maxAssemblerBuf {
		a.buf = a.buf[:0]
		return true
	}
	return false
}

// next returns the next complete line without its CRLF, or nil.
func (a *assembler) next() []byte {
	idx := bytes.Index(a.buf, []byte("\r\n"))
	if idx < 0 {
		return nil
	}
	line := make([]byte, idx)
	copy(line, a.buf[:idx])
	a.buf = a.buf[idx+2:]
	for i, c := range line {
		if c == '\r' || c == '\n' {
			line[i] = ' '
		}
	}
	return line
}

// reset drops any buffered partial line. Called on disconnect.
func (a *assembler) reset() {
	a.buf = nil
}

package stream

import "bytes"

const MaxLineBytes = 1 << 20

// LineBuffer splits a byte stream on '\n' and holds the incomplete tail.
type LineBuffer struct {
	buf []byte
	max int
}

func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = MaxLineBytes
	}
	return &LineBuffer{max: max}
}

// Write appends chunk and returns every line it completed, without the
// trailing "\n" or "\r\n".
func (b *LineBuffer) Write(chunk []byte) ([]string, error) {
	b.buf = append(b.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(b.buf[:i], []byte{'\r'})
		lines = append(lines, string(line))
		b.buf = b.buf[i+1:]
	}

	if len(b.buf) > b.max {
		b.buf = nil
		return lines, ErrFrameTooLarge
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines, nil
}

// Flush returns the pending tail, if any, and resets the buffer.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(b.buf, []byte{'\r'}))
	b.buf = nil
	return line, true
}

func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

package frame

import (
	"encoding/binary"
	"errors"
)

var errShortBuffer = errors.New("frame: short buffer")

// cursor is a bounds-checked reader over an in-memory message.
type cursor struct {
	buf []byte
	off int
}

func newCursor(buf []byte) *cursor {
	return &cursor{buf: buf}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) readUint32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, errShortBuffer
	}
	v := binary.BigEndian.Uint32(c.buf[c.off : c.off+4])
	c.off += 4
	return v, nil
}

// readN returns the next n bytes. When fewer than n remain it consumes and
// returns what is left together with errShortBuffer.
func (c *cursor) readN(n uint32) ([]byte, error) {
	if uint64(n) > uint64(c.remaining()) {
		out := c.buf[c.off:]
		c.off = len(c.buf)
		return out, errShortBuffer
	}
	end := c.off + int(n)
	out := c.buf[c.off:end]
	c.off = end
	return out, nil
}

// rest consumes everything left into a newly allocated, non-nil slice.
func (c *cursor) rest() []byte {
	out := make([]byte, c.remaining())
	copy(out, c.buf[c.off:])
	c.off = len(c.buf)
	return out
}

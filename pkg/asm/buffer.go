package asm

import (
	"fmt"
	"io"
)

// Buffer is an in-memory write-and-seek sink, so assembly can run without a
// file (bytes.Buffer cannot seek, which the fixup pass needs).
type Buffer struct {
	data []byte
	pos  int64
}

// Write writes at the current position, growing the buffer as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if grow := end - int64(len(b.data)); grow > 0 {
		b.data = append(b.data, make([]byte, grow)...)
	}
	copy(b.data[b.pos:end], p)
	b.pos = end
	return len(p), nil
}

// Seek implements io.Seeker over the buffered bytes.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = b.pos + offset
	case io.SeekEnd:
		pos = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative seek position %d", pos)
	}
	b.pos = pos
	return pos, nil
}

// Bytes returns the assembled output.
func (b *Buffer) Bytes() []byte { return b.data }

package file

import (
	"io"
	"sync"
)

const copyBufferSize = 256 << 10

var copyBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, copyBufferSize)
		return &buf
	},
}

// Copy copies from src to dst until EOF or error using a pooled buffer.
// It returns the number of bytes written.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	bufp, ok := copyBufPool.Get().(*[]byte)
	if !ok {
		b := make([]byte, copyBufferSize)
		bufp = &b
	}
	defer copyBufPool.Put(bufp)

	// Hide any ReaderFrom/WriterTo so the pooled buffer is what gets used.
	return io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, *bufp)
}

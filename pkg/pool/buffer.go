// Package pool caches fixed size I/O buffers shared by the concurrent source
// pipelines, so archiving and encrypting N sources does not allocate N fresh copy
// buffers per file.
package pool

import (
	"io"
	"sync"
)

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int
	pool sync.Pool
}

// NewFixedBuffer creates a pool of buffers of size bytes.
func NewFixedBuffer(size int) *FixedBufferPool {
	fp := &FixedBufferPool{size: size}
	fp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return fp
}

// Size returns the length of the buffers in the pool.
func (fp *FixedBufferPool) Size() int {
	return fp.size
}

// Get returns a buffer of exactly Size bytes.
func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers of a foreign size are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}

// Copy is io.CopyBuffer with a pooled buffer.
func (fp *FixedBufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := fp.Get()
	defer fp.Put(bufPtr)
	return io.CopyBuffer(dst, src, *bufPtr)
}

// CopyN copies exactly n bytes or until an error, using a pooled buffer.
func (fp *FixedBufferPool) CopyN(dst io.Writer, src io.Reader, n int64) (int64, error) {
	bufPtr := fp.Get()
	defer fp.Put(bufPtr)
	written, err := io.CopyBuffer(dst, io.LimitReader(src, n), *bufPtr)
	if written == n {
		return written, nil
	}
	if written < n && err == nil {
		err = io.EOF
	}
	return written, err
}

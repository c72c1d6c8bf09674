package util

import "sync"

// BufPool provides reusable byte buffers for stream I/O, reducing GC
// pressure in copy loops and channel readers.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// GetBufSize returns a pooled buffer sliced to size when it fits, or a
// freshly allocated one otherwise.  Pass the result to [PutBuf] either
// way; oversized buffers are simply dropped.
func GetBufSize(size int) *[]byte {
	if size <= 0 || size > DefaultBufSize {
		buf := make([]byte, size)
		return &buf
	}
	buf := GetBuf()
	b := (*buf)[:size]
	return &b
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil || cap(*buf) != DefaultBufSize {
		return
	}
	b := (*buf)[:DefaultBufSize]
	BufPool.Put(&b)
}

package regionview

import (
	"sync"
)

// Buffer pools for compressed tile and strip reads. Each class pools slices
// of exactly its size so PutBuffer can route by capacity.
var bufferClasses = []int{
	64 * 1024,       // small tiles
	256 * 1024,      // 256x256 RGB tiles
	1024 * 1024,     // 512x512 tiles or strips
	4 * 1024 * 1024, // large strips
}

var bufferPools = func() []*sync.Pool {
	pools := make([]*sync.Pool, len(bufferClasses))
	for i, size := range bufferClasses {
		size := size
		pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return pools
}()

// GetBuffer returns a byte slice of length size. Its capacity may be larger.
// Call PutBuffer when done.
func GetBuffer(size int) []byte {
	for i, class := range bufferClasses {
		if size <= class {
			bufPtr := bufferPools[i].Get().(*[]byte)
			return (*bufPtr)[:size]
		}
	}
	// Too large to pool
	return make([]byte, size)
}

// PutBuffer returns a buffer obtained from GetBuffer to its pool. The buffer
// must not be used afterwards.
func PutBuffer(buf []byte) {
	c := cap(buf)
	for i, class := range bufferClasses {
		if c == class {
			buf = buf[:c]
			bufferPools[i].Put(&buf)
			return
		}
	}
}

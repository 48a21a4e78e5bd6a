package proxy

import (
	"net/http/httputil"
	"sync"
)

// bufferSize is the relay chunk size; every read of up to this many bytes
// is written to the peer before the next read.
const bufferSize = 8192

var relayBuffers = NewBufferPool(bufferSize)

type bufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte buffers.
func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	// &b costs one small heap allocation; a non-pointer cannot be stored in the pool without it.
	p.pool.Put(&b)
}

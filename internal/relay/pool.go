package relay

import (
	"sync"

	"github.com/die-net/rps/internal/proto"
)

// buffers recycles context read buffers across sessions and loops.
var buffers = newBufferPool(proto.ReadBufferSize)

// bufferPool hands out fixed-size buffers.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) get() []byte {
	return *p.pool.Get().(*[]byte)
}

// put returns b to the pool. Buffers of another capacity are dropped.
func (p *bufferPool) put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	// This &b forces a 32-byte heap allocation.
	p.pool.Put(&b)
}

package bus

import "sync"

// bufferPool hands out byte slices sized to the cluster's message_size_max,
// reused across received messages instead of allocated per message. Every
// connection's read loop borrows a body buffer from here and returns it as
// soon as the handler for that message returns; sends do not use the pool.
type bufferPool struct {
	pool sync.Pool
	size int
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{
		pool: sync.Pool{New: func() any { return make([]byte, size) }},
		size: size,
	}
}

// get returns a buffer of exactly p.size bytes. Callers that need fewer
// bytes slice it down; the underlying array is still pool-sized so it can
// be returned with put.
func (p *bufferPool) get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.size {
		return make([]byte, p.size)
	}
	return buf[:p.size]
}

func (p *bufferPool) put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	p.pool.Put(buf[:p.size])
}

package link

// BufferPool is a fixed-capacity free list of equally sized frame buffers.
// Get never blocks: when every pooled buffer is in use a new one is
// allocated, and Put drops buffers beyond the pool's capacity.
type BufferPool struct {
	size int
	free chan []byte
}

// NewBufferPool preallocates count buffers of size bytes each.
func NewBufferPool(count, size int) *BufferPool {
	if count < 1 {
		count = 1
	}
	if size < 1 {
		size = 1
	}
	p := &BufferPool{size: size, free: make(chan []byte, count)}
	for i := 0; i < count; i++ {
		p.free <- make([]byte, size)
	}
	return p
}

// Size is the capacity of each buffer, which is also the largest frame
// payload a Conn using this pool accepts.
func (p *BufferPool) Size() int { return p.size }

// Available returns the number of idle buffers.
func (p *BufferPool) Available() int { return len(p.free) }

func (p *BufferPool) Get() []byte {
	select {
	case b := <-p.free:
		return b[:p.size]
	default:
		return make([]byte, p.size)
	}
}

func (p *BufferPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	select {
	case p.free <- b[:p.size]:
	default:
	}
}

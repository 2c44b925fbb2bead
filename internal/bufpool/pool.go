package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out chunk buffers of one fixed size. A buffer may be reused as
// soon as it is returned, so callers must not keep references to it after
// Put.
type Pool struct {
	pool    sync.Pool
	size    int
	allocs  atomic.Int64
	reuses  atomic.Int64
	dropped atomic.Int64
}

// New returns a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	return &Pool{size: size}
}

// Get returns a buffer of exactly Size bytes. Its contents are undefined.
func (p *Pool) Get() *[]byte {
	if v := p.pool.Get(); v != nil {
		p.reuses.Add(1)
		return v.(*[]byte)
	}
	p.allocs.Add(1)
	buf := make([]byte, p.size)
	return &buf
}

// Put returns buf to the pool. Buffers of another size are dropped.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != p.size {
		p.dropped.Add(1)
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}

// Size returns the buffer size.
func (p *Pool) Size() int {
	return p.size
}

// Stats counts pool activity.
type Stats struct {
	Allocs  int64
	Reuses  int64
	Dropped int64
}

// Stats returns the counters since New.
func (p *Pool) Stats() Stats {
	return Stats{
		Allocs:  p.allocs.Load(),
		Reuses:  p.reuses.Load(),
		Dropped: p.dropped.Load(),
	}
}

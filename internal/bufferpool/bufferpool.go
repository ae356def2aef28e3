// Package bufferpool pools fixed-size byte buffers to avoid an
// allocation per received block during piece transfer.
package bufferpool

import "sync"

// Pool hands out Buffers backed by a sync.Pool of byte slices of a
// single fixed capacity.
type Pool struct {
	pool sync.Pool
}

// New returns a Pool of buffers with capacity buflen.
func New(buflen int) *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, buflen)
				return &b
			},
		},
	}
}

// Get returns a Buffer whose Data is sized to datalen, which must not
// exceed the pool's buflen. Release it once done.
func (p *Pool) Get(datalen int) Buffer {
	buf := p.pool.Get().(*[]byte)
	return Buffer{Data: (*buf)[:datalen], buf: buf, pool: p}
}

// Buffer is a pooled byte slice.
type Buffer struct {
	Data []byte
	buf  *[]byte
	pool *Pool
}

// Release returns the buffer to its pool.
func (b Buffer) Release() {
	b.pool.pool.Put(b.buf)
}

package mproxy

import "sync"

// BufPool 中转缓冲池。splice和body搬运的临时缓冲都从这里拿，
// 所有出口路径必须归还，否则高并发下分配压力会直接体现在GC上。
type BufPool struct {
	size int
	pool sync.Pool
}

func NewBufPool(size int) *BufPool {
	if size <= 0 {
		size = 8192
	}
	p := &BufPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *BufPool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

func (p *BufPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

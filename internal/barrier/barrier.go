package barrier

import "sync"

// Barrier 可重复使用的屏障，n 个参与者全部到达后一起放行
// 每一代都会选出一个 leader：本代到达者中 id 最小的那个
type Barrier struct {
	n    int
	mu   sync.Mutex
	cond *sync.Cond

	gen     uint64
	count   int
	lowest  int
	elected int
}

func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait 阻塞直到本代所有参与者到达；返回调用者是否被选为 leader
func (b *Barrier) Wait(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	if b.count == 0 || id < b.lowest {
		b.lowest = id
	}
	b.count++

	if b.count == b.n {
		b.elected = b.lowest
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return id == b.elected
	}

	for gen == b.gen {
		b.cond.Wait()
	}
	// 下一代要等本调用者再次到达才能完成，elected 在此之前不会被覆盖
	return id == b.elected
}

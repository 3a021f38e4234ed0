package barrier

import "sync"

// Region 并行区里每个线程执行的函数
type Region func(tid, nth int)

// Pool 固定数量的常驻 goroutine，每一步重新进入一次并行区
type Pool struct {
	n      int
	tasks  []chan Region
	region sync.WaitGroup
	exited sync.WaitGroup
}

func NewPool(n int) *Pool {
	p := &Pool{n: n, tasks: make([]chan Region, n)}
	p.exited.Add(n)
	for tid := range p.tasks {
		p.tasks[tid] = make(chan Region)
		go p.worker(tid)
	}
	return p
}

func (p *Pool) worker(tid int) {
	defer p.exited.Done()
	for fn := range p.tasks[tid] {
		fn(tid, p.n)
		p.region.Done()
	}
}

func (p *Pool) Size() int {
	return p.n
}

// Parallel 所有线程执行 fn，全部返回后才返回 (并行区结束处的隐式屏障)
func (p *Pool) Parallel(fn Region) {
	p.region.Add(p.n)
	for _, ch := range p.tasks {
		ch <- fn
	}
	p.region.Wait()
}

func (p *Pool) Close() {
	for _, ch := range p.tasks {
		close(ch)
	}
	p.exited.Wait()
}

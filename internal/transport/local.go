package transport

import "context"

// localComm 一个 rank 在 Hub 上的句柄，只允许一个 goroutine 使用
type localComm struct {
	hub    *Hub
	rank   int
	seq    uint64
	closed bool
}

// NewLocalGroup 在同一进程内创建 n 个 rank (每个 rank 一个 goroutine 使用)
func NewLocalGroup(n int) []Communicator {
	hub := NewHub(n)
	comms := make([]Communicator, n)
	for i := range comms {
		comms[i] = &localComm{hub: hub, rank: i}
	}
	return comms
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.hub.Size() }

func (c *localComm) Bcast(ctx context.Context, root int, v int64) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	c.seq++
	return c.hub.Bcast(ctx, c.seq, c.rank, root, v)
}

func (c *localComm) Gather(ctx context.Context, root int, v int64) ([]int64, error) {
	if c.closed {
		return nil, ErrClosed
	}
	c.seq++
	return c.hub.Gather(ctx, c.seq, c.rank, root, v)
}

func (c *localComm) Close() error {
	c.closed = true
	return nil
}

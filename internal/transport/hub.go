package transport

import (
	"context"
	"fmt"
	"sync"
)

type opKind int

const (
	opBcast opKind = iota + 1
	opGather
)

func (k opKind) String() string {
	if k == opBcast {
		return "bcast"
	}
	return "gather"
}

// round 是一次集合操作的汇合点
type round struct {
	kind     opKind
	root     int
	value    int64   // bcast: root 写入
	values   []int64 // gather: 按 rank 写入
	seen     []bool
	arrived  int
	left     int
	complete chan struct{}
}

// Hub 进程内的汇合中心；本地组直接使用，gRPC 服务端也是包在它外面
type Hub struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*round
}

func NewHub(size int) *Hub {
	return &Hub{size: size, rounds: make(map[uint64]*round)}
}

func (h *Hub) Size() int {
	return h.size
}

// Bcast 所有 rank 到齐后一起返回 root 的值
func (h *Hub) Bcast(ctx context.Context, seq uint64, rank, root int, v int64) (int64, error) {
	r, err := h.arrive(seq, opBcast, rank, root, func(r *round) {
		if rank == root {
			r.value = v
		}
	})
	if err != nil {
		return 0, err
	}
	if err := h.wait(ctx, seq, r); err != nil {
		return 0, err
	}
	return r.value, nil
}

// Gather 所有 rank 到齐后一起返回；只有 root 拿到结果
func (h *Hub) Gather(ctx context.Context, seq uint64, rank, root int, v int64) ([]int64, error) {
	r, err := h.arrive(seq, opGather, rank, root, func(r *round) {
		r.values[rank] = v
	})
	if err != nil {
		return nil, err
	}
	if err := h.wait(ctx, seq, r); err != nil {
		return nil, err
	}
	if rank != root {
		return nil, nil
	}
	out := make([]int64, len(r.values))
	copy(out, r.values)
	return out, nil
}

func (h *Hub) arrive(seq uint64, kind opKind, rank, root int, contribute func(*round)) (*round, error) {
	if rank < 0 || rank >= h.size || root < 0 || root >= h.size {
		return nil, fmt.Errorf("%w: rank %d root %d outside world of %d", ErrMismatch, rank, root, h.size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rounds[seq]
	if !ok {
		r = &round{
			kind:     kind,
			root:     root,
			values:   make([]int64, h.size),
			seen:     make([]bool, h.size),
			complete: make(chan struct{}),
		}
		h.rounds[seq] = r
	}

	switch {
	case r.kind != kind:
		return nil, fmt.Errorf("%w: round %d is %s, rank %d called %s", ErrMismatch, seq, r.kind, rank, kind)
	case r.root != root:
		return nil, fmt.Errorf("%w: round %d has root %d, rank %d used %d", ErrMismatch, seq, r.root, rank, root)
	case r.seen[rank]:
		return nil, fmt.Errorf("%w: rank %d joined round %d twice", ErrMismatch, rank, seq)
	}

	contribute(r)
	r.seen[rank] = true
	r.arrived++
	if r.arrived == h.size {
		close(r.complete)
	}
	return r, nil
}

func (h *Hub) wait(ctx context.Context, seq uint64, r *round) error {
	select {
	case <-r.complete:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	r.left++
	if r.left == h.size {
		delete(h.rounds, seq)
	}
	h.mu.Unlock()
	return nil
}

// pending 当前未结束的轮数 (测试用)
func (h *Hub) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

// Package transport 提供 collective 引擎依赖的集合通信底座
//
// 每个 rank 持有一个 Communicator。所有 rank 以相同的顺序调用集合操作，
// 各自的本地序号 (seq) 因此一一对应：第 k 次调用加入第 k 轮。
// 任意一方缺席时其余 rank 会一直阻塞，这里不做超时也不做重试。
package transport

import (
	"context"
	"errors"
)

var (
	ErrMismatch = errors.New("collective mismatch")
	ErrClosed   = errors.New("communicator closed")
)

// Communicator 是一个 rank 视角下的通信组
type Communicator interface {
	Rank() int
	Size() int

	// Bcast 由 root 提供 v，所有 rank (包括 root) 得到同一个值
	Bcast(ctx context.Context, root int, v int64) (int64, error)

	// Gather 收集每个 rank 的 v，按 rank 排序后只交给 root；其他 rank 得到 nil
	Gather(ctx context.Context, root int, v int64) ([]int64, error)

	Close() error
}

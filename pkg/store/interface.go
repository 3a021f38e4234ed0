package store

import (
	"context"
	"errors"

	"stepsync/pkg/model"
)

// ErrNotFound 表示该 run 还没有任何保存过的状态
var ErrNotFound = errors.New("run state not found")

// StateEventType 定义监听事件类型
type StateEventType int

const (
	StateUpdate StateEventType = iota
	StateDelete
)

// StateEvent 包装了一次状态变化
// supervisor 通过它观察计数器是否连续前进
type StateEvent struct {
	Type  StateEventType
	State *model.RunState
}

// StateStore 是引擎对存储层的全部需求：启动时读取，每步结束后写入
type StateStore interface {
	// LoadState 读取已保存的状态，不存在时返回 ErrNotFound
	LoadState(ctx context.Context, runID string) (*model.RunState, error)

	// SaveState 覆盖保存 (每完成一步调用一次)
	SaveState(ctx context.Context, state *model.RunState) error
}

// Store 在 StateStore 之上增加 supervisor 需要的操作
// 任何实现了这个接口的 Struct (EtcdManager, SQLStore ...) 都可以注入到 cmd 中
type Store interface {
	StateStore

	// WatchState 监听某个 run 的状态变化 (返回一个只读通道，ctx 结束时关闭)
	WatchState(ctx context.Context, runID string) <-chan StateEvent

	// DeleteState 删除状态，下次运行将从 0 开始
	DeleteState(ctx context.Context, runID string) error

	Close() error
}

// LoadOrNew 读取状态，不存在时返回一个新的 0 状态
func LoadOrNew(ctx context.Context, s StateStore, runID string, engine model.EngineKind, world int) (*model.RunState, error) {
	if s == nil {
		return model.NewRunState(runID, engine, world), nil
	}
	state, err := s.LoadState(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return model.NewRunState(runID, engine, world), nil
	}
	if err != nil {
		return nil, err
	}
	state.Engine = engine
	state.World = world
	return state, nil
}

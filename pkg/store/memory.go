package store

import (
	"context"
	"log"
	"sync"

	"stepsync/pkg/model"
)

// MemoryStore 进程内实现，默认运行和测试使用
type MemoryStore struct {
	mu       sync.Mutex
	states   map[string]model.RunState
	watchers map[string][]chan StateEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]model.RunState),
		watchers: make(map[string][]chan StateEvent),
	}
}

func (m *MemoryStore) LoadState(ctx context.Context, runID string) (*model.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &state, nil
}

func (m *MemoryStore) SaveState(ctx context.Context, state *model.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[state.RunID] = *state
	m.notify(state.RunID, StateEvent{Type: StateUpdate, State: copyState(state)})
	return nil
}

func (m *MemoryStore) DeleteState(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, runID)
	m.notify(runID, StateEvent{Type: StateDelete, State: &model.RunState{RunID: runID}})
	return nil
}

func (m *MemoryStore) WatchState(ctx context.Context, runID string) <-chan StateEvent {
	// 带缓冲，SaveState 持锁投递时不会被慢消费者卡住太久
	ch := make(chan StateEvent, 64)

	m.mu.Lock()
	m.watchers[runID] = append(m.watchers[runID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.watchers[runID]
		for i, w := range list {
			if w == ch {
				m.watchers[runID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryStore) Close() error {
	return nil
}

// notify 调用方必须持有 m.mu
// 缓冲满时丢掉最旧的一条再投递，慢消费者看到的是合并后的更新 (与轮询型存储相同)，
// 但最后一条一定是最新状态
func (m *MemoryStore) notify(runID string, ev StateEvent) {
	for _, ch := range m.watchers[runID] {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case old := <-ch:
			log.Printf("[Store] watcher on %s is behind, coalescing step_counter=%d", runID, old.State.StepCounter)
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func copyState(s *model.RunState) *model.RunState {
	c := *s
	return &c
}

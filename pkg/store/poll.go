package store

import (
	"context"
	"errors"
	"log"
	"time"

	"stepsync/pkg/model"
)

// DefaultPollInterval 没有原生 watch 的后端 (SQL, DynamoDB) 轮询的间隔
const DefaultPollInterval = 200 * time.Millisecond

type loadFunc func(ctx context.Context, runID string) (*model.RunState, error)

// pollWatch 用轮询模拟 watch：只在计数器或 offset 变化时投递事件
func pollWatch(ctx context.Context, runID string, interval time.Duration, load loadFunc) <-chan StateEvent {
	eventChan := make(chan StateEvent)

	go func() {
		defer close(eventChan)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *model.RunState
		for {
			state, err := load(ctx, runID)
			switch {
			case errors.Is(err, ErrNotFound):
				if last != nil {
					last = nil
					if !send(ctx, eventChan, StateEvent{Type: StateDelete, State: &model.RunState{RunID: runID}}) {
						return
					}
				}
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Store] poll %s failed: %v", runID, err)
			case last == nil || state.StepCounter != last.StepCounter || state.LogOffset != last.LogOffset:
				last = state
				if !send(ctx, eventChan, StateEvent{Type: StateUpdate, State: state}) {
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventChan
}

// Package supervisor 在进程外驱动挂起/恢复，并验证步进计数器的连续性
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"stepsync/pkg/model"
	"stepsync/pkg/store"
)

// DefaultResumeTimeout 恢复后等待计数器再次前进的最长时间
const DefaultResumeTimeout = time.Minute

type Agent struct {
	store   store.Store
	freezer Freezer
}

func NewAgent(s store.Store, f Freezer) *Agent {
	return &Agent{store: s, freezer: f}
}

// Watch 持续观察某个 run 的计数器并校验连续性，直到 ctx 结束或 run 达到 maxSteps
// maxSteps <= 0 表示一直观察
func (a *Agent) Watch(ctx context.Context, runID string, maxSteps int64, v *Verifier) error {
	log.Printf("[Supervisor] watching run %s...", runID)

	for event := range a.store.WatchState(ctx, runID) {
		if event.Type == store.StateDelete {
			log.Printf("[Supervisor] run %s state deleted", runID)
			continue
		}

		counter := event.State.StepCounter
		if err := v.Observe(counter); err != nil {
			log.Printf("[Supervisor] ❌ %v", err)
		} else {
			log.Printf("[Supervisor] run %s step_counter=%d", runID, counter)
		}
		if maxSteps > 0 && counter >= maxSteps {
			return nil
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type CycleOptions struct {
	RunID         string
	Target        string        // 容器 ID 或 pid
	Hold          time.Duration // 冻结保持的时间
	Settle        time.Duration // 冻结后等待在途写入落盘，再读取冻结值
	ResumeTimeout time.Duration
	AllowCoalesce bool
}

// Report 一次挂起/恢复周期的观测结果
type Report struct {
	Before     int64 // 冻结前最后一次快照
	Frozen     int64 // 冻结期间的值 (保持期间不应变化)
	After      int64 // 恢复后第一次前进到的值
	Held       time.Duration
	Violations []Violation
}

func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// Cycle 快照 -> 冻结 -> 保持 -> 确认计数器未动 -> 恢复 -> 等待下一步 -> 校验连续性
func (a *Agent) Cycle(ctx context.Context, opts CycleOptions) (Report, error) {
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = DefaultResumeTimeout
	}
	var rep Report
	v := &Verifier{AllowCoalesce: opts.AllowCoalesce}

	// 先开始 watch，避免漏掉恢复后的第一次前进
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := a.store.WatchState(wctx, opts.RunID)

	// 1. 冻结前的快照
	before, err := a.load(ctx, opts.RunID)
	if err != nil {
		return rep, err
	}
	rep.Before = before.StepCounter

	// 2. 冻结
	if err := a.freezer.Freeze(ctx, opts.Target); err != nil {
		return rep, fmt.Errorf("freeze %s: %w", opts.Target, err)
	}
	if p, ok := a.freezer.(interface {
		Paused(context.Context, string) (bool, error)
	}); ok {
		if paused, err := p.Paused(ctx, opts.Target); err == nil && !paused {
			return rep, fmt.Errorf("target %s did not freeze", opts.Target)
		}
	}

	// 3. 保持期间计数器必须静止 (冻结时可能正好有一次保存在途，所以以冻结后的读数为准)
	start := time.Now()
	if err := sleep(ctx, opts.Settle); err != nil {
		return rep, err
	}
	frozen, err := a.load(ctx, opts.RunID)
	if err != nil {
		return rep, err
	}
	if err := sleep(ctx, opts.Hold); err != nil {
		return rep, err
	}
	stillFrozen, err := a.load(ctx, opts.RunID)
	if err != nil {
		return rep, err
	}
	rep.Frozen = stillFrozen.StepCounter
	rep.Held = time.Since(start)
	if stillFrozen.StepCounter != frozen.StepCounter {
		rep.Violations = append(rep.Violations, Violation{Kind: Moved, Prev: frozen.StepCounter, Got: stillFrozen.StepCounter})
	}
	if err := v.Observe(rep.Before); err != nil {
		rep.Violations = append(rep.Violations, err.(Violation))
	}
	if rep.Frozen != rep.Before {
		if err := v.Observe(rep.Frozen); err != nil {
			rep.Violations = append(rep.Violations, err.(Violation))
		}
	}

	// 4. 恢复
	if err := a.freezer.Thaw(ctx, opts.Target); err != nil {
		return rep, fmt.Errorf("thaw %s: %w", opts.Target, err)
	}
	log.Printf("[Supervisor] %s held %v at step_counter=%d, resumed", opts.Target, rep.Held.Round(time.Millisecond), rep.Frozen)

	// 5. 等计数器越过冻结值
	timeout := time.NewTimer(opts.ResumeTimeout)
	defer timeout.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return rep, fmt.Errorf("watch on %s closed before resume", opts.RunID)
			}
			if ev.Type != store.StateUpdate || ev.State.StepCounter <= rep.Frozen {
				continue
			}
			rep.After = ev.State.StepCounter
			if err := v.Observe(rep.After); err != nil {
				rep.Violations = append(rep.Violations, err.(Violation))
			}
			return rep, nil
		case <-timeout.C:
			return rep, fmt.Errorf("run %s did not advance past %d within %v", opts.RunID, rep.Frozen, opts.ResumeTimeout)
		case <-ctx.Done():
			return rep, ctx.Err()
		}
	}
}

func (a *Agent) load(ctx context.Context, runID string) (*model.RunState, error) {
	state, err := a.store.LoadState(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewRunState(runID, "", 0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", runID, err)
	}
	return state, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package collective 实现多进程模型下的 coordinator-worker 步进循环
//
// 每一步按固定顺序执行: 广播步号 -> 各 rank 计算 -> gather 到 rank 0 ->
// rank 0 打印摘要 -> 所有 rank 等待相同的节奏延迟 -> rank 0 推进计数器。
package collective

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"stepsync/internal/transport"
	"stepsync/pkg/model"
	"stepsync/pkg/store"
)

const (
	// Root 是 coordinator 的 rank
	Root = 0

	// StepDone 是结束哨兵，coordinator 用它通知其他 rank 退出循环
	StepDone int64 = -1
)

type Options struct {
	MaxSteps    int64
	PacingDelay time.Duration
	RunID       string

	// Store 只有 coordinator 使用；为 nil 时计数器只存在于内存
	Store store.StateStore

	// Out 进度输出，默认 os.Stdout (无缓冲)
	Out io.Writer

	// Sleep 默认按 ctx 可中断的 time.Sleep，测试里可替换
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result 一次运行结束时的结果
type Result struct {
	Executed int64 // 本 rank 实际参与的步数
	Counter  int64 // 最终计数器 (只有 coordinator 持有)
}

type Engine struct {
	comm   transport.Communicator
	worker model.Worker
	opts   Options
}

func NewEngine(comm transport.Communicator, opts Options) *Engine {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Engine{
		comm:   comm,
		worker: model.Worker{ID: comm.Rank(), Cohort: comm.Size()},
		opts:   opts,
	}
}

// Run 阻塞直到 coordinator 发出结束哨兵；任何通信错误都直接结束本次运行
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if e.worker.IsCoordinator() {
		return e.runCoordinator(ctx)
	}
	return e.runWorker(ctx)
}

func (e *Engine) runCoordinator(ctx context.Context) (Result, error) {
	// 1. 恢复计数器 (外部 supervisor 可能在上次运行中途做过快照)
	state, err := store.LoadOrNew(ctx, e.opts.Store, e.opts.RunID, model.EngineCollective, e.worker.Cohort)
	if err != nil {
		return Result{}, fmt.Errorf("load run state: %w", err)
	}
	fmt.Fprintf(e.opts.Out, "[start] world=%d resume_from=%d\n", e.worker.Cohort, state.StepCounter)

	var res Result
	// 2. 主循环：计数器只在这里、只由 coordinator 推进
	for !state.Done(e.opts.MaxSteps) {
		if _, err := e.step(ctx, state.StepCounter); err != nil {
			return res, err
		}
		res.Executed++

		state.Advance(0)
		if e.opts.Store != nil {
			if err := e.opts.Store.SaveState(ctx, state); err != nil {
				return res, fmt.Errorf("save run state at step %d: %w", state.StepCounter, err)
			}
		}
	}

	// 3. 通知其他 rank 结束
	if _, err := e.comm.Bcast(ctx, Root, StepDone); err != nil {
		return res, fmt.Errorf("broadcast finish: %w", err)
	}

	res.Counter = state.StepCounter
	fmt.Fprintf(e.opts.Out, "[finish] completed steps=%d\n", state.StepCounter)
	return res, nil
}

func (e *Engine) runWorker(ctx context.Context) (Result, error) {
	var res Result
	for {
		done, err := e.step(ctx, 0)
		if err != nil {
			return res, err
		}
		if done {
			break
		}
		res.Executed++
	}
	log.Printf("[Collective] rank %d finished after %d steps", e.worker.ID, res.Executed)
	return res, nil
}

// step 执行一步；proposed 只有 coordinator 的值有意义
func (e *Engine) step(ctx context.Context, proposed int64) (bool, error) {
	// 1. Broadcast: 所有 rank 对当前步号达成一致
	step, err := e.comm.Bcast(ctx, Root, proposed)
	if err != nil {
		return false, fmt.Errorf("rank %d broadcast: %w", e.worker.ID, err)
	}
	if step == StepDone {
		return true, nil
	}

	// 2. 每个 rank 根据 (rank, step) 计算自己的值
	value := Compute(e.worker.ID, step)

	// 3. Gather 到 coordinator
	values, err := e.comm.Gather(ctx, Root, value)
	if err != nil {
		return false, fmt.Errorf("rank %d gather at step %d: %w", e.worker.ID, step, err)
	}

	// 4. coordinator 打印摘要
	if e.worker.IsCoordinator() {
		fmt.Fprintln(e.opts.Out, model.StepRecord{Step: step, Values: values}.Summary())
	}

	// 5. 所有 rank 同样的节奏延迟，给外部 checkpoint 留出窗口
	if e.opts.PacingDelay > 0 {
		if err := e.opts.Sleep(ctx, e.opts.PacingDelay); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Compute 每个 rank 在一步里贡献的值，只依赖 (rank, step)
func Compute(rank int, step int64) int64 {
	return int64(rank) * (step + 1)
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

// Package barrier 实现单进程多线程模型下的步进循环
//
// 每一步所有线程进入并行区做一小段忙等工作，在屏障处汇合，
// 然后由选出的唯一写者追加一条进度记录并等待节奏延迟。
// 计数器由并行区外的循环驱动者单线程推进。
package barrier

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"stepsync/pkg/model"
	"stepsync/pkg/store"
)

type Options struct {
	MaxSteps     int64
	Threads      int
	WorkDuration time.Duration
	PacingDelay  time.Duration
	LogPath      string // 为空时不写进度记录
	RunID        string

	Store store.StateStore
	Out   io.Writer

	// 以下仅供测试替换
	Now   func() time.Time
	Sleep func(time.Duration)
}

type Engine struct {
	opts Options
	out  io.Writer
	log  *ProgressLog
	pid  int
}

func NewEngine(opts Options) *Engine {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}

	e := &Engine{
		opts: opts,
		out:  &lockedWriter{w: opts.Out},
		pid:  os.Getpid(),
	}
	if opts.LogPath != "" {
		e.log = NewProgressLog(opts.LogPath)
	}
	return e
}

// Run 执行 [counter, MaxSteps) 的每一步；MaxSteps <= 0 是合法的空运行
func (e *Engine) Run(ctx context.Context) (*model.RunState, error) {
	// 1. 恢复计数器和日志长度
	state, err := store.LoadOrNew(ctx, e.opts.Store, e.opts.RunID, model.EngineBarrier, e.opts.Threads)
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	// LogOffset 为 0 说明上次运行没有成功写过日志，此时不能把已有文件截空
	if e.log != nil && state.StepCounter > 0 && state.LogOffset > 0 {
		if err := e.log.Rewind(state.LogOffset); err != nil {
			log.Printf("[Barrier] rewind %s to %d: %v", e.opts.LogPath, state.LogOffset, err)
		}
	}

	fmt.Fprintf(e.out, "[barrier] PID=%d | threads=%d | resume_from=%d\n", e.pid, e.opts.Threads, state.StepCounter)

	pool := NewPool(e.opts.Threads)
	defer pool.Close()
	bar := NewBarrier(e.opts.Threads)

	// 2. 主循环：计数器只在并行区结束之后推进
	for !state.Done(e.opts.MaxSteps) {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		step := state.StepCounter
		offset := state.LogOffset

		pool.Parallel(func(tid, nth int) {
			BusyWork(e.opts.WorkDuration)
			fmt.Fprintf(e.out, "STEP=%d THREAD=%d/%d PID=%d\n", step, tid, nth, e.pid)

			if bar.Wait(tid) {
				if off, ok := e.record(step, state.StepCounter, nth); ok {
					offset = off
				}
				e.opts.Sleep(e.opts.PacingDelay)
			}
			// 其他线程等 leader 写完、睡完
			bar.Wait(tid)
		})

		state.Advance(offset)
		if e.opts.Store != nil {
			if err := e.opts.Store.SaveState(ctx, state); err != nil {
				return state, fmt.Errorf("save run state at step %d: %w", state.StepCounter, err)
			}
		}
	}

	fmt.Fprintf(e.out, "[barrier] DONE: steps=%d final_global_counter=%d\n", e.opts.MaxSteps, state.StepCounter)
	return state, nil
}

// record 尽力而为：日志打不开或写失败就跳过本步记录
func (e *Engine) record(step, counter int64, threads int) (int64, bool) {
	if e.log == nil {
		return 0, false
	}
	off, err := e.log.Append(model.ProgressEntry{
		Time:    e.opts.Now(),
		Step:    step,
		Counter: counter,
		Threads: threads,
	})
	if err != nil {
		return 0, false
	}
	return off, true
}

// lockedWriter 保证多个线程的输出按整行交错
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

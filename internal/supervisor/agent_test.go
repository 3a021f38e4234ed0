package supervisor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"stepsync/internal/collective"
	"stepsync/pkg/model"
	"stepsync/pkg/store"

	"gotest.tools/v3/assert"
)

// gateFreezer 把所有 rank 拦在节奏延迟处，模拟进程外的整组冻结
type gateFreezer struct {
	gate sync.RWMutex
}

func (g *gateFreezer) Freeze(ctx context.Context, target string) error {
	g.gate.Lock()
	return nil
}

func (g *gateFreezer) Thaw(ctx context.Context, target string) error {
	g.gate.Unlock()
	return nil
}

func (g *gateFreezer) sleep(ctx context.Context, d time.Duration) error {
	time.Sleep(d)
	g.gate.RLock()
	g.gate.RUnlock()
	return ctx.Err()
}

func TestCycleKeepsCounterContinuous(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	st := store.NewMemoryStore()
	fz := &gateFreezer{}

	runCtx, stopRun := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		collective.RunLocal(runCtx, 3, collective.Options{
			MaxSteps:    100000,
			PacingDelay: 2 * time.Millisecond,
			RunID:       "cycle",
			Store:       st,
			Out:         io.Discard,
			Sleep:       fz.sleep,
		})
	}()

	// 等运行先推进几步
	for {
		s, err := st.LoadState(ctx, "cycle")
		if err == nil && s.StepCounter >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	agent := NewAgent(st, fz)
	rep, err := agent.Cycle(ctx, CycleOptions{
		RunID:         "cycle",
		Target:        "group",
		Hold:          100 * time.Millisecond,
		Settle:        20 * time.Millisecond,
		ResumeTimeout: 5 * time.Second,
	})
	assert.NilError(t, err)
	assert.Assert(t, rep.OK(), "%v", rep.Violations)
	assert.Equal(t, rep.After, rep.Frozen+1)
	assert.Assert(t, rep.Held >= 100*time.Millisecond)

	stopRun()
	<-done
}

func TestCycleReportsCounterMovingWhileFrozen(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	state := model.NewRunState("r", model.EngineBarrier, 1)
	assert.NilError(t, st.SaveState(ctx, state))

	// 这个 freezer 什么也没冻住：保持期间计数器照样前进
	leaky := &leakyFreezer{st: st, state: state}
	rep, err := NewAgent(st, leaky).Cycle(ctx, CycleOptions{
		RunID:         "r",
		Target:        "x",
		Hold:          50 * time.Millisecond,
		ResumeTimeout: time.Second,
	})
	assert.NilError(t, err)
	assert.Assert(t, !rep.OK())
	assert.Equal(t, rep.Violations[0].Kind, Moved)
}

type leakyFreezer struct {
	st    *store.MemoryStore
	state *model.RunState
}

func (l *leakyFreezer) Freeze(ctx context.Context, target string) error {
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.state.Advance(0)
		l.st.SaveState(ctx, l.state)
	}()
	return nil
}

func (l *leakyFreezer) Thaw(ctx context.Context, target string) error {
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.state.Advance(0)
		l.st.SaveState(ctx, l.state)
	}()
	return nil
}

func TestWatchStopsAtMaxSteps(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := store.NewMemoryStore()

	errc := make(chan error, 1)
	v := &Verifier{}
	agent := NewAgent(st, SignalFreezer{})
	started := make(chan struct{})
	go func() {
		close(started)
		errc <- agent.Watch(ctx, "w", 3, v)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	state := model.NewRunState("w", model.EngineCollective, 2)
	for i := 0; i < 3; i++ {
		state.Advance(0)
		assert.NilError(t, st.SaveState(ctx, state))
	}

	assert.NilError(t, <-errc)
	assert.Equal(t, v.Observed(), 3)
	assert.Equal(t, len(v.Violations()), 0)
}

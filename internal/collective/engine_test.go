package collective

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stepsync/internal/config"
	"stepsync/pkg/model"
	"stepsync/pkg/store"

	"gotest.tools/v3/assert"
)

// syncBuffer coordinator 之外的 rank 不写输出，但加锁更稳妥
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFourRanksThreeSteps(t *testing.T) {
	var out syncBuffer
	res, err := RunLocal(testContext(t), 4, Options{MaxSteps: 3, RunID: "t", Out: &out})
	assert.NilError(t, err)
	assert.Equal(t, res.Counter, int64(3))
	assert.Equal(t, res.Executed, int64(3))

	assert.DeepEqual(t, out.Lines(), []string{
		"[start] world=4 resume_from=0",
		"[step 0] gathered: 0 1 2 3",
		"[step 1] gathered: 0 2 4 6",
		"[step 2] gathered: 0 3 6 9",
		"[finish] completed steps=3",
	})
}

func TestGatheredSequenceForAnyWorld(t *testing.T) {
	for _, n := range []int{1, 2, 7} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			var out syncBuffer
			_, err := RunLocal(testContext(t), n, Options{MaxSteps: 4, RunID: "t", Out: &out})
			assert.NilError(t, err)

			lines := out.Lines()
			for s := int64(0); s < 4; s++ {
				values := make([]int64, n)
				for rank := range values {
					values[rank] = int64(rank) * (s + 1)
				}
				want := model.StepRecord{Step: s, Values: values}.Summary()
				assert.Equal(t, lines[s+1], want)
			}
		})
	}
}

func TestLargeWorldElidesSummary(t *testing.T) {
	var out syncBuffer
	_, err := RunLocal(testContext(t), 10, Options{MaxSteps: 1, RunID: "t", Out: &out})
	assert.NilError(t, err)
	assert.Equal(t, out.Lines()[1], "[step 0] gathered: 0 1 2 3 4 5 6 7 ...(+2 more)")
}

func TestResumeContinuesFromStoredCounter(t *testing.T) {
	ctx := testContext(t)
	st := store.NewMemoryStore()
	saved := model.NewRunState("resume", model.EngineCollective, 3)
	saved.StepCounter = 2
	assert.NilError(t, st.SaveState(ctx, saved))

	events := st.WatchState(ctx, "resume")

	var out syncBuffer
	res, err := RunLocal(ctx, 3, Options{MaxSteps: 5, RunID: "resume", Store: st, Out: &out})
	assert.NilError(t, err)
	assert.Equal(t, res.Counter, int64(5))
	assert.Equal(t, res.Executed, int64(3))

	assert.DeepEqual(t, out.Lines(), []string{
		"[start] world=3 resume_from=2",
		"[step 2] gathered: 0 3 6",
		"[step 3] gathered: 0 4 8",
		"[step 4] gathered: 0 5 10",
		"[finish] completed steps=5",
	})

	// 每完成一步保存一次，计数器严格 +1
	for want := int64(3); want <= 5; want++ {
		ev := <-events
		assert.Equal(t, ev.State.StepCounter, want)
	}
}

func TestSingleStepRun(t *testing.T) {
	var out syncBuffer
	res, err := RunLocal(testContext(t), 2, Options{MaxSteps: 1, RunID: "t", Out: &out})
	assert.NilError(t, err)
	assert.Equal(t, res.Counter, int64(1))
	assert.Equal(t, out.Lines()[len(out.Lines())-1], "[finish] completed steps=1")
}

func TestEveryRankPaces(t *testing.T) {
	var sleeps int64
	opts := Options{
		MaxSteps:    3,
		PacingDelay: time.Hour,
		RunID:       "t",
		Out:         &syncBuffer{},
		Sleep: func(ctx context.Context, d time.Duration) error {
			assert.Equal(t, d, time.Hour)
			atomic.AddInt64(&sleeps, 1)
			return nil
		},
	}
	_, err := RunLocal(testContext(t), 4, opts)
	assert.NilError(t, err)
	assert.Equal(t, atomic.LoadInt64(&sleeps), int64(4*3))
}

func TestCompute(t *testing.T) {
	assert.Equal(t, Compute(0, 9), int64(0))
	assert.Equal(t, Compute(3, 2), int64(9))
}

func TestZeroMaxStepsIsClampedToOne(t *testing.T) {
	cfg, err := config.LoadCollective(func(k string) (string, bool) {
		v, ok := map[string]string{"MAX_STEPS": "0", "SLEEP_MS": "0"}[k]
		return v, ok
	})
	assert.NilError(t, err)

	var out syncBuffer
	res, err := RunLocal(testContext(t), 2, Options{MaxSteps: cfg.MaxSteps, PacingDelay: cfg.PacingDelay, RunID: "t", Out: &out})
	assert.NilError(t, err)
	assert.Equal(t, res.Counter, int64(1))
	assert.Equal(t, out.Lines()[1], "[step 0] gathered: 0 1")
}

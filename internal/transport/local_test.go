package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// runRanks 每个 rank 一个 goroutine 执行 fn
func runRanks(t *testing.T, comms []Communicator, fn func(c Communicator) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(comms))
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Communicator) {
			defer wg.Done()
			errs[i] = fn(c)
		}(i, c)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NilError(t, err, "rank %d", i)
	}
}

func TestLocalGroupBcast(t *testing.T) {
	ctx := context.Background()
	comms := NewLocalGroup(5)
	got := make([]int64, len(comms))

	runRanks(t, comms, func(c Communicator) error {
		v := int64(-1)
		if c.Rank() == 0 {
			v = 42
		}
		out, err := c.Bcast(ctx, 0, v)
		got[c.Rank()] = out
		return err
	})

	for rank, v := range got {
		assert.Equal(t, v, int64(42), "rank %d", rank)
	}
}

func TestLocalGroupGatherOnlyRootSeesValues(t *testing.T) {
	ctx := context.Background()
	comms := NewLocalGroup(4)
	results := make([][]int64, len(comms))

	runRanks(t, comms, func(c Communicator) error {
		out, err := c.Gather(ctx, 0, int64(c.Rank()*10))
		results[c.Rank()] = out
		return err
	})

	assert.DeepEqual(t, results[0], []int64{0, 10, 20, 30})
	for rank := 1; rank < len(comms); rank++ {
		assert.Assert(t, results[rank] == nil, "rank %d", rank)
	}
}

func TestLocalGroupManyRoundsReleaseState(t *testing.T) {
	ctx := context.Background()
	comms := NewLocalGroup(3)
	hub := comms[0].(*localComm).hub

	runRanks(t, comms, func(c Communicator) error {
		for step := int64(0); step < 50; step++ {
			s, err := c.Bcast(ctx, 0, step)
			if err != nil {
				return err
			}
			if _, err := c.Gather(ctx, 0, int64(c.Rank())*(s+1)); err != nil {
				return err
			}
		}
		return nil
	})
	assert.Equal(t, hub.pending(), 0)
}

func TestHubBlocksUntilAllArrive(t *testing.T) {
	hub := NewHub(2)
	done := make(chan struct{})
	go func() {
		hub.Bcast(context.Background(), 1, 0, 0, 7)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("bcast returned before every rank arrived")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := hub.Bcast(context.Background(), 1, 1, 0, 0)
	assert.NilError(t, err)
	assert.Equal(t, v, int64(7))
	<-done
}

func TestHubRejectsMismatchedCalls(t *testing.T) {
	hub := NewHub(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// rank 0 进入 bcast 轮，ctx 已取消所以不会一直等
	_, err := hub.Bcast(ctx, 1, 0, 0, 1)
	assert.Assert(t, errors.Is(err, context.Canceled))

	_, err = hub.Gather(ctx, 1, 1, 0, 1)
	assert.Assert(t, errors.Is(err, ErrMismatch))

	_, err = hub.Bcast(ctx, 1, 0, 0, 1)
	assert.Assert(t, errors.Is(err, ErrMismatch))

	_, err = hub.Bcast(ctx, 2, 5, 0, 1)
	assert.Assert(t, errors.Is(err, ErrMismatch))
}

func TestClosedCommunicator(t *testing.T) {
	c := NewLocalGroup(1)[0]
	assert.NilError(t, c.Close())
	_, err := c.Bcast(context.Background(), 0, 1)
	assert.Assert(t, errors.Is(err, ErrClosed))
}

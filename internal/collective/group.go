package collective

import (
	"context"

	"stepsync/internal/transport"

	"golang.org/x/sync/errgroup"
)

// RunLocal 在本进程内以 n 个 goroutine 扮演 n 个 rank 运行整组
// 返回 coordinator 的结果
func RunLocal(ctx context.Context, n int, opts Options) (Result, error) {
	comms := transport.NewLocalGroup(n)
	results := make([]Result, n)

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range comms {
		c := c
		g.Go(func() error {
			defer c.Close()
			res, err := NewEngine(c, opts).Run(ctx)
			results[c.Rank()] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results[Root], err
	}
	return results[Root], nil
}

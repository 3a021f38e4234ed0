package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"stepsync/internal/barrier"
	"stepsync/internal/config"
	"stepsync/pkg/store"
)

func main() {
	// 1. 解析命令行参数 (-h 以 0 退出，参数错误以 1 退出)
	cfg, err := config.ParseBarrier(os.Args, nil, os.Stderr)
	if err != nil {
		os.Exit(config.ExitCode(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 连接存储
	st, err := store.Open(ctx, cfg.StoreURL)
	if err != nil {
		log.Fatalf("[Barrier] open store: %v", err)
	}
	defer st.Close()

	// 3. 运行
	engine := barrier.NewEngine(barrier.Options{
		MaxSteps:     cfg.MaxSteps,
		Threads:      cfg.Threads,
		WorkDuration: cfg.WorkDuration,
		PacingDelay:  cfg.PacingDelay,
		LogPath:      cfg.LogPath,
		RunID:        cfg.RunID,
		Store:        st,
	})
	if _, err := engine.Run(ctx); err != nil {
		log.Fatalf("[Barrier] run failed: %v", err)
	}
}

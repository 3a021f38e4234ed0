package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stepsync/internal/collective"
	"stepsync/internal/config"
	"stepsync/internal/transport"
	"stepsync/pkg/model"
	"stepsync/pkg/store"
)

func main() {
	// 1. 读取配置 (环境变量)
	cfg, err := config.LoadCollective(nil)
	if err != nil {
		log.Printf("[Collective] %v", err)
		os.Exit(1)
	}

	// 2. Ctrl+C / SIGTERM 取消整个运行，已保存的计数器留给下次恢复
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := collective.Options{
		MaxSteps:    cfg.MaxSteps,
		PacingDelay: cfg.PacingDelay,
		RunID:       cfg.RunID,
	}

	// 3. 分支 A: 所有 rank 在本进程内
	if cfg.InProcess() {
		st := openStore(ctx, cfg.StoreURL)
		defer st.Close()
		opts.Store = st

		if _, err := collective.RunLocal(ctx, cfg.World, opts); err != nil {
			log.Fatalf("[Collective] run failed: %v", err)
		}
		return
	}

	// 4. 分支 B: 非 coordinator rank 连接 rank 0
	if cfg.Rank != collective.Root {
		comm, err := transport.Dial(ctx, cfg.CoordAddr, cfg.Rank, cfg.World)
		if err != nil {
			log.Fatalf("[Collective] rank %d: %v", cfg.Rank, err)
		}
		defer comm.Close()

		if _, err := collective.NewEngine(comm, opts).Run(ctx); err != nil {
			log.Fatalf("[Collective] rank %d: %v", cfg.Rank, err)
		}
		return
	}

	// 5. 分支 C: rank 0 提供 gRPC 服务，只有它读写计数器
	st := openStore(ctx, cfg.StoreURL)
	defer st.Close()
	opts.Store = st

	lis, err := net.Listen("tcp", cfg.CoordAddr)
	if err != nil {
		log.Fatalf("[Collective] listen %s: %v", cfg.CoordAddr, err)
	}
	srv, comm := transport.Serve(lis, cfg.World)
	defer srv.Stop()

	if cfg.WebAddr != "" {
		web := transport.ListenWeb(cfg.WebAddr, transport.NewWebHandler(srv, func(ctx context.Context) (*model.RunState, error) {
			return st.LoadState(ctx, cfg.RunID)
		}))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			web.Shutdown(shutdownCtx)
		}()
	}

	if _, err := collective.NewEngine(comm, opts).Run(ctx); err != nil {
		log.Fatalf("[Collective] coordinator: %v", err)
	}
}

func openStore(ctx context.Context, url string) store.Store {
	st, err := store.Open(ctx, url)
	if err != nil {
		log.Fatalf("[Collective] open store: %v", err)
	}
	return st
}

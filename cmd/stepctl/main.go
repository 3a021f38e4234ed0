package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"stepsync/internal/supervisor"
	"stepsync/pkg/model"
	"stepsync/pkg/store"
)

func main() {
	// --- 1. 定义命令行参数 ---
	storeURL := flag.String("store", os.Getenv("STEPSYNC_STORE"), "state store url (etcd://, sqlite://, mysql://, dynamodb://)")
	runID := flag.String("run", "collective", "run id")

	get := flag.Bool("get", false, "Print the persisted run state")
	set := flag.Int64("set", -1, "Overwrite the step counter (operator override)")
	reset := flag.Bool("reset", false, "Delete the run state so the next run starts at 0")
	watch := flag.Bool("watch", false, "Follow the step counter and check it advances by exactly one")

	cycle := flag.Bool("cycle", false, "Freeze the target, hold, thaw, and verify counter continuity")
	container := flag.String("container", "", "Container ID to freeze (docker)")
	pid := flag.Int("pid", 0, "Process ID to freeze (SIGSTOP/SIGCONT)")
	hold := flag.Duration("hold", 5*time.Second, "How long to keep the target frozen")
	settle := flag.Duration("settle", 200*time.Millisecond, "Wait after freezing before reading the frozen counter")
	mode := flag.String("mode", string(supervisor.ModePause), "Docker freeze mode: pause|checkpoint")
	checkpointDir := flag.String("checkpoint-dir", "", "Checkpoint directory for -mode checkpoint")
	maxSteps := flag.Int64("max", 0, "Stop -watch once the counter reaches this value (0 = forever)")
	coalesce := flag.Bool("coalesce", false, "Tolerate merged updates from polling stores")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 2. 连接存储 ---
	if *storeURL == "" {
		log.Fatalf("❌ -store is required (an in-memory store is not visible to other processes)")
	}
	st, err := store.Open(ctx, *storeURL)
	if err != nil {
		log.Fatalf("❌ Failed to open store: %v", err)
	}
	defer st.Close()

	switch {
	// --- 3. 分支 A: 查看状态 ---
	case *get:
		state, err := st.LoadState(ctx, *runID)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Printf("run [%s] has no saved state (next run starts at 0)\n", *runID)
			return
		}
		if err != nil {
			log.Fatalf("❌ Failed to load state: %v", err)
		}
		out, _ := json.MarshalIndent(state, "", "  ")
		fmt.Println(string(out))

	// --- 4. 分支 B: 修改 / 清除 ---
	case *set >= 0:
		state, err := st.LoadState(ctx, *runID)
		if errors.Is(err, store.ErrNotFound) {
			state, err = model.NewRunState(*runID, model.EngineCollective, 0), nil
		}
		if err != nil {
			log.Fatalf("❌ Failed to load state: %v", err)
		}
		// 直接覆盖计数器是运维操作，不经过 Advance
		state.StepCounter = *set
		state.UpdatedAt = time.Now()
		if err := st.SaveState(ctx, state); err != nil {
			log.Fatalf("❌ Failed to save state: %v", err)
		}
		fmt.Printf("✅ run [%s] step_counter=%d\n", *runID, *set)

	case *reset:
		if err := st.DeleteState(ctx, *runID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Fatalf("❌ Failed to reset: %v", err)
		}
		fmt.Printf("✅ run [%s] reset\n", *runID)

	// --- 5. 分支 C: 观察 ---
	case *watch:
		v := &supervisor.Verifier{AllowCoalesce: *coalesce}
		agent := supervisor.NewAgent(st, nil)
		if err := agent.Watch(ctx, *runID, *maxSteps, v); err != nil {
			log.Fatalf("❌ Watch failed: %v", err)
		}
		report(v.Observed(), v.Violations())

	// --- 6. 分支 D: 挂起/恢复周期 ---
	case *cycle:
		freezer, target := newFreezer(*container, *pid, *mode, *checkpointDir)
		if c, ok := freezer.(interface{ Close() error }); ok {
			defer c.Close()
		}
		agent := supervisor.NewAgent(st, freezer)
		rep, err := agent.Cycle(ctx, supervisor.CycleOptions{
			RunID:         *runID,
			Target:        target,
			Hold:          *hold,
			Settle:        *settle,
			AllowCoalesce: *coalesce,
		})
		if err != nil {
			log.Fatalf("❌ Cycle failed: %v", err)
		}
		fmt.Printf("\n🧊 Cycle on [%s]:\n", target)
		fmt.Println("================================================")
		fmt.Printf("   before: %d\n   frozen: %d (held %v)\n   after:  %d\n", rep.Before, rep.Frozen, rep.Held.Round(time.Millisecond), rep.After)
		fmt.Println("================================================")
		if rep.OK() {
			fmt.Println("✅ counter stayed put while frozen and resumed without a gap")
			return
		}
		for _, v := range rep.Violations {
			fmt.Printf("❌ %v\n", v)
		}
		os.Exit(1)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func newFreezer(container string, pid int, mode, checkpointDir string) (supervisor.Freezer, string) {
	switch {
	case container != "" && pid != 0:
		log.Fatalf("❌ -container and -pid are mutually exclusive")
	case container != "":
		f, err := supervisor.NewDockerFreezer(supervisor.FreezeMode(mode), checkpointDir)
		if err != nil {
			log.Fatalf("❌ Failed to init docker client: %v", err)
		}
		return f, container
	case pid != 0:
		return supervisor.SignalFreezer{}, strconv.Itoa(pid)
	}
	log.Fatalf("❌ -cycle needs -container or -pid")
	return nil, ""
}

func report(observed int, violations []supervisor.Violation) {
	if len(violations) == 0 {
		fmt.Printf("✅ %d observations, counter advanced by exactly one each time\n", observed)
		return
	}
	for _, v := range violations {
		fmt.Printf("❌ %v\n", v)
	}
	os.Exit(1)
}

package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Freezer 在进程外冻结/恢复一个运行中的目标，目标本身对此无感知
type Freezer interface {
	Freeze(ctx context.Context, target string) error
	Thaw(ctx context.Context, target string) error
}

// SignalFreezer 用 SIGSTOP/SIGCONT 冻结裸进程，target 是 pid
type SignalFreezer struct{}

func (SignalFreezer) Freeze(ctx context.Context, target string) error {
	return signal(target, syscall.SIGSTOP)
}

func (SignalFreezer) Thaw(ctx context.Context, target string) error {
	return signal(target, syscall.SIGCONT)
}

func signal(target string, sig syscall.Signal) error {
	pid, err := strconv.Atoi(target)
	if err != nil {
		return fmt.Errorf("pid %q: %w", target, err)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

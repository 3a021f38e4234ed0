package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// FreezeMode 决定 DockerFreezer 怎么冻结容器
type FreezeMode string

const (
	// ModePause 用 cgroup freezer 暂停整个容器，进程镜像留在内存里
	ModePause FreezeMode = "pause"
	// ModeCheckpoint 用 CRIU 把容器 dump 到磁盘并退出，再从 checkpoint 启动
	ModeCheckpoint FreezeMode = "checkpoint"
)

type DockerFreezer struct {
	cli  *client.Client
	mode FreezeMode
	dir  string // checkpoint 目录，空则用 docker 默认位置

	mu          sync.Mutex
	checkpoints map[string]string // container -> 最近一次 checkpoint id
}

// NewDockerFreezer 自动从环境变量或默认路径连接本地 Docker
func NewDockerFreezer(mode FreezeMode, checkpointDir string) (*DockerFreezer, error) {
	switch mode {
	case ModePause, ModeCheckpoint:
	default:
		return nil, fmt.Errorf("unknown freeze mode %q", mode)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerFreezer{
		cli:         cli,
		mode:        mode,
		dir:         checkpointDir,
		checkpoints: make(map[string]string),
	}, nil
}

func (d *DockerFreezer) Freeze(ctx context.Context, containerID string) error {
	log.Printf("[Docker] freezing %s (%s)", short(containerID), d.mode)

	if d.mode == ModePause {
		return d.cli.ContainerPause(ctx, containerID)
	}

	// 1. 创建 checkpoint 并让容器退出
	id := fmt.Sprintf("stepsync-%d", time.Now().UnixNano())
	err := d.cli.CheckpointCreate(ctx, containerID, types.CheckpointCreateOptions{
		CheckpointID:  id,
		CheckpointDir: d.dir,
		Exit:          true,
	})
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", short(containerID), err)
	}

	// 2. 等待容器真正停下
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-statusCh:
	}

	d.mu.Lock()
	d.checkpoints[containerID] = id
	d.mu.Unlock()
	log.Printf("   -> checkpoint %s written", id)
	return nil
}

func (d *DockerFreezer) Thaw(ctx context.Context, containerID string) error {
	log.Printf("[Docker] thawing %s (%s)", short(containerID), d.mode)

	if d.mode == ModePause {
		return d.cli.ContainerUnpause(ctx, containerID)
	}

	d.mu.Lock()
	id, ok := d.checkpoints[containerID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no checkpoint recorded for %s", short(containerID))
	}

	return d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{
		CheckpointID:  id,
		CheckpointDir: d.dir,
	})
}

// Paused 查询容器当前是否处于冻结状态
func (d *DockerFreezer) Paused(ctx context.Context, containerID string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}
	if d.mode == ModePause {
		return info.State.Paused, nil
	}
	return !info.State.Running, nil
}

func (d *DockerFreezer) Close() error {
	return d.cli.Close()
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

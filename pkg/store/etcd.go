package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"stepsync/pkg/model"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Key 前缀 (Schema Design)
const RunKeyPrefix = "/stepsync/runs/"

type EtcdManager struct {
	client *clientv3.Client
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string) (*EtcdManager, error) {
	// etcd 客户端自身的日志只保留 warn 以上，避免刷屏盖住进度输出
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdManager{client: cli}, nil
}

func runKey(runID string) string {
	return RunKeyPrefix + runID
}

func (e *EtcdManager) LoadState(ctx context.Context, runID string) (*model.RunState, error) {
	resp, err := e.client.Get(ctx, runKey(runID))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var state model.RunState
	if err := json.Unmarshal(resp.Kvs[0].Value, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (e *EtcdManager) SaveState(ctx context.Context, state *model.RunState) error {
	return e.putValue(ctx, runKey(state.RunID), state)
}

func (e *EtcdManager) DeleteState(ctx context.Context, runID string) error {
	_, err := e.client.Delete(ctx, runKey(runID))
	return err
}

// WatchState 将 Etcd 的 Watch 转换为业务 Channel
func (e *EtcdManager) WatchState(ctx context.Context, runID string) <-chan StateEvent {
	eventChan := make(chan StateEvent)

	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, runKey(runID))

		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					if !send(ctx, eventChan, StateEvent{Type: StateDelete, State: &model.RunState{RunID: runID}}) {
						return
					}
					continue
				}

				var state model.RunState
				if err := json.Unmarshal(ev.Kv.Value, &state); err != nil {
					log.Printf("[Etcd] Failed to unmarshal run state: %v", err)
					continue
				}
				if !send(ctx, eventChan, StateEvent{Type: StateUpdate, State: &state}) {
					return
				}
			}
		}
	}()

	return eventChan
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}

// send 在 ctx 结束时放弃投递，防止 watcher 协程泄漏
func send(ctx context.Context, ch chan<- StateEvent, ev StateEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

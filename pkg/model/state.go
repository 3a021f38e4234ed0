package model

import "time"

// EngineKind 标识产生该状态的引擎
type EngineKind string

const (
	EngineCollective EngineKind = "COLLECTIVE"
	EngineBarrier    EngineKind = "BARRIER"
)

// RunState 是一次运行唯一需要跨重启保存的状态
// 外部 supervisor 只需要快照/恢复这个结构，worker 不持有任何额外状态
type RunState struct {
	RunID  string     `json:"run_id" dynamodbav:"run_id"`
	Engine EngineKind `json:"engine" dynamodbav:"engine"`

	// 已完整完成的步数，只增不减，每步 +1
	StepCounter int64 `json:"step_counter" dynamodbav:"step_counter"`

	// 进度日志在最后一个完成步之后的字节长度 (仅 BARRIER 引擎)
	LogOffset int64 `json:"log_offset" dynamodbav:"log_offset"`

	World     int       `json:"world" dynamodbav:"world"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// NewRunState 返回一个从 0 开始的新状态
func NewRunState(runID string, engine EngineKind, world int) *RunState {
	return &RunState{
		RunID:  runID,
		Engine: engine,
		World:  world,
	}
}

// Advance 是计数器唯一的修改入口：恰好 +1
func (s *RunState) Advance(logOffset int64) {
	s.StepCounter++
	s.LogOffset = logOffset
	s.UpdatedAt = time.Now()
}

// Done 判断是否已到达 maxSteps
func (s *RunState) Done(maxSteps int64) bool {
	return s.StepCounter >= maxSteps
}

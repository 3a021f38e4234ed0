package model

// Worker 一次运行中的参与者，ID 是 rank 或线程下标，重启前后不变
type Worker struct {
	ID     int `json:"id"`
	Cohort int `json:"cohort"` // 同一批次的总数 (world size / thread count)
}

func (w Worker) IsCoordinator() bool {
	return w.ID == 0
}

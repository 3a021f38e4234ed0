package model

import (
	"fmt"
	"strings"
	"time"
)

// SummaryLimit 日志里最多展示的 gather 值个数
const SummaryLimit = 8

// TimestampLayout 对应 strftime "%F %T"
const TimestampLayout = "2006-01-02 15:04:05"

// StepRecord 一步 gather 回来的值，按 rank 排序，只存在于 coordinator
type StepRecord struct {
	Step   int64
	Values []int64
}

// Summary 生成一行摘要，超过 SummaryLimit 的部分只打印省略数量
func (r StepRecord) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[step %d] gathered:", r.Step)

	limit := len(r.Values)
	if limit > SummaryLimit {
		limit = SummaryLimit
	}
	for _, v := range r.Values[:limit] {
		fmt.Fprintf(&b, " %d", v)
	}
	if len(r.Values) > limit {
		fmt.Fprintf(&b, " ...(+%d more)", len(r.Values)-limit)
	}
	return b.String()
}

// ProgressEntry 进度日志中的一行，由选出的单一写者追加
type ProgressEntry struct {
	Time    time.Time
	Step    int64
	Counter int64
	Threads int
}

func (e ProgressEntry) Line() string {
	return fmt.Sprintf("%s STEP=%d global_counter=%d threads=%d\n",
		e.Time.Format(TimestampLayout), e.Step, e.Counter, e.Threads)
}

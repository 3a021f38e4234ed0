package barrier

import "time"

// BusyWork 占用 CPU 大约 d 的时间，按单调时钟计时而不是按循环次数
func BusyWork(d time.Duration) float64 {
	start := time.Now()
	x := 1.0
	for time.Since(start) < d {
		for i := 0; i < 1000; i++ {
			x = x*1.0000001 + 0.0000001
		}
	}
	return x
}

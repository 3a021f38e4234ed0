// Package config 读取两个引擎的运行参数
// collective 引擎走环境变量，barrier 引擎走命令行参数，启动后不再修改
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrHelp 用户请求了帮助信息，调用方应以 0 退出
var ErrHelp = flag.ErrHelp

const (
	DefaultCollectiveSteps = 120
	DefaultSleepMS         = 1000
	DefaultWorld           = 4
	DefaultCoordAddr       = "127.0.0.1:7070"

	DefaultBarrierSteps = 60
	DefaultWorkMS       = 25
	// barrier 引擎的节奏延迟固定，不可配置
	BarrierPacingDelay = 2000 * time.Millisecond
)

type CollectiveConfig struct {
	MaxSteps    int64
	PacingDelay time.Duration
	World       int
	Rank        int // -1 表示所有 rank 在本进程内运行
	CoordAddr   string
	WebAddr     string
	RunID       string
	StoreURL    string
}

// InProcess 没有指定 rank 时整组在一个进程里跑
func (c CollectiveConfig) InProcess() bool {
	return c.Rank < 0
}

// LookupFunc 与 os.LookupEnv 相同：区分"未设置"和"设置为空"
type LookupFunc func(key string) (string, bool)

// LoadCollective 从环境变量读取配置；非法数值按 atoi 语义处理后再截断到安全下限
// MAX_STEPS / SLEEP_MS 设置为空串时同样按 atoi 得 0，而不是回到默认值
func LoadCollective(lookupEnv LookupFunc) (CollectiveConfig, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	// 1. 可选的 .env 文件 (已有的环境变量优先)
	if path, _ := lookupEnv("STEPSYNC_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return CollectiveConfig{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	cfg := CollectiveConfig{
		MaxSteps:    DefaultCollectiveSteps,
		PacingDelay: DefaultSleepMS * time.Millisecond,
		World:       DefaultWorld,
		Rank:        -1,
		CoordAddr:   DefaultCoordAddr,
		RunID:       "collective",
	}
	cfg.WebAddr, _ = lookupEnv("STEPSYNC_WEB_ADDR")
	cfg.StoreURL, _ = lookupEnv("STEPSYNC_STORE")

	// 2. 数值参数
	if v, ok := lookupEnv("MAX_STEPS"); ok {
		cfg.MaxSteps = clamp(atoi(v), 1)
	}
	if v, ok := lookupEnv("SLEEP_MS"); ok {
		cfg.PacingDelay = time.Duration(clamp(atoi(v), 0)) * time.Millisecond
	}
	if v, ok := nonEmpty(lookupEnv, "STEPSYNC_WORLD"); ok {
		cfg.World = int(clamp(atoi(v), 1))
	}

	// 3. rank 是 bootstrap 信息，写错了直接报错而不是猜
	if v, ok := nonEmpty(lookupEnv, "STEPSYNC_RANK"); ok {
		rank, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || rank < 0 || rank >= cfg.World {
			return CollectiveConfig{}, fmt.Errorf("STEPSYNC_RANK=%q: want 0..%d", v, cfg.World-1)
		}
		cfg.Rank = rank
	}
	if v, ok := nonEmpty(lookupEnv, "STEPSYNC_COORD_ADDR"); ok {
		cfg.CoordAddr = v
	}
	if v, ok := nonEmpty(lookupEnv, "STEPSYNC_RUN_ID"); ok {
		cfg.RunID = v
	}
	return cfg, nil
}

type BarrierConfig struct {
	MaxSteps     int64
	WorkDuration time.Duration
	PacingDelay  time.Duration
	LogPath      string
	Threads      int
	RunID        string
	StoreURL     string
}

// ParseBarrier 解析 barrier 引擎的命令行参数
// -h 返回 ErrHelp；未知参数会打印 usage 并返回错误
// 数值参数和 atoi 一样宽松：-s abc 是 0 步，不报错
func ParseBarrier(args []string, lookupEnv LookupFunc, stderr io.Writer) (BarrierConfig, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	name := "barrier"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}

	threads := strconv.Itoa(runtime.GOMAXPROCS(0))
	if v, ok := nonEmpty(lookupEnv, "STEPSYNC_THREADS"); ok {
		threads = v
	}
	storeURL, _ := lookupEnv("STEPSYNC_STORE")

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	steps := fs.String("s", strconv.Itoa(DefaultBarrierSteps), "total steps to run")
	workMS := fs.String("w", strconv.Itoa(DefaultWorkMS), "busy-work per step per thread in ms")
	logPath := fs.String("F", "", "optional state file to record progress (elected writer only)")
	fs.StringVar(&threads, "t", threads, "number of worker threads")
	runID := fs.String("run", "barrier", "run id used for the persisted step counter")
	fs.StringVar(&storeURL, "store", storeURL, "state store url (mem://, etcd://, sqlite://, mysql://, dynamodb://)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [-s STEPS] [-w WORK_MS] [-F STATE_FILE] [-t THREADS]\n", name)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return BarrierConfig{}, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return BarrierConfig{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	return BarrierConfig{
		MaxSteps:     atoi(*steps),
		WorkDuration: time.Duration(clamp(atoi(*workMS), 0)) * time.Millisecond,
		PacingDelay:  BarrierPacingDelay,
		LogPath:      *logPath,
		Threads:      int(clamp(atoi(threads), 1)),
		RunID:        *runID,
		StoreURL:     storeURL,
	}, nil
}

// ExitCode 把配置阶段的错误映射到进程退出码
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, ErrHelp):
		return 0
	default:
		return 1
	}
}

// nonEmpty 用于地址、rank 这类 bootstrap 变量：空串等同于未设置
func nonEmpty(lookupEnv LookupFunc, key string) (string, bool) {
	v, _ := lookupEnv(key)
	return v, v != ""
}

// atoi 与 C 的 atoi 一致：取前导数字，解析失败得 0
func atoi(s string) int64 {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func clamp(v, min int64) int64 {
	if v < min {
		return min
	}
	return v
}

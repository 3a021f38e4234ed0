package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func env(kv map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestLoadCollectiveDefaults(t *testing.T) {
	cfg, err := LoadCollective(env(nil))
	assert.NilError(t, err)
	assert.Equal(t, cfg.MaxSteps, int64(120))
	assert.Equal(t, cfg.PacingDelay, time.Second)
	assert.Equal(t, cfg.World, 4)
	assert.Assert(t, cfg.InProcess())
	assert.Equal(t, cfg.CoordAddr, DefaultCoordAddr)
}

func TestLoadCollectiveClamps(t *testing.T) {
	cfg, err := LoadCollective(env(map[string]string{
		"MAX_STEPS": "0",
		"SLEEP_MS":  "-50",
	}))
	assert.NilError(t, err)
	assert.Equal(t, cfg.MaxSteps, int64(1))
	assert.Equal(t, cfg.PacingDelay, time.Duration(0))

	cfg, err = LoadCollective(env(map[string]string{
		"MAX_STEPS": "abc",
		"SLEEP_MS":  "15ms",
	}))
	assert.NilError(t, err)
	assert.Equal(t, cfg.MaxSteps, int64(1))
	assert.Equal(t, cfg.PacingDelay, 15*time.Millisecond)
}

func TestLoadCollectiveEmptyNumericIsZero(t *testing.T) {
	// 设置为空串与 atoi("") 一致得 0，再截断
	cfg, err := LoadCollective(env(map[string]string{
		"MAX_STEPS": "",
		"SLEEP_MS":  "",
	}))
	assert.NilError(t, err)
	assert.Equal(t, cfg.MaxSteps, int64(1))
	assert.Equal(t, cfg.PacingDelay, time.Duration(0))

	// bootstrap 变量为空时仍用默认值
	cfg, err = LoadCollective(env(map[string]string{
		"STEPSYNC_RANK":       "",
		"STEPSYNC_COORD_ADDR": "",
	}))
	assert.NilError(t, err)
	assert.Assert(t, cfg.InProcess())
	assert.Equal(t, cfg.CoordAddr, DefaultCoordAddr)
}

func TestLoadCollectiveRank(t *testing.T) {
	cfg, err := LoadCollective(env(map[string]string{
		"STEPSYNC_WORLD": "3",
		"STEPSYNC_RANK":  "2",
	}))
	assert.NilError(t, err)
	assert.Equal(t, cfg.Rank, 2)
	assert.Assert(t, !cfg.InProcess())

	_, err = LoadCollective(env(map[string]string{
		"STEPSYNC_WORLD": "3",
		"STEPSYNC_RANK":  "3",
	}))
	assert.ErrorContains(t, err, "STEPSYNC_RANK")
}

func TestLoadCollectiveEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.env")
	assert.NilError(t, os.WriteFile(path, []byte("STEPSYNC_TEST_MAX=7\n"), 0o644))
	t.Setenv("STEPSYNC_TEST_MAX", "")
	os.Unsetenv("STEPSYNC_TEST_MAX")

	_, err := LoadCollective(env(map[string]string{"STEPSYNC_ENV_FILE": path}))
	assert.NilError(t, err)
	assert.Equal(t, os.Getenv("STEPSYNC_TEST_MAX"), "7")

	_, err = LoadCollective(env(map[string]string{"STEPSYNC_ENV_FILE": path + ".missing"}))
	assert.ErrorContains(t, err, "load env file")
}

func TestParseBarrierDefaults(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := ParseBarrier([]string{"barrier"}, env(map[string]string{"STEPSYNC_THREADS": "3"}), &stderr)
	assert.NilError(t, err)
	assert.Equal(t, cfg.MaxSteps, int64(60))
	assert.Equal(t, cfg.WorkDuration, 25*time.Millisecond)
	assert.Equal(t, cfg.PacingDelay, 2*time.Second)
	assert.Equal(t, cfg.LogPath, "")
	assert.Equal(t, cfg.Threads, 3)
}

func TestParseBarrierFlags(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := ParseBarrier([]string{"barrier", "-s", "0", "-w", "-4", "-F", "state.txt", "-t", "0"}, env(nil), &stderr)
	assert.NilError(t, err)
	// 没有下限截断：0 步是合法的空运行
	assert.Equal(t, cfg.MaxSteps, int64(0))
	assert.Equal(t, cfg.WorkDuration, time.Duration(0))
	assert.Equal(t, cfg.LogPath, "state.txt")
	assert.Equal(t, cfg.Threads, 1)
}

func TestParseBarrierMalformedNumbers(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := ParseBarrier([]string{"barrier", "-s", "abc", "-w", "1x", "-t", "zz"}, env(nil), &stderr)
	assert.NilError(t, err)
	assert.Equal(t, cfg.MaxSteps, int64(0))
	assert.Equal(t, cfg.WorkDuration, time.Duration(0))
	assert.Equal(t, cfg.Threads, 1)
	assert.Equal(t, ExitCode(err), 0)

	// 前导数字仍然生效
	cfg, err = ParseBarrier([]string{"barrier", "-s", "7steps", "-w", "40ms"}, env(nil), &stderr)
	assert.NilError(t, err)
	assert.Equal(t, cfg.MaxSteps, int64(7))
	assert.Equal(t, cfg.WorkDuration, 40*time.Millisecond)
}

func TestParseBarrierHelpAndUnknown(t *testing.T) {
	var stderr bytes.Buffer
	_, err := ParseBarrier([]string{"barrier", "-h"}, env(nil), &stderr)
	assert.Assert(t, errors.Is(err, ErrHelp))
	assert.Equal(t, ExitCode(err), 0)
	assert.Assert(t, bytes.Contains(stderr.Bytes(), []byte("Usage:")))

	stderr.Reset()
	_, err = ParseBarrier([]string{"barrier", "-x"}, env(nil), &stderr)
	assert.Assert(t, err != nil)
	assert.Equal(t, ExitCode(err), 1)
	assert.Assert(t, bytes.Contains(stderr.Bytes(), []byte("Usage:")))
}

func TestAtoi(t *testing.T) {
	assert.Equal(t, atoi("42"), int64(42))
	assert.Equal(t, atoi(" -3x"), int64(-3))
	assert.Equal(t, atoi("x"), int64(0))
	assert.Equal(t, atoi(""), int64(0))
}

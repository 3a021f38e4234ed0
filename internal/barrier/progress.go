package barrier

import (
	"errors"
	"io/fs"
	"os"

	"stepsync/pkg/model"
)

// ProgressLog 追加写的进度日志，每步最多由一个线程写一行
type ProgressLog struct {
	path string
}

func NewProgressLog(path string) *ProgressLog {
	return &ProgressLog{path: path}
}

// openFlags 只有第 0 步截断重写，其余一律追加，重启后之前的记录得以保留
func openFlags(step int64) int {
	if step == 0 {
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	return os.O_WRONLY | os.O_CREATE | os.O_APPEND
}

// Append 写入一行并返回写入后的文件长度
func (l *ProgressLog) Append(entry model.ProgressEntry) (int64, error) {
	f, err := os.OpenFile(l.path, openFlags(entry.Step), 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.WriteString(entry.Line()); err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Rewind 恢复到快照时的长度，丢弃快照之后写入的行；文件不存在时什么也不做
func (l *ProgressLog) Rewind(offset int64) error {
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= offset {
		return nil
	}
	return os.Truncate(l.path, offset)
}

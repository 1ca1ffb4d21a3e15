// Package monitor 把文件系统变更通知转换成 OperationEvent
package monitor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

// IngestionError 事件源读取失败，不影响其他事件源
type IngestionError struct {
	Source string
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion from %s failed: %v", e.Source, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

type FileMonitor interface {
	Start()
	Stop()
	AddWatch(path string) error // 动态添加监控 (新挂载的移动设备)
	RemoveWatch(path string)
	Events() <-chan model.OperationEvent
	Errors() <-chan error
}

type Options struct {
	Buffer   int
	ProcRoot string
	Clock    sysutil.Clock
	Logger   *zap.Logger
	// Backoff 读取失败后的等待时间
	Backoff time.Duration
}

func New(opts Options) (FileMonitor, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.Clock == nil {
		opts.Clock = sysutil.SystemClock
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return newMonitor(opts)
}

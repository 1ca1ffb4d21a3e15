// Package watcher 监听移动存储设备的插拔与挂载
package watcher

import (
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/model"
)

// DeviceWatcher 定义接口
type DeviceWatcher interface {
	Start() (<-chan model.USBEvent, error)
	Stop()
}

type Options struct {
	ProcRoot     string
	SysRoot      string
	MountTimeout time.Duration
	Logger       *zap.Logger
}

func New(opts Options) DeviceWatcher {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.SysRoot == "" {
		opts.SysRoot = "/sys"
	}
	if opts.MountTimeout <= 0 {
		opts.MountTimeout = 3 * time.Second
	}
	return newWatcher(opts)
}

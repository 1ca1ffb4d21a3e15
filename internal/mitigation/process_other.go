//go:build !linux

package mitigation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type SignalKiller struct{}

func NewSignalKiller(procRoot string, timeout time.Duration, logger *zap.Logger) *SignalKiller {
	return &SignalKiller{}
}

func (k *SignalKiller) Kill(ctx context.Context, pid int) error {
	return errors.New("process termination not supported on this platform")
}

//go:build linux

package mitigation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Hara602/ransomSentry/internal/sysutil"
)

// SignalKiller 用 SIGKILL 结束进程，并确认进程已退出
type SignalKiller struct {
	ProcRoot string
	Timeout  time.Duration
	Poll     time.Duration
	log      *zap.Logger
}

func NewSignalKiller(procRoot string, timeout time.Duration, logger *zap.Logger) *SignalKiller {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &SignalKiller{
		ProcRoot: procRoot,
		Timeout:  timeout,
		Poll:     50 * time.Millisecond,
		log:      sysutil.Named(logger, "killer"),
	}
}

func (k *SignalKiller) Kill(ctx context.Context, pid int) error {
	if pid <= 1 || pid == os.Getpid() {
		return ErrProtectedTarget
	}
	// 先确认存在，不存在或无权限时不产生任何副作用
	if err := signalZero(pid); err != nil {
		return err
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrProcessNotFound
		}
		if errors.Is(err, unix.EPERM) {
			return ErrAccessDenied
		}
		return fmt.Errorf("kill failed: %w", err)
	}
	k.log.Info("💀 SIGKILL sent", zap.Int("pid", pid))

	deadline := time.NewTimer(k.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(k.Poll)
	defer tick.Stop()
	for {
		if !k.alive(pid) {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("process %d still running after %s", pid, k.Timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func signalZero(pid int) error {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH):
		return ErrProcessNotFound
	case errors.Is(err, unix.EPERM):
		return ErrAccessDenied
	default:
		return fmt.Errorf("signal 0 failed: %w", err)
	}
}

// alive 僵尸进程视为已退出
func (k *SignalKiller) alive(pid int) bool {
	if signalZero(pid) != nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(k.ProcRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return !os.IsNotExist(err)
	}
	return procState(data) != 'Z'
}

// procState 解析 /proc/<pid>/stat 的状态字段，comm 可能含空格和括号
func procState(stat []byte) byte {
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return 0
	}
	return stat[i+2]
}

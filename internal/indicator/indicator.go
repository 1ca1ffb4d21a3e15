// Package indicator 驱动状态指示灯 (status / alert / activity)
package indicator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/sysutil"
)

const (
	Status   = "status"
	Alert    = "alert"
	Activity = "activity"
)

var ErrUnknownChannel = errors.New("unknown indicator channel")

// Indicator 指示灯能力接口；Blink 阻塞到闪烁结束
type Indicator interface {
	SetChannel(name string, on bool) error
	Blink(name string, count int, interval time.Duration) error
}

// Noop 没有硬件时使用
type Noop struct{}

func (Noop) SetChannel(string, bool) error          { return nil }
func (Noop) Blink(string, int, time.Duration) error { return nil }

// SysfsGPIO 通过 /sys/class/gpio 控制 LED
type SysfsGPIO struct {
	root string
	pins map[string]int
	mu   sync.Mutex
	log  *zap.Logger
}

// NewSysfsGPIO 导出引脚并设置为输出
func NewSysfsGPIO(root string, pins map[string]int, logger *zap.Logger) (*SysfsGPIO, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("gpio sysfs unavailable: %w", err)
	}
	g := &SysfsGPIO{root: root, pins: pins, log: sysutil.Named(logger, "gpio")}
	for name, pin := range pins {
		if err := g.export(pin); err != nil {
			return nil, fmt.Errorf("gpio %s (pin %d): %w", name, pin, err)
		}
	}
	return g, nil
}

func (g *SysfsGPIO) pinDir(pin int) string {
	return filepath.Join(g.root, "gpio"+strconv.Itoa(pin))
}

func (g *SysfsGPIO) export(pin int) error {
	dir := g.pinDir(pin)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(g.root, "export"), []byte(strconv.Itoa(pin)), 0o644); err != nil {
			return err
		}
	}
	// 有些平台没有 direction 文件
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("out"), 0o644); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (g *SysfsGPIO) SetChannel(name string, on bool) error {
	pin, ok := g.pins[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := os.WriteFile(filepath.Join(g.pinDir(pin), "value"), v, 0o644); err != nil {
		return fmt.Errorf("gpio write failed: %w", err)
	}
	return nil
}

func (g *SysfsGPIO) Blink(name string, count int, interval time.Duration) error {
	for i := 0; i < count; i++ {
		if err := g.SetChannel(name, true); err != nil {
			return err
		}
		time.Sleep(interval)
		if err := g.SetChannel(name, false); err != nil {
			return err
		}
		time.Sleep(interval)
	}
	return nil
}

// Open 按配置返回指示灯；GPIO 不可用时降级为 Noop
func Open(enabled bool, root string, pins map[string]int, logger *zap.Logger) Indicator {
	if !enabled {
		return Noop{}
	}
	g, err := NewSysfsGPIO(root, pins, logger)
	if err != nil {
		sysutil.Named(logger, "gpio").Warn("⚠️ GPIO unavailable, indicator disabled", zap.Error(err))
		return Noop{}
	}
	return g
}

// Package alert 负责告警历史与通知分发
package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
	"go.uber.org/zap"
)

const (
	DefaultHistory = 1000
	DefaultTimeout = 10 * time.Second
)

// Notifier 外部通知通道，各自独立投递
type Notifier interface {
	Name() string
	Send(ctx context.Context, a model.Alert) error
}

// Closer 需要在退出时刷盘或断开连接的通道
type Closer interface {
	Close() error
}

type SinkOptions struct {
	History int
	Timeout time.Duration
	Logger  *zap.Logger
	// OnDelivery 每个通道投递结束后回调 (指标统计)
	OnDelivery func(notifier string, err error)
}

// Sink 有界告警历史 + 扇出
type Sink struct {
	mu        sync.RWMutex
	history   []model.Alert
	limit     int
	notifiers []Notifier

	timeout    time.Duration
	onDelivery func(string, error)
	log        *zap.Logger
}

func NewSink(opts SinkOptions) *Sink {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Sink{
		limit:      opts.History,
		timeout:    opts.Timeout,
		onDelivery: opts.OnDelivery,
		log:        sysutil.Named(opts.Logger, "alert"),
	}
}

func (s *Sink) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

func (s *Sink) Notifiers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.notifiers))
	for i, n := range s.notifiers {
		out[i] = n.Name()
	}
	return out
}

// Publish 写入历史后并发投递；单个通道失败只记录日志
func (s *Sink) Publish(ctx context.Context, a model.Alert) {
	s.mu.Lock()
	s.appendLocked(a)
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.mu.Unlock()

	if len(notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			err := safeSend(ctx, n, a)
			if err != nil {
				s.log.Error("notification failed",
					zap.String("notifier", n.Name()),
					zap.String("level", a.Level.String()),
					zap.Error(err))
			}
			if s.onDelivery != nil {
				s.onDelivery(n.Name(), err)
			}
		}(n)
	}
	wg.Wait()
}

func safeSend(ctx context.Context, n Notifier, a model.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("notifier panicked")
		}
	}()
	return n.Send(ctx, a)
}

// appendLocked 超出上限时淘汰最旧的
func (s *Sink) appendLocked(a model.Alert) {
	s.history = append(s.history, a)
	if over := len(s.history) - s.limit; over > 0 {
		copy(s.history, s.history[over:])
		clear(s.history[len(s.history)-over:])
		s.history = s.history[:s.limit]
	}
}

// Record 只写历史不投递 (低于最低级别的告警)
func (s *Sink) Record(a model.Alert) {
	s.mu.Lock()
	s.appendLocked(a)
	s.mu.Unlock()
}

// Seed 启动时载入历史告警 (不再投递)
func (s *Sink) Seed(alerts []model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range alerts {
		s.appendLocked(a)
	}
}

// Recent 按时间倒序返回，level 为 0 / source 为空表示不过滤
func (s *Sink) Recent(count int, level model.AlertLevel, source string) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Alert
	for i := len(s.history) - 1; i >= 0; i-- {
		a := s.history[i]
		if level != 0 && a.Level < level {
			continue
		}
		if source != "" && a.Source != source {
			continue
		}
		out = append(out, a)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out
}

func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Close 关闭所有实现了 Closer 的通道
func (s *Sink) Close() error {
	s.mu.RLock()
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.mu.RUnlock()
	var errs []error
	for _, n := range notifiers {
		if c, ok := n.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/analysis"
	"github.com/Hara602/ransomSentry/internal/indicator"
	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/monitor"
	"github.com/Hara602/ransomSentry/internal/sampler"
	"github.com/Hara602/ransomSentry/internal/watcher"
)

// 循环 panic 后的重启间隔
const loopBackoff = time.Second

// Run 启动所有循环并阻塞到 ctx 结束；某个事件源不可用时其它继续工作
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	e.mu.Lock()
	e.startedAt = e.clock.Now()
	e.mu.Unlock()

	if err := e.BootstrapModel(); err != nil {
		e.log.Warn("⚠️ anomaly scoring disabled", zap.Error(err))
	}
	if err := e.Indicator.SetChannel(indicator.Status, true); err != nil {
		e.log.Debug("status indicator", zap.Error(err))
	}
	e.Mitigation.Start(ctx)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.guard(ctx, name, fn)
		}()
	}

	mon := e.fileMonitor()
	if mon != nil {
		for _, p := range e.cfg.Monitoring.Paths {
			e.addWatch(mon, p)
		}
		mon.Start()
		start("file_events", func(ctx context.Context) { e.fileLoop(ctx, mon) })
		start("monitor_errors", func(ctx context.Context) { e.errorLoop(ctx, mon) })
	}

	if src := e.resourceSource(); src != nil {
		start("sampler", func(ctx context.Context) { e.sampleLoop(ctx, src) })
	}
	if e.cfg.ThreatIntel.Enabled {
		start("intel", e.intelLoop)
	}
	if e.cfg.Monitoring.WatchRemovable {
		if w := e.deviceWatcher(); w != nil {
			if events, err := w.Start(); err != nil {
				e.ingestionFailed(SourceUSB, err)
			} else {
				start("usb", func(ctx context.Context) { e.usbLoop(ctx, events, mon) })
				defer w.Stop()
			}
		}
	}

	e.log.Info("🛡️ engine running",
		zap.Strings("paths", e.cfg.Monitoring.Paths),
		zap.Bool("auto_mitigation", e.cfg.Response.AutoMitigation),
		zap.String("min_alert_level", e.minLevel.String()))

	<-ctx.Done()
	if mon != nil {
		mon.Stop()
	}
	wg.Wait()
	e.running.Store(false)
	return nil
}

// guard panic 后记录并按退避重启，直到 ctx 结束
func (e *Engine) guard(ctx context.Context, name string, fn func(context.Context)) {
	for {
		panicked := func() (p bool) {
			defer func() {
				if r := recover(); r != nil {
					p = true
					e.Metrics.LoopPanics.WithLabelValues(name).Inc()
					e.log.Error("💥 loop panicked, restarting", zap.String("loop", name), zap.Any("panic", r))
				}
			}()
			fn(ctx)
			return false
		}()
		if !panicked {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(loopBackoff):
		}
	}
}

func (e *Engine) ingestionFailed(source string, err error) {
	e.Metrics.IngestionErrors.WithLabelValues(source).Inc()
	e.log.Error("❌ event source unavailable", zap.Error(&monitor.IngestionError{Source: source, Err: err}))
}

func (e *Engine) fileMonitor() monitor.FileMonitor {
	if e.deps.Monitor != nil {
		return e.deps.Monitor
	}
	mon, err := monitor.New(monitor.Options{
		Buffer:   e.cfg.Monitoring.EventBuffer,
		ProcRoot: e.cfg.Monitoring.ProcRoot,
		Clock:    e.clock,
		Logger:   e.deps.Logger,
	})
	if err != nil {
		e.ingestionFailed(SourceFile, err)
		return nil
	}
	return mon
}

func (e *Engine) resourceSource() ResourceSource {
	if e.deps.Sampler != nil {
		return e.deps.Sampler
	}
	s, err := sampler.New(e.cfg.Monitoring.ProcRoot, e.cfg.Monitoring.SysRoot, e.clock, e.deps.Logger)
	if err != nil {
		e.ingestionFailed(SourceResource, err)
		return nil
	}
	return s
}

func (e *Engine) deviceWatcher() watcher.DeviceWatcher {
	if e.deps.Watcher != nil {
		return e.deps.Watcher
	}
	return watcher.New(watcher.Options{
		ProcRoot: e.cfg.Monitoring.ProcRoot,
		SysRoot:  e.cfg.Monitoring.SysRoot,
		Logger:   e.deps.Logger,
	})
}

func (e *Engine) addWatch(mon monitor.FileMonitor, path string) {
	if err := mon.AddWatch(path); err != nil {
		e.ingestionFailed(SourceFile, fmt.Errorf("watch %s: %w", path, err))
		return
	}
	e.mu.Lock()
	e.watches[path] = true
	e.mu.Unlock()
}

func (e *Engine) removeWatch(mon monitor.FileMonitor, path string) {
	mon.RemoveWatch(path)
	e.mu.Lock()
	delete(e.watches, path)
	e.mu.Unlock()
}

func (e *Engine) fileLoop(ctx context.Context, mon monitor.FileMonitor) {
	events := mon.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.HandleEvent(ctx, ev)
		}
	}
}

func (e *Engine) errorLoop(ctx context.Context, mon monitor.FileMonitor) {
	errs := mon.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			source := SourceFile
			var ie *monitor.IngestionError
			if errors.As(err, &ie) {
				source = ie.Source
			}
			e.Metrics.IngestionErrors.WithLabelValues(source).Inc()
			e.log.Warn("⚠️ event ingestion error", zap.Error(err))
		}
	}
}

func (e *Engine) sampleLoop(ctx context.Context, src ResourceSource) {
	ticker := time.NewTicker(e.cfg.Monitoring.CollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s, err := src.Sample()
		if err != nil {
			e.Metrics.IngestionErrors.WithLabelValues(SourceResource).Inc()
			e.log.Warn("⚠️ resource sample failed", zap.Error(err))
			continue
		}
		var peers []string
		if e.cfg.ThreatIntel.CheckPeers {
			if peers, err = src.RemotePeers(); err != nil {
				e.log.Debug("remote peers unavailable", zap.Error(err))
			}
		}
		e.HandleSample(ctx, s, peers)
		_ = e.Indicator.Blink(indicator.Activity, 1, 50*time.Millisecond)
	}
}

// UpdateIntel 更新所有 feed 并持久化指标集
func (e *Engine) UpdateIntel(ctx context.Context) error {
	result, err := e.Feeds.UpdateAll(ctx)
	for feed, ok := range result {
		label := "success"
		if !ok {
			label = "failure"
		}
		e.Metrics.FeedUpdates.WithLabelValues(feed, label).Inc()
	}
	e.refreshIndicatorGauges()
	if len(result) > 0 {
		if serr := e.Matcher.Save(e.cfg.ThreatIntel.IndicatorsPath); serr != nil {
			e.log.Warn("⚠️ failed to save indicators", zap.Error(serr))
		}
	}
	return err
}

func (e *Engine) intelLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ThreatIntel.UpdateInterval)
	defer ticker.Stop()
	for {
		if err := e.UpdateIntel(ctx); err != nil {
			e.log.Warn("⚠️ threat intel update incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// usbLoop 新挂载的移动存储加入监控，拔出时移除
func (e *Engine) usbLoop(ctx context.Context, events <-chan model.USBEvent, mon monitor.FileMonitor) {
	for {
		var ev model.USBEvent
		select {
		case <-ctx.Done():
			return
		case ev = <-events:
		}
		e.Metrics.USBEvents.WithLabelValues(ev.Action, ev.DeviceType).Inc()

		switch ev.Action {
		case "add":
			if ev.DeviceType == analysis.DeviceBadUSB {
				e.publish(ctx, model.Alert{
					Timestamp: e.clock.Now(),
					Level:     model.LevelWarning,
					Message:   "possible BadUSB device: " + ev.Product,
					Source:    SourceUSB,
					Details: map[string]any{
						"device":     ev.DevicePath,
						"vendor_id":  ev.VendorID,
						"product_id": ev.ProductID,
						"serial":     ev.Serial,
					},
				})
			}
			if ev.MountPoint != "" && mon != nil {
				e.log.Info("🔌 removable storage mounted", zap.String("mount", ev.MountPoint), zap.String("dev", ev.DevicePath))
				e.addWatch(mon, ev.MountPoint)
			}
		case "remove":
			if ev.MountPoint != "" && mon != nil {
				e.log.Info("⏏️ removable storage removed", zap.String("mount", ev.MountPoint))
				e.removeWatch(mon, ev.MountPoint)
			}
		}
	}
}

// Shutdown 排空缓解队列并持久化状态，可重复调用
func (e *Engine) Shutdown() error {
	var errs []error
	e.closeOnce.Do(func() {
		e.Mitigation.Close()
		if err := e.Matcher.Save(e.cfg.ThreatIntel.IndicatorsPath); err != nil {
			errs = append(errs, fmt.Errorf("save indicators: %w", err))
		}
		if err := e.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifiers: %w", err))
		}
		if path, err := e.Metrics.WriteSnapshot(e.cfg.MetricsDir(), e.clock.Now()); err != nil {
			errs = append(errs, fmt.Errorf("metrics snapshot: %w", err))
		} else {
			e.log.Info("📊 metrics snapshot written", zap.String("path", path))
		}
		_ = e.Indicator.SetChannel(indicator.Status, false)
		if err := e.Blocklist.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close blocklist: %w", err))
		}
		e.log.Info("👋 engine stopped")
	})
	return errors.Join(errs...)
}

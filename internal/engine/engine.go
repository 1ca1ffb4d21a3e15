// Package engine 检测与缓解引擎的上下文对象：持有所有共享状态并驱动各个循环
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/aggregator"
	"github.com/Hara602/ransomSentry/internal/alert"
	"github.com/Hara602/ransomSentry/internal/analysis"
	"github.com/Hara602/ransomSentry/internal/anomaly"
	"github.com/Hara602/ransomSentry/internal/blocklist"
	"github.com/Hara602/ransomSentry/internal/config"
	"github.com/Hara602/ransomSentry/internal/features"
	"github.com/Hara602/ransomSentry/internal/indicator"
	"github.com/Hara602/ransomSentry/internal/intel"
	"github.com/Hara602/ransomSentry/internal/metrics"
	"github.com/Hara602/ransomSentry/internal/mitigation"
	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/monitor"
	"github.com/Hara602/ransomSentry/internal/quarantine"
	"github.com/Hara602/ransomSentry/internal/sysutil"
	"github.com/Hara602/ransomSentry/internal/watcher"
)

const (
	SourceFile     = "file_monitor"
	SourceResource = "resource_monitor"
	SourceUSB      = "usb_watcher"
	SourceSystem   = "system"
)

// ResourceSource 资源采样 + 远端连接 (sampler.Sampler)
type ResourceSource interface {
	Sample() (model.ResourceSample, error)
	RemotePeers() ([]string, error)
}

// Deps 可注入的外部协作者，nil 时按配置创建
type Deps struct {
	Clock     sysutil.Clock
	Logger    *zap.Logger
	Monitor   monitor.FileMonitor
	Watcher   watcher.DeviceWatcher
	Sampler   ResourceSource
	Indicator indicator.Indicator
	Killer    mitigation.ProcessKiller
	Blocker   mitigation.Blocker
	Notifiers []alert.Notifier
}

type Engine struct {
	cfg   *config.Config
	log   *zap.Logger
	clock sysutil.Clock
	deps  Deps

	Aggregator *aggregator.Aggregator
	Extractor  *features.Extractor
	Scorer     anomaly.Scorer
	Matcher    *intel.Matcher
	Feeds      *intel.FeedManager
	Sink       *alert.Sink
	Ledger     *quarantine.Ledger
	Blocklist  *blocklist.Store
	Mitigation *mitigation.Engine
	Metrics    *metrics.Metrics
	Indicator  indicator.Indicator

	types     *analysis.TypeInspector
	notes     *analysis.NoteDetector
	hashCache *lru.Cache[string, string]
	minLevel  model.AlertLevel
	burst     int

	mu          sync.Mutex
	lastWarning time.Time
	lastScore   *model.AnomalyScore
	lastPeers   []string
	watches     map[string]bool

	running   atomic.Bool
	startedAt time.Time
	closeOnce sync.Once
}

// New 构造引擎；只打开本地存储，不启动任何循环
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Clock == nil {
		deps.Clock = sysutil.SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		log:      deps.Logger.Named("engine"),
		clock:    deps.Clock,
		deps:     deps,
		Metrics:  metrics.New(),
		types:    analysis.NewTypeInspector(),
		notes:    analysis.NewNoteDetector(cfg.Detection.ContentScanBytes),
		minLevel: cfg.MinLevel(),
		burst:    cfg.Detection.BurstThreshold,
		watches:  make(map[string]bool),
	}

	var err error
	e.hashCache, err = lru.New[string, string](cfg.Detection.HashCacheSize)
	if err != nil {
		return nil, err
	}

	e.Aggregator = aggregator.New(aggregator.Options{
		Horizon:    cfg.Detection.RetentionWindow,
		Extensions: cfg.Detection.SuspiciousExtensions,
		PerKey:     cfg.Detection.BurstScope == config.BurstPerKey,
		Clock:      e.clock,
		Logger:     deps.Logger,
	})
	e.Extractor = features.New(e.Aggregator)

	e.Scorer, err = anomaly.New(cfg.Model.Type, anomaly.Params{
		Trees:         cfg.Model.Trees,
		SampleSize:    cfg.Model.SampleSize,
		Contamination: cfg.Model.Contamination,
		Seed:          cfg.Model.Seed,
		ZThreshold:    cfg.Model.ZThreshold,
	})
	if err != nil {
		return nil, err
	}

	e.Matcher = intel.NewMatcher(e.clock)
	if err := e.Matcher.Load(cfg.ThreatIntel.IndicatorsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Warn("⚠️ failed to load indicators", zap.Error(err))
	}
	e.refreshIndicatorGauges()
	var feeds []intel.FeedConfig
	if cfg.ThreatIntel.FeedsConfig != "" {
		feeds, err = intel.LoadFeedConfig(cfg.ThreatIntel.FeedsConfig)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("⚠️ failed to load feed config", zap.Error(err))
		}
	}
	e.Feeds = intel.NewFeedManager(feeds, e.Matcher, cfg.ThreatIntel.FetchTimeout, deps.Logger)

	if err := e.buildSink(); err != nil {
		return nil, err
	}

	e.Ledger, err = quarantine.NewLedger(cfg.Response.QuarantineDir, e.clock, deps.Logger)
	if err != nil {
		return nil, err
	}
	e.Blocklist, err = blocklist.Open(cfg.Response.BlocklistDB)
	if err != nil {
		return nil, err
	}

	killer := deps.Killer
	if killer == nil {
		killer = mitigation.NewSignalKiller(cfg.Monitoring.ProcRoot, cfg.Response.KillTimeout, deps.Logger)
	}
	blocker := deps.Blocker
	if blocker == nil {
		blocker, err = e.buildBlocker()
		if err != nil {
			e.Blocklist.Close()
			return nil, err
		}
	}
	enabled := make([]model.ActionType, 0, len(cfg.Response.MitigationActions))
	for _, a := range cfg.Response.MitigationActions {
		enabled = append(enabled, model.ActionType(a))
	}
	e.Mitigation = mitigation.New(mitigation.Options{
		Policy:      mitigation.Policy{AutoMitigation: cfg.Response.AutoMitigation, Enabled: enabled},
		Quarantiner: e.Ledger,
		Killer:      killer,
		Blocker:     blocker,
		Publisher:   publisherFunc(e.publish),
		QueueSize:   cfg.Response.QueueSize,
		DedupTTL:    cfg.Response.DedupTTL,
		Clock:       e.clock,
		Logger:      deps.Logger,
		OnResult:    e.onMitigationResult,
	})

	e.Indicator = deps.Indicator
	if e.Indicator == nil {
		g := cfg.System.GPIO
		e.Indicator = indicator.Open(g.Enabled, g.SysfsRoot, map[string]int{
			indicator.Status:   g.StatusPin,
			indicator.Alert:    g.AlertPin,
			indicator.Activity: g.ActivityPin,
		}, deps.Logger)
	}
	return e, nil
}

func (e *Engine) buildBlocker() (mitigation.Blocker, error) {
	switch e.cfg.Response.FirewallBackend {
	case mitigation.BackendIptables, mitigation.BackendNftables:
		return mitigation.NewFirewallBlocker(e.cfg.Response.FirewallBackend, e.Blocklist, nil, e.deps.Logger)
	}
	return mitigation.NewAdvisoryBlocker(e.Blocklist, e.deps.Logger), nil
}

func (e *Engine) buildSink() error {
	r := e.cfg.Response
	e.Sink = alert.NewSink(alert.SinkOptions{
		History: r.AlertHistory,
		Timeout: r.NotifyTimeout,
		Logger:  e.deps.Logger,
		OnDelivery: func(name string, err error) {
			if err != nil {
				e.Metrics.NotifierFailures.WithLabelValues(name).Inc()
			}
		},
	})

	for _, m := range r.AlertMethods {
		switch m {
		case "console":
			e.Sink.AddNotifier(alert.NewConsoleNotifier(e.deps.Logger))
		case "file":
			fn, err := alert.NewFileNotifier(e.cfg.AlertsDir(), e.clock)
			if err != nil {
				return fmt.Errorf("alert file notifier: %w", err)
			}
			e.Sink.AddNotifier(fn)
			// 重启后恢复最近的告警历史
			prev, err := alert.LoadLatest(e.cfg.AlertsDir())
			if err != nil {
				e.log.Warn("⚠️ failed to reload alert history", zap.Error(err))
			}
			e.Sink.Seed(prev)
		case "email":
			e.Sink.AddNotifier(alert.NewEmailNotifier(r.Email))
		case "nats":
			n, err := alert.NewNATSNotifier(r.NATS.URL, r.NATS.Subject, r.NotifyTimeout)
			if err != nil {
				// broker 不可用时降级，其它通道继续
				e.log.Warn("⚠️ NATS notifier unavailable", zap.Error(err))
				continue
			}
			e.Sink.AddNotifier(n)
		case "kafka":
			e.Sink.AddNotifier(alert.NewKafkaNotifier(r.Kafka.Brokers, r.Kafka.Topic, r.NotifyTimeout))
		}
	}
	for _, n := range e.deps.Notifiers {
		e.Sink.AddNotifier(n)
	}
	return nil
}

// BootstrapModel 加载已持久化的模型；没有时按配置训练并保存
func (e *Engine) BootstrapModel() error {
	mc := e.cfg.Model
	err := e.Scorer.Load(mc.Path)
	if err == nil {
		e.log.Info("🧠 anomaly model loaded", zap.String("path", mc.Path), zap.String("type", mc.Type))
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		e.log.Warn("⚠️ failed to load anomaly model", zap.Error(err))
	}
	if !mc.AutoTrain {
		return fmt.Errorf("no usable model at %s: %w", mc.Path, anomaly.ErrModelNotTrained)
	}

	var samples []model.FeatureVector
	if mc.TrainingDataPath != "" {
		samples, err = anomaly.LoadSamples(mc.TrainingDataPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("⚠️ failed to load training data", zap.Error(err))
		}
	}
	if len(samples) == 0 {
		samples = anomaly.GenerateNormal(100, mc.Seed)
		if mc.TrainingDataPath != "" {
			if err := anomaly.SaveSamples(mc.TrainingDataPath, samples); err != nil {
				e.log.Warn("⚠️ failed to save training data", zap.Error(err))
			}
		}
	}
	if err := e.Scorer.Train(samples); err != nil {
		return fmt.Errorf("train model: %w", err)
	}
	if err := e.Scorer.Save(mc.Path); err != nil {
		e.log.Warn("⚠️ failed to save model", zap.Error(err))
	}
	e.log.Info("🧠 anomaly model trained", zap.Int("samples", len(samples)), zap.String("type", mc.Type))
	return nil
}

func (e *Engine) refreshIndicatorGauges() {
	for set, n := range e.Matcher.Counts() {
		e.Metrics.Indicators.WithLabelValues(set).Set(float64(n))
	}
}

func (e *Engine) onMitigationResult(r model.MitigationResult) {
	e.Metrics.MitigationsTotal.WithLabelValues(string(r.Decision.Action), string(r.State)).Inc()
	if r.Success && r.Decision.Action == model.ActionIsolateFile {
		e.Metrics.QuarantinedFiles.Inc()
	}
}

type publisherFunc func(ctx context.Context, a model.Alert)

func (f publisherFunc) Publish(ctx context.Context, a model.Alert) { f(ctx, a) }

package engine

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/model"
)

// Status 运行状态快照
type Status struct {
	Running          bool                `json:"running"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	Uptime           string              `json:"uptime,omitempty"`
	WatchedPaths     []string            `json:"watched_paths"`
	AggregateCount   int                 `json:"aggregate_count"`
	ModelTrained     bool                `json:"model_trained"`
	LastScore        *model.AnomalyScore `json:"last_anomaly_score,omitempty"`
	Indicators       map[string]int      `json:"indicators"`
	IntelUpdatedAt   *time.Time          `json:"intel_updated_at,omitempty"`
	AlertCount       int                 `json:"alert_count"`
	Notifiers        []string            `json:"notifiers"`
	AutoMitigation   bool                `json:"auto_mitigation"`
	PendingMitigates int                 `json:"pending_mitigations"`
	MinAlertLevel    string              `json:"min_alert_level"`
}

func (e *Engine) Status() Status {
	st := Status{
		Running:          e.running.Load(),
		AggregateCount:   e.Aggregator.Snapshot().Total,
		ModelTrained:     e.Scorer.Trained(),
		Indicators:       e.Matcher.Counts(),
		AlertCount:       e.Sink.Len(),
		Notifiers:        e.Sink.Notifiers(),
		AutoMitigation:   e.Mitigation.Policy().AutoMitigation,
		PendingMitigates: e.Mitigation.Pending(),
		MinAlertLevel:    e.minLevel.String(),
	}
	if t, ok := e.Matcher.LastUpdate(); ok {
		st.IntelUpdatedAt = &t
	}

	e.mu.Lock()
	if !e.startedAt.IsZero() {
		t := e.startedAt
		st.StartedAt = &t
		st.Uptime = e.clock.Now().Sub(t).Truncate(time.Second).String()
	}
	if e.lastScore != nil {
		s := *e.lastScore
		st.LastScore = &s
	}
	for p := range e.watches {
		st.WatchedPaths = append(st.WatchedPaths, p)
	}
	e.mu.Unlock()
	slices.Sort(st.WatchedPaths)
	return st
}

func (e *Engine) RecentAlerts(count int, level model.AlertLevel, source string) []model.Alert {
	return e.Sink.Recent(count, level, source)
}

func (e *Engine) ListQuarantine() ([]model.QuarantineRecord, error) {
	return e.Ledger.List()
}

// RestoreQuarantine 恢复隔离文件并记录一条 info 告警
func (e *Engine) RestoreQuarantine(ctx context.Context, id string) (string, error) {
	path, err := e.Ledger.Restore(id)
	if err != nil {
		return "", err
	}
	e.log.Info("♻️ file restored from quarantine", zap.String("id", id), zap.String("path", path))
	e.publish(ctx, model.Alert{
		Timestamp: e.clock.Now(),
		Level:     model.LevelInfo,
		Message:   "file restored from quarantine: " + path,
		Source:    SourceSystem,
		Details:   map[string]any{"quarantine_id": id, "restored_path": path},
	})
	return path, nil
}

// ExecuteAction 手动缓解，不受自动缓解开关影响
func (e *Engine) ExecuteAction(ctx context.Context, t model.Threat) (model.MitigationResult, error) {
	return e.Mitigation.Execute(ctx, t)
}

func (e *Engine) CheckIntel(candidates map[string][]string) []model.IndicatorMatch {
	return e.Matcher.Check(candidates)
}

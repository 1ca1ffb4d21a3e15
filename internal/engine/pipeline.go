package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/analysis"
	"github.com/Hara602/ransomSentry/internal/anomaly"
	"github.com/Hara602/ransomSentry/internal/decision"
	"github.com/Hara602/ransomSentry/internal/indicator"
	"github.com/Hara602/ransomSentry/internal/intel"
	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/quarantine"
)

// 超过该大小的文件不计算哈希
const maxHashSize = 64 << 20

// HandleEvent 单个文件事件的完整处理：聚合、启发式、情报、决策、告警、缓解
func (e *Engine) HandleEvent(ctx context.Context, ev model.OperationEvent) model.Alert {
	e.Metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	obs := e.Aggregator.Ingest(ev)
	e.Metrics.AggregateCount.Set(float64(obs.AggregateCount))
	now := ev.Timestamp
	if now.IsZero() {
		now = e.clock.Now()
	}

	var heur model.Heuristics
	var candidates map[string][]string
	if ev.Kind != model.OpDeleted {
		heur = e.inspectFile(ev.Key)
		candidates = e.fileCandidates(ev.Key)
	}
	heur.PriorWarning = e.priorWarning(now)

	var matches []model.IndicatorMatch
	if len(candidates) > 0 && e.cfg.ThreatIntel.Enabled {
		matches = e.Matcher.Check(candidates)
	}

	a := decision.Decide(decision.Input{
		At:          now,
		Source:      SourceFile,
		Observation: &obs,
		Matches:     matches,
		Heuristics:  heur,
	}, decision.Policy{BurstThreshold: e.burst})
	if ev.PID > 0 {
		if a.Details == nil {
			a.Details = map[string]any{}
		}
		a.Details["pid"] = ev.PID
		a.Details["process"] = ev.ProcName
	}

	e.noteLevel(a)
	e.publish(ctx, a)

	if a.Level == model.LevelCritical {
		e.respond(ctx, a, ev)
	}
	return a
}

// inspectFile 勒索信与伪装文件检查；文件不可读时结果为空
func (e *Engine) inspectFile(path string) model.Heuristics {
	var h model.Heuristics
	if analysis.NoteCandidate(path) {
		if r, err := e.notes.Inspect(path); err == nil && r.Fired {
			h.RansomNote = true
			h.Pattern = r.Pattern
		}
	}
	if res, err := e.types.Inspect(path); err == nil && res.IsMasquerade && res.RiskLevel == analysis.RiskHigh {
		h.Masquerade = true
		e.log.Warn("🎭 masquerade file",
			zap.String("path", path),
			zap.String("real", res.RealExt),
			zap.String("declared", res.DeclaredExt))
	}
	return h
}

// fileCandidates 文件名 + sha256 (按 path/size/mtime 缓存)
func (e *Engine) fileCandidates(path string) map[string][]string {
	c := map[string][]string{intel.SetFileNames: {filepath.Base(path)}}

	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() || fi.Size() > maxHashSize {
		return c
	}
	cacheKey := path + "|" + strconv.FormatInt(fi.Size(), 10) + "|" + strconv.FormatInt(fi.ModTime().UnixNano(), 10)
	sum, ok := e.hashCache.Get(cacheKey)
	if !ok {
		sum, _, err = quarantine.Checksum(path)
		if err != nil {
			return c
		}
		e.hashCache.Add(cacheKey, sum)
	}
	c[intel.SetHashes] = []string{sum}
	return c
}

// priorWarning 保留窗口内是否出现过 warning 及以上信号
func (e *Engine) priorWarning(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastWarning.IsZero() {
		return false
	}
	return now.Sub(e.lastWarning) <= e.Aggregator.Horizon()
}

func (e *Engine) noteLevel(a model.Alert) {
	if a.Level < model.LevelWarning {
		return
	}
	e.mu.Lock()
	if a.Timestamp.After(e.lastWarning) {
		e.lastWarning = a.Timestamp
	}
	e.mu.Unlock()
}

// publish 低于最低级别的告警只进历史不投递
func (e *Engine) publish(ctx context.Context, a model.Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = e.clock.Now()
	}
	if !decision.Passes(a, e.minLevel) {
		e.Metrics.AlertsSuppressed.Inc()
		e.Sink.Record(a)
		e.log.Debug("alert below minimum level",
			zap.String("level", a.Level.String()),
			zap.String("message", a.Message))
		return
	}
	e.Metrics.AlertsTotal.WithLabelValues(a.Level.String()).Inc()
	e.Sink.Publish(ctx, a)

	if a.Level == model.LevelCritical {
		go e.Indicator.Blink(indicator.Alert, 5, 200*time.Millisecond)
	}
}

// respond 严重告警触发的缓解：隔离文件，结束进程
func (e *Engine) respond(ctx context.Context, a model.Alert, ev model.OperationEvent) {
	reason := a.Message
	if ev.Kind != model.OpDeleted {
		if _, err := os.Lstat(ev.Key); err == nil {
			e.mitigate(ctx, model.Threat{Type: model.ThreatFile, Target: ev.Key, Reason: reason})
		}
	}
	if ev.PID > 1 && int(ev.PID) != os.Getpid() {
		e.mitigate(ctx, model.Threat{Type: model.ThreatProcess, Target: strconv.Itoa(int(ev.PID)), Reason: reason})
	}
}

// mitigate 运行期间交给队列，否则同步执行
func (e *Engine) mitigate(ctx context.Context, t model.Threat) {
	if !e.running.Load() {
		e.Mitigation.Mitigate(ctx, t)
		return
	}
	if _, err := e.Mitigation.Submit(ctx, t); err != nil {
		e.log.Warn("⚠️ mitigation not queued", zap.String("target", t.Target), zap.Error(err))
	}
}

// HandleSample 资源采样：特征提取、异常评分、远端连接情报检查
func (e *Engine) HandleSample(ctx context.Context, s model.ResourceSample, peers []string) model.Alert {
	e.Extractor.UpdateSample(s)
	e.Metrics.Resource.WithLabelValues("cpu_pct").Set(s.CPUPct)
	e.Metrics.Resource.WithLabelValues("mem_pct").Set(s.MemPct)
	e.Metrics.Resource.WithLabelValues("disk_read_rate").Set(s.DiskReadRate)
	e.Metrics.Resource.WithLabelValues("disk_write_rate").Set(s.DiskWriteRate)
	e.Metrics.Resource.WithLabelValues("net_activity").Set(s.NetActivity)

	now := s.At
	if now.IsZero() {
		now = e.clock.Now()
	}

	in := decision.Input{At: now, Source: SourceResource}
	in.Heuristics.PriorWarning = e.priorWarning(now)

	vec := e.Extractor.Extract()
	score, err := e.Scorer.Predict(vec)
	switch {
	case err == nil:
		in.Anomaly = &score
		e.Metrics.AnomalyScore.Set(score.Score)
		e.mu.Lock()
		e.lastScore = &score
		e.mu.Unlock()
	case errors.Is(err, anomaly.ErrModelNotTrained):
		e.log.Debug("anomaly scoring skipped, model not trained")
	default:
		e.log.Warn("anomaly scoring failed", zap.Error(err))
	}

	if len(peers) > 0 && e.cfg.ThreatIntel.Enabled {
		in.Matches = e.Matcher.Check(map[string][]string{intel.SetIPs: peers})
		e.mu.Lock()
		e.lastPeers = peers
		e.mu.Unlock()
	}

	a := decision.Decide(in, decision.Policy{BurstThreshold: e.burst})
	e.noteLevel(a)
	if a.Level == model.LevelInfo {
		// 周期采样的常规结果只记日志
		e.log.Debug("resource sample", zap.Float64("cpu", s.CPUPct), zap.Float64("mem", s.MemPct))
		return a
	}
	e.publish(ctx, a)

	for _, m := range in.Matches {
		e.mitigate(ctx, model.Threat{Type: model.ThreatNetwork, Target: m.Value, Reason: "connection to known-bad address"})
	}
	return a
}

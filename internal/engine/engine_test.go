package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/ransomSentry/internal/alert"
	"github.com/Hara602/ransomSentry/internal/config"
	"github.com/Hara602/ransomSentry/internal/indicator"
	"github.com/Hara602/ransomSentry/internal/intel"
	"github.com/Hara602/ransomSentry/internal/mitigation"
	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/quarantine"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Send(_ context.Context, a model.Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) all() []model.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Alert(nil), c.alerts...)
}

type fakeKiller struct{ err error }

func (k fakeKiller) Kill(context.Context, int) error { return k.err }

type harness struct {
	eng     *Engine
	clock   *sysutil.ManualClock
	capture *captureNotifier
	watch   string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.System.DataDir = filepath.Join(dir, "data")
	cfg.Model.Path = filepath.Join(dir, "data", "models", "model.json")
	cfg.Model.TrainingDataPath = ""
	cfg.ThreatIntel.FeedsConfig = ""
	cfg.ThreatIntel.IndicatorsPath = filepath.Join(dir, "data", "intel", "indicators.json")
	cfg.Response.AlertMethods = nil
	cfg.Response.QuarantineDir = filepath.Join(dir, "data", "quarantine")
	cfg.Response.BlocklistDB = filepath.Join(dir, "data", "blocklist.db")
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	h := &harness{
		clock:   sysutil.NewManualClock(time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)),
		capture: &captureNotifier{},
		watch:   filepath.Join(dir, "home"),
	}
	require.NoError(t, os.MkdirAll(h.watch, 0o755))

	eng, err := New(cfg, Deps{
		Clock:     h.clock,
		Indicator: indicator.Noop{},
		Killer:    fakeKiller{err: mitigation.ErrProcessNotFound},
		Notifiers: []alert.Notifier{h.capture},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown() })
	h.eng = eng
	return h
}

func (h *harness) event(t *testing.T, kind model.OpKind, path string) model.Alert {
	t.Helper()
	h.clock.Advance(100 * time.Millisecond)
	return h.eng.HandleEvent(context.Background(), model.OperationEvent{
		Key:       path,
		Kind:      kind,
		Timestamp: h.clock.Now(),
	})
}

func (h *harness) createFiles(t *testing.T) []string {
	t.Helper()
	var paths []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		p := filepath.Join(h.watch, name+".txt")
		require.NoError(t, os.WriteFile(p, []byte("quarterly report "+name), 0o644))
		paths = append(paths, p)
		a := h.event(t, model.OpCreated, p)
		assert.Equal(t, model.LevelInfo, a.Level)
	}
	return paths
}

func (h *harness) encryptFiles(t *testing.T, paths []string) {
	t.Helper()
	for _, p := range paths {
		dst := p + ".encrypted"
		require.NoError(t, os.Rename(p, dst))
		a := h.event(t, model.OpRenamed, dst)
		assert.Equal(t, model.LevelWarning, a.Level)
		assert.Contains(t, a.Message, "suspicious file extension")
	}
}

func TestBenignCreatesRaiseNoAlert(t *testing.T) {
	h := newHarness(t, nil)
	h.createFiles(t)

	assert.Equal(t, 5, h.eng.Aggregator.Snapshot().Total)
	assert.Empty(t, h.capture.all())
	// 低于最低级别的告警仍保留在历史中
	assert.Len(t, h.eng.RecentAlerts(0, model.LevelInfo, ""), 5)
	assert.Empty(t, h.eng.RecentAlerts(0, model.LevelWarning, ""))
}

func TestEncryptedRenamesWarn(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Detection.BurstThreshold = 100 })
	h.encryptFiles(t, h.createFiles(t))

	got := h.capture.all()
	require.Len(t, got, 5)
	for _, a := range got {
		assert.Equal(t, model.LevelWarning, a.Level)
		assert.Equal(t, SourceFile, a.Source)
	}
}

func TestRansomNoteAfterWarningsIsQuarantined(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Response.AutoMitigation = true })
	h.encryptFiles(t, h.createFiles(t))

	note := filepath.Join(h.watch, "RANSOM_NOTE.txt")
	content := "All your files have been encrypted. Send bitcoin to recover your files."
	require.NoError(t, os.WriteFile(note, []byte(content), 0o644))
	a := h.event(t, model.OpCreated, note)
	require.Equal(t, model.LevelCritical, a.Level)
	assert.Contains(t, a.Message, "ransom note")

	recs, err := h.eng.ListQuarantine()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, note, rec.OriginalPath)
	assert.Equal(t, model.StatusQuarantined, rec.Status)
	assert.NoFileExists(t, note)

	stored, _, err := quarantine.Checksum(filepath.Join(h.eng.Ledger.Dir(), rec.ID))
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, stored)

	var levels []model.AlertLevel
	for _, got := range h.capture.all() {
		levels = append(levels, got.Level)
	}
	assert.Contains(t, levels, model.LevelCritical)

	// 恢复后原文件回到原位置
	path, err := h.eng.RestoreQuarantine(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, note, path)
	b, err := os.ReadFile(note)
	require.NoError(t, err)
	assert.Equal(t, content, string(b))
}

func TestRansomNoteWithoutPriorWarningIsNotCritical(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Response.AutoMitigation = true })
	note := filepath.Join(h.watch, "HOW_TO_DECRYPT.txt")
	require.NoError(t, os.WriteFile(note, []byte("your files are encrypted, pay the ransom"), 0o644))

	a := h.event(t, model.OpCreated, note)
	assert.NotEqual(t, model.LevelCritical, a.Level)
	assert.FileExists(t, note)
}

func TestMitigateMissingProcess(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.eng.ExecuteAction(context.Background(), model.Threat{
		Type:   model.ThreatProcess,
		Target: "4194305",
		Reason: "manual",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, mitigation.ErrProcessNotFound)
	assert.False(t, res.Success)
	assert.Equal(t, "process not found", res.Error)
	assert.Equal(t, model.StateFailed, res.State)

	// 失败结果以 critical 告警上报
	got := h.capture.all()
	require.NotEmpty(t, got)
	assert.Equal(t, model.LevelCritical, got[len(got)-1].Level)
}

func TestCheckIntelAfterUpdate(t *testing.T) {
	h := newHarness(t, nil)
	candidates := map[string][]string{intel.SetDomains: {"evil.com"}}

	assert.Empty(t, h.eng.CheckIntel(candidates))
	require.NoError(t, h.eng.Matcher.Update("domains", []string{"evil.com"}))
	assert.Equal(t, []model.IndicatorMatch{{Type: "domain", Value: "evil.com"}}, h.eng.CheckIntel(candidates))
}

func TestHashIndicatorEscalates(t *testing.T) {
	h := newHarness(t, nil)
	p := filepath.Join(h.watch, "dropper.bin")
	require.NoError(t, os.WriteFile(p, []byte("payload"), 0o644))
	sum, _, err := quarantine.Checksum(p)
	require.NoError(t, err)
	require.NoError(t, h.eng.Matcher.Update(intel.SetHashes, []string{sum}))

	a := h.event(t, model.OpCreated, p)
	assert.Equal(t, model.LevelCritical, a.Level)
	assert.Contains(t, a.Message, "threat intelligence match")
	// 自动缓解关闭时文件保留
	assert.FileExists(t, p)
}

func TestSampleWithPeerMatch(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.eng.Matcher.Update(intel.SetIPs, []string{"203.0.113.9"}))

	a := h.eng.HandleSample(context.Background(), model.ResourceSample{At: h.clock.Now(), CPUPct: 5, MemPct: 20},
		[]string{"198.51.100.1", "203.0.113.9"})
	assert.Equal(t, model.LevelCritical, a.Level)
	assert.Equal(t, SourceResource, a.Source)

	quiet := h.eng.HandleSample(context.Background(), model.ResourceSample{At: h.clock.Now()}, nil)
	assert.Equal(t, model.LevelInfo, quiet.Level)
	assert.Len(t, h.capture.all(), 1)
}

func TestMinimumLevelCritical(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Detection.MinAlertLevel = "critical" })
	h.encryptFiles(t, h.createFiles(t))

	assert.Empty(t, h.capture.all())
	assert.Len(t, h.eng.RecentAlerts(0, model.LevelWarning, SourceFile), 5)
}

func TestStatusAndShutdown(t *testing.T) {
	h := newHarness(t, nil)
	h.createFiles(t)

	st := h.eng.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 5, st.AggregateCount)
	assert.Equal(t, "warning", st.MinAlertLevel)
	assert.Equal(t, []string{"capture"}, st.Notifiers)

	require.NoError(t, h.eng.Shutdown())
	require.NoError(t, h.eng.Shutdown())

	entries, err := os.ReadDir(h.eng.cfg.MetricsDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "metrics_"))
	assert.FileExists(t, h.eng.cfg.ThreatIntel.IndicatorsPath)
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/ransomSentry/internal/engine"
	"github.com/Hara602/ransomSentry/internal/mitigation"
	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/quarantine"
)

type fakeBackend struct {
	alerts    []model.Alert
	lastQuery struct {
		count  int
		level  model.AlertLevel
		source string
	}
	threats    []model.Threat
	candidates map[string][]string
}

func (f *fakeBackend) Status() engine.Status {
	return engine.Status{Running: true, MinAlertLevel: "warning"}
}

func (f *fakeBackend) RecentAlerts(count int, level model.AlertLevel, source string) []model.Alert {
	f.lastQuery.count, f.lastQuery.level, f.lastQuery.source = count, level, source
	return f.alerts
}

func (f *fakeBackend) ListQuarantine() ([]model.QuarantineRecord, error) {
	return []model.QuarantineRecord{{ID: "q1", OriginalPath: "/home/a.txt", Status: model.StatusQuarantined}}, nil
}

func (f *fakeBackend) RestoreQuarantine(_ context.Context, id string) (string, error) {
	if id != "q1" {
		return "", fmt.Errorf("quarantine record %q: %w", id, quarantine.ErrNotFound)
	}
	return "/home/a.txt", nil
}

func (f *fakeBackend) ExecuteAction(_ context.Context, t model.Threat) (model.MitigationResult, error) {
	f.threats = append(f.threats, t)
	return model.MitigationResult{
		Decision: model.MitigationDecision{Action: model.ActionBlockProcess, Target: t.Target},
		State:    model.StateFailed,
		Error:    mitigation.ErrProcessNotFound.Error(),
	}, mitigation.ErrProcessNotFound
}

func (f *fakeBackend) CheckIntel(c map[string][]string) []model.IndicatorMatch {
	f.candidates = c
	for _, v := range c["domains"] {
		if v == "evil.com" {
			return []model.IndicatorMatch{{Type: "domain", Value: v}}
		}
	}
	return nil
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndStatus(t *testing.T) {
	h := NewServer(&fakeBackend{}, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["running"])

	// 未注册 metrics handler
	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertsQuery(t *testing.T) {
	b := &fakeBackend{alerts: []model.Alert{{Level: model.LevelCritical, Message: "x", Source: "file_monitor"}}}
	h := NewServer(b, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/alerts?count=5&level=critical&source=file_monitor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, b.lastQuery.count)
	assert.Equal(t, model.LevelCritical, b.lastQuery.level)
	assert.Equal(t, "file_monitor", b.lastQuery.source)
	out := decode(t, rec)
	assert.EqualValues(t, 1, out["count"])

	rec = do(t, h, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultAlertCount, b.lastQuery.count)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/alerts?level=loud", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/alerts?count=-1", "").Code)
}

func TestQuarantineRoutes(t *testing.T) {
	h := NewServer(&fakeBackend{}, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/quarantine", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = do(t, h, http.MethodPost, "/api/quarantine/q1/restore", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/home/a.txt", decode(t, rec)["restored_path"])

	rec = do(t, h, http.MethodPost, "/api/quarantine/missing/restore", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMitigationAction(t *testing.T) {
	b := &fakeBackend{}
	h := NewServer(b, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/mitigation/action", `{"type":"process","target":"4194305"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "process not found", out["error"])
	require.Len(t, b.threats, 1)
	assert.Equal(t, "manual action", b.threats[0].Reason)

	rec = do(t, h, http.MethodPost, "/api/mitigation/action", `{"type":"registry","target":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/mitigation/action", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntelCheck(t *testing.T) {
	b := &fakeBackend{}
	h := NewServer(b, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/intel/check", `{"domain":["evil.com"],"fileNames":["a.txt"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"evil.com"}, b.candidates["domains"])
	assert.Equal(t, []string{"a.txt"}, b.candidates["file_names"])
	matches := decode(t, rec)["matches"].([]any)
	require.Len(t, matches, 1)

	rec = do(t, h, http.MethodPost, "/api/intel/check", `{"urls":["x"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	m := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ransomsentry_up 1\n")) })
	h := NewServer(&fakeBackend{}, m, nil).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ransomsentry_up")
}

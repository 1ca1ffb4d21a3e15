// Package api 本地 HTTP 管理接口：状态、告警、隔离区、手动缓解、情报查询和指标
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/engine"
	"github.com/Hara602/ransomSentry/internal/intel"
	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/quarantine"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

const defaultAlertCount = 100

// Backend 由 engine.Engine 实现
type Backend interface {
	Status() engine.Status
	RecentAlerts(count int, level model.AlertLevel, source string) []model.Alert
	ListQuarantine() ([]model.QuarantineRecord, error)
	RestoreQuarantine(ctx context.Context, id string) (string, error)
	ExecuteAction(ctx context.Context, t model.Threat) (model.MitigationResult, error)
	CheckIntel(candidates map[string][]string) []model.IndicatorMatch
}

type Server struct {
	r       *chi.Mux
	backend Backend
	metrics http.Handler
	log     *zap.Logger
}

var validate = validator.New()

// NewServer metrics 为 nil 时不注册 /metrics
func NewServer(b Backend, metrics http.Handler, logger *zap.Logger) *Server {
	s := &Server{r: chi.NewRouter(), backend: b, metrics: metrics, log: sysutil.Named(logger, "api")}

	s.r.Use(middleware.RequestID)
	s.r.Use(s.requestLogger)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	if s.metrics != nil {
		s.r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/alerts", s.getAlerts)
		r.Get("/quarantine", s.getQuarantine)
		r.Post("/quarantine/{id}/restore", s.postRestore)
		r.Post("/mitigation/action", s.postAction)
		r.Post("/intel/check", s.postIntelCheck)
	})
}

func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.backend.Status(), http.StatusOK)
}

func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count := defaultAlertCount
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "count must be a non-negative integer", http.StatusBadRequest)
			return
		}
		count = n
	}
	var level model.AlertLevel
	if v := q.Get("level"); v != "" {
		l, err := model.ParseAlertLevel(v)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		level = l
	}
	alerts := s.backend.RecentAlerts(count, level, q.Get("source"))
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, map[string]any{"count": len(alerts), "alerts": alerts}, http.StatusOK)
}

func (s *Server) getQuarantine(w http.ResponseWriter, r *http.Request) {
	recs, err := s.backend.ListQuarantine()
	if err != nil {
		s.log.Error("list quarantine failed", zap.Error(err))
		writeError(w, "failed to list quarantine", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.QuarantineRecord{}
	}
	writeJSON(w, map[string]any{"count": len(recs), "records": recs}, http.StatusOK)
}

func (s *Server) postRestore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, err := s.backend.RestoreQuarantine(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"quarantine_id": id, "restored_path": path}, http.StatusOK)
	case errors.Is(err, quarantine.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		s.log.Error("restore failed", zap.String("id", id), zap.Error(err))
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

type actionRequest struct {
	Type   string `json:"type" validate:"required,oneof=file process network"`
	Target string `json:"target" validate:"required"`
	Reason string `json:"reason"`
}

// postAction 缓解失败也返回 200，结果在 body 中
func (s *Server) postAction(w http.ResponseWriter, r *http.Request) {
	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "manual action"
	}
	res, err := s.backend.ExecuteAction(r.Context(), model.Threat{
		Type:   model.ThreatType(body.Type),
		Target: body.Target,
		Reason: body.Reason,
	})
	if err != nil {
		s.log.Warn("manual mitigation failed", zap.String("target", body.Target), zap.Error(err))
	}
	writeJSON(w, res, http.StatusOK)
}

func (s *Server) postIntelCheck(w http.ResponseWriter, r *http.Request) {
	var body map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	candidates := make(map[string][]string, len(body))
	for k, vals := range body {
		set, ok := intel.SetName(k)
		if !ok {
			writeError(w, "unknown indicator type: "+k, http.StatusBadRequest)
			return
		}
		candidates[set] = append(candidates[set], vals...)
	}
	matches := s.backend.CheckIntel(candidates)
	if matches == nil {
		matches = []model.IndicatorMatch{}
	}
	writeJSON(w, map[string]any{"matches": matches}, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, map[string]string{"error": msg}, code)
}

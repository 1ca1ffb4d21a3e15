package alert

import (
	"context"

	"github.com/Hara602/ransomSentry/internal/model"
	"go.uber.org/zap"
)

// ConsoleNotifier 通过 zap 输出告警
type ConsoleNotifier struct {
	log *zap.Logger
}

func NewConsoleNotifier(l *zap.Logger) *ConsoleNotifier {
	if l == nil {
		l = zap.NewNop()
	}
	return &ConsoleNotifier{log: l.Named("console")}
}

func (c *ConsoleNotifier) Name() string { return "console" }

func (c *ConsoleNotifier) Send(_ context.Context, a model.Alert) error {
	fields := []zap.Field{
		zap.String("source", a.Source),
		zap.Time("at", a.Timestamp),
	}
	if len(a.Details) > 0 {
		fields = append(fields, zap.Any("details", a.Details))
	}
	switch a.Level {
	case model.LevelCritical:
		c.log.Error("🚨 CRITICAL: "+a.Message, fields...)
	case model.LevelWarning:
		c.log.Warn("⚠️ WARNING: "+a.Message, fields...)
	default:
		c.log.Info("ℹ️ "+a.Message, fields...)
	}
	return nil
}

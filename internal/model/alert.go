package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type AlertLevel int

const (
	LevelInfo AlertLevel = iota + 1
	LevelWarning
	LevelCritical
)

func (l AlertLevel) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseAlertLevel 大小写不敏感
func ParseAlertLevel(s string) (AlertLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "critical":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown alert level %q", s)
}

func (l AlertLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *AlertLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseAlertLevel(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Alert 创建后不可修改
type Alert struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     AlertLevel     `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details,omitempty"`
}

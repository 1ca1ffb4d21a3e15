// Package decision 把异常分数、情报命中和启发式结果合并成一个告警级别
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
)

const DefaultBurstThreshold = 10

type Policy struct {
	BurstThreshold int
}

// Input 决策输入，缺失的信号为 nil/零值
type Input struct {
	At          time.Time
	Source      string
	Observation *model.Observation
	Anomaly     *model.AnomalyScore
	Matches     []model.IndicatorMatch
	Heuristics  model.Heuristics
}

// Decide 纯函数：相同输入得到相同告警，不阻塞不失败
func Decide(in Input, p Policy) model.Alert {
	threshold := p.BurstThreshold
	if threshold <= 0 {
		threshold = DefaultBurstThreshold
	}

	details := map[string]any{}
	var warnings []string

	if in.Anomaly != nil {
		details["anomaly_score"] = in.Anomaly.Score
		details["anomaly_label"] = string(in.Anomaly.Label)
		if in.Anomaly.IsAnomaly() {
			warnings = append(warnings, fmt.Sprintf("anomalous behavior (score %.4f)", in.Anomaly.Score))
		}
	}
	if obs := in.Observation; obs != nil {
		details["key"] = obs.Key
		details["op_count"] = obs.OpCount
		details["aggregate_count"] = obs.AggregateCount
		if obs.ExtensionMatch {
			warnings = append(warnings, "suspicious file extension")
		}
		if obs.BurstCount > threshold {
			warnings = append(warnings, fmt.Sprintf("burst of %d operations exceeds threshold %d", obs.BurstCount, threshold))
		}
	}
	if in.Heuristics.Masquerade {
		warnings = append(warnings, "file content does not match its extension")
	}

	level := model.LevelInfo
	var reasons []string
	if len(warnings) > 0 {
		level = model.LevelWarning
		reasons = warnings
	}

	var critical []string
	if len(in.Matches) > 0 {
		details["intel_matches"] = in.Matches
		vals := make([]string, 0, len(in.Matches))
		for _, m := range in.Matches {
			vals = append(vals, m.Type+"="+m.Value)
		}
		critical = append(critical, "threat intelligence match: "+strings.Join(vals, ", "))
	}
	if in.Heuristics.RansomNote {
		details["ransom_note_pattern"] = in.Heuristics.Pattern
		// 勒索信需要伴随本周期内的 warning 信号才升级
		if in.Heuristics.PriorWarning || len(warnings) > 0 {
			critical = append(critical, "ransom note detected after suspicious activity")
		} else {
			reasons = append(reasons, "possible ransom note (no prior warning)")
		}
	}
	if len(critical) > 0 {
		level = model.LevelCritical
		reasons = append(critical, reasons...)
	}

	msg := "routine activity"
	if len(reasons) > 0 {
		msg = strings.Join(reasons, "; ")
	}
	if in.Observation != nil && in.Observation.Key != "" {
		msg = fmt.Sprintf("%s: %s", msg, in.Observation.Key)
	}
	if len(details) == 0 {
		details = nil
	}
	return model.Alert{
		Timestamp: in.At,
		Level:     level,
		Message:   msg,
		Source:    in.Source,
		Details:   details,
	}
}

// Passes 级别过滤
func Passes(a model.Alert, floor model.AlertLevel) bool {
	return a.Level >= floor
}

package model

import "time"

// ThreatType 威胁类别
type ThreatType string

const (
	ThreatFile    ThreatType = "file"
	ThreatProcess ThreatType = "process"
	ThreatNetwork ThreatType = "network"
)

type Threat struct {
	Type   ThreatType `json:"type"`
	Target string     `json:"target"`
	Reason string     `json:"reason"`
}

// ActionType 缓解动作
type ActionType string

const (
	ActionIsolateFile  ActionType = "isolate_file"
	ActionBlockProcess ActionType = "block_process"
	ActionBlockNetwork ActionType = "block_network"
)

// ActionFor 威胁类别对应的缓解动作
func ActionFor(t ThreatType) (ActionType, bool) {
	switch t {
	case ThreatFile:
		return ActionIsolateFile, true
	case ThreatProcess:
		return ActionBlockProcess, true
	case ThreatNetwork:
		return ActionBlockNetwork, true
	}
	return "", false
}

type MitigationDecision struct {
	Action ActionType `json:"action_type"`
	Target string     `json:"target"`
	Reason string     `json:"reason"`
}

// MitigationState 单次缓解请求的状态机
type MitigationState string

const (
	StatePending   MitigationState = "pending"
	StateSkipped   MitigationState = "skipped"
	StateExecuting MitigationState = "executing"
	StateSucceeded MitigationState = "succeeded"
	StateFailed    MitigationState = "failed"
)

// MitigationResult 缓解结果 (结构化，失败不抛错)
type MitigationResult struct {
	ID         string             `json:"id"`
	Decision   MitigationDecision `json:"decision"`
	State      MitigationState    `json:"state"`
	Success    bool               `json:"success"`
	Reason     string             `json:"reason,omitempty"`
	Error      string             `json:"error,omitempty"`
	Enforced   bool               `json:"enforced"`
	Details    map[string]any     `json:"details,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

type QuarantineStatus string

const (
	StatusQuarantined QuarantineStatus = "quarantined"
	StatusRestored    QuarantineStatus = "restored"
)

// QuarantineRecord 隔离审计记录，只追加/更新不删除
type QuarantineRecord struct {
	ID            string           `json:"quarantine_id"`
	OriginalPath  string           `json:"original_path"`
	QuarantinedAt time.Time        `json:"quarantined_at"`
	Reason        string           `json:"reason"`
	Checksum      string           `json:"checksum"`
	Status        QuarantineStatus `json:"status"`
	Recovery      string           `json:"recovery"` // removed | renamed | in_place
	BackupPath    string           `json:"backup_path,omitempty"`
	Size          int64            `json:"size"`
	RestoredPath  string           `json:"restored_path,omitempty"`
	RestoredAt    *time.Time       `json:"restored_at,omitempty"`
}

// IndicatorMatch 威胁情报命中
type IndicatorMatch struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

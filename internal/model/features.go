package model

// 特征顺序是模型契约的一部分，修改后必须重新训练
const (
	FeatOpCount = iota
	FeatEncryptCount
	FeatDeleteCount
	FeatCreateCount
	FeatDiskReadRate
	FeatDiskWriteRate
	FeatCPUPct
	FeatMemPct
	FeatNetActivity

	FeatureCount
)

var FeatureNames = [FeatureCount]string{
	"op_count",
	"encrypt_count",
	"delete_count",
	"create_count",
	"disk_read_rate",
	"disk_write_rate",
	"cpu_pct",
	"mem_pct",
	"net_activity",
}

// FeatureVector 固定 9 维特征向量
type FeatureVector [FeatureCount]float64

type AnomalyLabel string

const (
	LabelNormal  AnomalyLabel = "normal"
	LabelAnomaly AnomalyLabel = "anomaly"
)

// AnomalyScore 分数越低越异常
type AnomalyScore struct {
	Label AnomalyLabel `json:"label"`
	Score float64      `json:"score"`
}

func (s AnomalyScore) IsAnomaly() bool { return s.Label == LabelAnomaly }

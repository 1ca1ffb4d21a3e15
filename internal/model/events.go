package model

import "time"

// OpKind 文件操作类型
type OpKind string

const (
	OpCreated  OpKind = "created"
	OpModified OpKind = "modified"
	OpDeleted  OpKind = "deleted"
	OpRenamed  OpKind = "renamed"
)

// OperationEvent 原始操作事件 (文件路径或实体ID作为 Key)
type OperationEvent struct {
	Key       string    `json:"key"`
	Kind      OpKind    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	PID       int32     `json:"pid,omitempty"`       // 进程ID，可能未知
	ProcName  string    `json:"proc_name,omitempty"` // 进程名
}

// Observation 聚合器对单次事件的观察结果
type Observation struct {
	Key            string `json:"key"`
	OpCount        int    `json:"op_count"`        // 当前 Key 窗口内的事件数
	ExtensionMatch bool   `json:"extension_match"` // 是否命中可疑后缀
	AggregateCount int    `json:"aggregate_count"` // 所有窗口事件总数 (突发计数器)
	BurstCount     int    `json:"burst_count"`     // 按策略参与阈值比较的计数
}

// Heuristics 内容/文件名启发式检查结果
type Heuristics struct {
	RansomNote   bool   `json:"ransom_note"`
	Masquerade   bool   `json:"masquerade"`
	Pattern      string `json:"pattern,omitempty"`
	PriorWarning bool   `json:"prior_warning"` // 当前周期内是否已有 warning 级信号
}

// ResourceSample 资源采样 (百分比与字节/秒)
type ResourceSample struct {
	At            time.Time `json:"at"`
	CPUPct        float64   `json:"cpu_pct"`
	MemPct        float64   `json:"mem_pct"`
	DiskReadRate  float64   `json:"disk_read_rate"`
	DiskWriteRate float64   `json:"disk_write_rate"`
	NetActivity   float64   `json:"net_activity"`
}

// USBEvent 硬件插拔事件
type USBEvent struct {
	Action     string // "add", "remove"
	DevicePath string // e.g., /dev/sdb1
	MountPoint string // e.g., /media/usb
	VendorID   string
	ProductID  string
	Product    string
	Serial     string
	DeviceType string // "udisk", "BADUSB_SUSPECT"
	TimeStamp  time.Time
}

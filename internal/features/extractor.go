package features

import (
	"math"
	"sync"

	"github.com/Hara602/ransomSentry/internal/aggregator"
	"github.com/Hara602/ransomSentry/internal/model"
)

// CounterSource 提供窗口计数 (一般是 aggregator.Aggregator)
type CounterSource interface {
	Snapshot() aggregator.Counters
}

// Extractor 保存最新一次资源采样，与窗口计数组合成特征向量
type Extractor struct {
	mu     sync.Mutex
	latest *model.ResourceSample

	counters CounterSource
}

func New(src CounterSource) *Extractor {
	return &Extractor{counters: src}
}

// UpdateSample 记录最新采样
func (e *Extractor) UpdateSample(s model.ResourceSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latest = &s
}

func (e *Extractor) Latest() (model.ResourceSample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return model.ResourceSample{}, false
	}
	return *e.latest, true
}

// Extract 缺失的字段一律为 0，不会失败
func (e *Extractor) Extract() model.FeatureVector {
	var c aggregator.Counters
	if e.counters != nil {
		c = e.counters.Snapshot()
	}
	e.mu.Lock()
	var s *model.ResourceSample
	if e.latest != nil {
		cp := *e.latest
		s = &cp
	}
	e.mu.Unlock()
	return Compose(c, s)
}

// Compose 按固定顺序组装特征向量
func Compose(c aggregator.Counters, s *model.ResourceSample) model.FeatureVector {
	var v model.FeatureVector
	v[model.FeatOpCount] = float64(c.Total)
	v[model.FeatEncryptCount] = float64(c.Encrypt)
	v[model.FeatDeleteCount] = float64(c.Deletes)
	v[model.FeatCreateCount] = float64(c.Creates)
	if s != nil {
		v[model.FeatDiskReadRate] = finite(s.DiskReadRate)
		v[model.FeatDiskWriteRate] = finite(s.DiskWriteRate)
		v[model.FeatCPUPct] = finite(s.CPUPct)
		v[model.FeatMemPct] = finite(s.MemPct)
		v[model.FeatNetActivity] = finite(s.NetActivity)
	}
	return v
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Package aggregator 维护按 key 划分的滑动时间窗口
package aggregator

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
	"go.uber.org/zap"
)

// DefaultExtensions 默认可疑后缀
var DefaultExtensions = []string{".encrypt", ".locked", ".crypted", ".crypto", ".crypt", ".enc"}

const DefaultHorizon = 300 * time.Second

type entry struct {
	at         time.Time
	kind       model.OpKind
	suspicious bool
}

// Counters 窗口内计数快照，供特征提取使用
type Counters struct {
	Total   int
	Encrypt int
	Deletes int
	Creates int
	Keys    int
}

type Options struct {
	Horizon    time.Duration
	Extensions []string
	PerKey     bool // 突发计数按单个 key 统计
	Clock      sysutil.Clock
	Logger     *zap.Logger
}

// Aggregator 并发安全，所有窗口由它独占
type Aggregator struct {
	mu      sync.Mutex
	windows map[string][]entry
	total   int

	horizon time.Duration
	exts    []string
	perKey  bool
	clock   sysutil.Clock
	log     *zap.Logger
}

func New(opts Options) *Aggregator {
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.Extensions == nil {
		opts.Extensions = DefaultExtensions
	}
	if opts.Clock == nil {
		opts.Clock = sysutil.SystemClock
	}
	exts := make([]string, 0, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts = append(exts, strings.ToLower(e))
	}
	return &Aggregator{
		windows: make(map[string][]entry),
		horizon: opts.Horizon,
		exts:    exts,
		perKey:  opts.PerKey,
		clock:   opts.Clock,
		log:     sysutil.Named(opts.Logger, "aggregator"),
	}
}

// Ingest 追加事件并裁剪所有窗口，永不失败
func (a *Aggregator) Ingest(ev model.OperationEvent) model.Observation {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.clock.Now()
	}
	match := a.MatchExtension(ev.Key)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.windows[ev.Key] = append(a.windows[ev.Key], entry{at: ts, kind: ev.Kind, suspicious: match})
	a.total++
	a.pruneLocked(a.clock.Now())

	obs := model.Observation{
		Key:            ev.Key,
		OpCount:        len(a.windows[ev.Key]),
		ExtensionMatch: match,
		AggregateCount: a.total,
	}
	obs.BurstCount = obs.AggregateCount
	if a.perKey {
		obs.BurstCount = obs.OpCount
	}
	a.log.Debug("event ingested",
		zap.String("key", ev.Key),
		zap.String("kind", string(ev.Kind)),
		zap.Int("op_count", obs.OpCount),
		zap.Int("aggregate", obs.AggregateCount))
	return obs
}

// pruneLocked 删除早于 now-horizon 的条目；空窗口一并删除
func (a *Aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.horizon)
	for key, w := range a.windows {
		kept := w[:0]
		for _, e := range w {
			if !e.at.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		a.total -= len(w) - len(kept)
		if len(kept) == 0 {
			delete(a.windows, key)
			continue
		}
		a.windows[key] = kept
	}
}

// MatchExtension 小写后缀精确匹配，另接受过去式形式（.encrypt 命中 .encrypted）
func (a *Aggregator) MatchExtension(key string) bool {
	ext := strings.ToLower(filepath.Ext(key))
	if ext == "" {
		return false
	}
	for _, s := range a.exts {
		if ext == s || ext == s+"ed" {
			return true
		}
	}
	return false
}

// Snapshot 裁剪后返回当前计数
func (a *Aggregator) Snapshot() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clock.Now())

	c := Counters{Total: a.total, Keys: len(a.windows)}
	for _, w := range a.windows {
		for _, e := range w {
			if e.suspicious {
				c.Encrypt++
			}
			switch e.kind {
			case model.OpDeleted:
				c.Deletes++
			case model.OpCreated:
				c.Creates++
			}
		}
	}
	return c
}

// Window 返回某个 key 窗口内时间戳的副本
func (a *Aggregator) Window(key string) []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windows[key]
	out := make([]time.Time, len(w))
	for i, e := range w {
		out[i] = e.at
	}
	return out
}

// Oldest 所有窗口中最早的时间戳
func (a *Aggregator) Oldest() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var oldest time.Time
	found := false
	for _, w := range a.windows {
		for _, e := range w {
			if !found || e.at.Before(oldest) {
				oldest, found = e.at, true
			}
		}
	}
	return oldest, found
}

func (a *Aggregator) Horizon() time.Duration { return a.horizon }

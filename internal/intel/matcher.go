// Package intel 保存已知恶意指标并做精确匹配
package intel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

// 指标集合名
const (
	SetDomains   = "domains"
	SetIPs       = "ips"
	SetHashes    = "hashes"
	SetFileNames = "file_names"
)

// 固定检查顺序，命中记录的类型名为单数
var setOrder = []struct{ set, match string }{
	{SetDomains, "domain"},
	{SetIPs, "ip"},
	{SetHashes, "hash"},
	{SetFileNames, "file_name"},
}

var aliases = map[string]string{
	"domain": SetDomains, "domains": SetDomains,
	"ip": SetIPs, "ips": SetIPs,
	"hash": SetHashes, "hashes": SetHashes,
	"file_name": SetFileNames, "file_names": SetFileNames, "fileNames": SetFileNames,
}

// SetName 规范化集合名，未知返回 false
func SetName(t string) (string, bool) {
	s, ok := aliases[t]
	return s, ok
}

// Batch 一次 feed 更新解析出的类型化指标
type Batch struct {
	Domains   []string
	IPs       []string
	Hashes    []string
	FileNames []string
}

func (b Batch) Len() int { return len(b.Domains) + len(b.IPs) + len(b.Hashes) + len(b.FileNames) }

// Matcher 四个独立集合，匹配区分大小写
type Matcher struct {
	mu         sync.RWMutex
	sets       map[string]map[string]struct{}
	lastUpdate *time.Time
	clock      sysutil.Clock
}

func NewMatcher(clock sysutil.Clock) *Matcher {
	if clock == nil {
		clock = sysutil.SystemClock
	}
	m := &Matcher{sets: make(map[string]map[string]struct{}), clock: clock}
	for _, s := range setOrder {
		m.sets[s.set] = make(map[string]struct{})
	}
	return m
}

// Update 把 values 并入指定集合
func (m *Matcher) Update(setType string, values []string) error {
	name, ok := SetName(setType)
	if !ok {
		return fmt.Errorf("unknown indicator type %q", setType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeLocked(name, values)
	now := m.clock.Now()
	m.lastUpdate = &now
	return nil
}

func (m *Matcher) mergeLocked(name string, values []string) {
	set := m.sets[name]
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
}

// Apply 合并一个 Batch
func (m *Matcher) Apply(b Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeLocked(SetDomains, b.Domains)
	m.mergeLocked(SetIPs, b.IPs)
	m.mergeLocked(SetHashes, b.Hashes)
	m.mergeLocked(SetFileNames, b.FileNames)
	now := m.clock.Now()
	m.lastUpdate = &now
}

// Check 对每个候选值做精确匹配，未知类型忽略
func (m *Matcher) Check(candidates map[string][]string) []model.IndicatorMatch {
	byset := make(map[string][]string, len(candidates))
	for t, vals := range candidates {
		if name, ok := SetName(t); ok {
			byset[name] = append(byset[name], vals...)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.IndicatorMatch
	for _, s := range setOrder {
		set := m.sets[s.set]
		for _, v := range byset[s.set] {
			if _, hit := set[v]; hit {
				out = append(out, model.IndicatorMatch{Type: s.match, Value: v})
			}
		}
	}
	return out
}

// Counts 各集合大小
func (m *Matcher) Counts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.sets))
	for k, v := range m.sets {
		out[k] = len(v)
	}
	return out
}

func (m *Matcher) LastUpdate() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastUpdate == nil {
		return time.Time{}, false
	}
	return *m.lastUpdate, true
}

type indicatorFile struct {
	LastUpdate *time.Time `json:"last_update"`
	Domains    []string   `json:"domains"`
	IPs        []string   `json:"ips"`
	Hashes     []string   `json:"hashes"`
	FileNames  []string   `json:"file_names"`
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Save 原子写入指标文件
func (m *Matcher) Save(path string) error {
	m.mu.RLock()
	f := indicatorFile{
		LastUpdate: m.lastUpdate,
		Domains:    sortedKeys(m.sets[SetDomains]),
		IPs:        sortedKeys(m.sets[SetIPs]),
		Hashes:     sortedKeys(m.sets[SetHashes]),
		FileNames:  sortedKeys(m.sets[SetFileNames]),
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load 读取指标文件并与当前集合合并
func (m *Matcher) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f indicatorFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode indicators %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeLocked(SetDomains, f.Domains)
	m.mergeLocked(SetIPs, f.IPs)
	m.mergeLocked(SetHashes, f.Hashes)
	m.mergeLocked(SetFileNames, f.FileNames)
	if f.LastUpdate != nil && (m.lastUpdate == nil || f.LastUpdate.After(*m.lastUpdate)) {
		t := *f.LastUpdate
		m.lastUpdate = &t
	}
	return nil
}

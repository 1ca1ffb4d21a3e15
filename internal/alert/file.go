package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

const filePrefix, fileSuffix = "alerts_", ".json"

// FileNotifier 每天一个 JSON 数组文件，每次追加后整体原子重写
type FileNotifier struct {
	mu    sync.Mutex
	dir   string
	clock sysutil.Clock
	day   string
	batch []model.Alert
}

func NewFileNotifier(dir string, clock sysutil.Clock) (*FileNotifier, error) {
	if clock == nil {
		clock = sysutil.SystemClock
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileNotifier{dir: dir, clock: clock}, nil
}

func (f *FileNotifier) Name() string { return "file" }

func dayFile(dir, day string) string { return filepath.Join(dir, filePrefix+day+fileSuffix) }

func (f *FileNotifier) Send(_ context.Context, a model.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	day := f.clock.Now().Format("20060102")
	if day != f.day {
		// 换日或首次写入：接上当天已有的文件
		existing, err := readAlerts(dayFile(f.dir, day))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		f.day, f.batch = day, existing
	}
	f.batch = append(f.batch, a)
	return writeAlerts(dayFile(f.dir, f.day), f.batch)
}

func readAlerts(path string) ([]model.Alert, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []model.Alert
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

func writeAlerts(path string, alerts []model.Alert) error {
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadLatest 读取目录下最新的告警文件，目录为空时返回 nil
func LoadLatest(dir string) ([]model.Alert, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	return readAlerts(filepath.Join(dir, names[len(names)-1]))
}

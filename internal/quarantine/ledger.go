// Package quarantine 隔离区：带校验和的副本 + 元数据，支持还原
package quarantine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("not found")

const (
	metaSuffix = ".meta"

	RecoveryRemoved = "removed"
	RecoveryRenamed = "renamed"
	RecoveryInPlace = "in_place"
)

// Ledger 独占隔离目录及其中的副本和元数据
type Ledger struct {
	mu    sync.Mutex
	dir   string
	clock sysutil.Clock
	log   *zap.Logger
}

func NewLedger(dir string, clock sysutil.Clock, logger *zap.Logger) (*Ledger, error) {
	if clock == nil {
		clock = sysutil.SystemClock
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}
	return &Ledger{dir: dir, clock: clock, log: sysutil.Named(logger, "quarantine")}, nil
}

func (l *Ledger) Dir() string { return l.dir }

// Quarantine 顺序：写副本 -> 写元数据 -> 删除原文件，元数据只描述已存在的副本
func (l *Ledger) Quarantine(path, reason string) (model.QuarantineRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.QuarantineRecord{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return model.QuarantineRecord{}, err
	}
	if !info.Mode().IsRegular() {
		return model.QuarantineRecord{}, fmt.Errorf("%s is not a regular file", path)
	}

	now := l.clock.Now()
	id, dst, err := l.createCopy(path, now)
	if err != nil {
		return model.QuarantineRecord{}, err
	}

	sum, size, err := Checksum(dst)
	if err != nil {
		os.Remove(dst)
		return model.QuarantineRecord{}, fmt.Errorf("checksum stored copy: %w", err)
	}

	rec := model.QuarantineRecord{
		ID:            id,
		OriginalPath:  path,
		QuarantinedAt: now,
		Reason:        reason,
		Checksum:      sum,
		Status:        model.StatusQuarantined,
		Size:          size,
	}
	if err := l.writeMeta(rec); err != nil {
		// 不留下没有元数据的副本
		os.Remove(dst)
		return model.QuarantineRecord{}, fmt.Errorf("write metadata: %w", err)
	}

	// 删除原文件，失败则改名为 .malicious
	rec.Recovery = RecoveryRemoved
	var removeErr error
	if err := os.Remove(path); err != nil {
		backup := path + ".malicious"
		if rerr := os.Rename(path, backup); rerr == nil {
			rec.Recovery = RecoveryRenamed
			rec.BackupPath = backup
			l.log.Warn("original could not be removed, renamed instead",
				zap.String("path", path), zap.Error(err))
		} else {
			rec.Recovery = RecoveryInPlace
			removeErr = fmt.Errorf("original left in place: remove: %v; rename: %w", err, rerr)
		}
	}
	if err := l.writeMeta(rec); err != nil {
		return rec, fmt.Errorf("update metadata: %w", err)
	}

	l.log.Info("🔒 File quarantined",
		zap.String("id", rec.ID),
		zap.String("path", path),
		zap.String("checksum", rec.Checksum),
		zap.String("recovery", rec.Recovery))
	return rec, removeErr
}

// createCopy 以 O_EXCL 创建副本，重名时追加序号
func (l *Ledger) createCopy(src string, now time.Time) (string, string, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", fmt.Errorf("%s: %w", src, ErrNotFound)
		}
		return "", "", err
	}
	defer in.Close()

	base := filepath.Base(src)
	stamp := now.Format("20060102_150405")
	for n := 0; n < 1000; n++ {
		id := stamp + "_" + base
		if n > 0 {
			id = stamp + "_" + strconv.Itoa(n) + "_" + base
		}
		dst := filepath.Join(l.dir, id)
		if _, err := os.Lstat(dst + metaSuffix); err == nil {
			continue
		}
		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			os.Remove(dst)
			return "", "", fmt.Errorf("copy to quarantine: %w", err)
		}
		if err := out.Sync(); err != nil {
			out.Close()
			os.Remove(dst)
			return "", "", err
		}
		if err := out.Close(); err != nil {
			os.Remove(dst)
			return "", "", err
		}
		return id, dst, nil
	}
	return "", "", fmt.Errorf("no free quarantine name for %s", base)
}

func (l *Ledger) metaPath(id string) string { return filepath.Join(l.dir, id+metaSuffix) }

func (l *Ledger) writeMeta(rec model.QuarantineRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := l.metaPath(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *Ledger) readMeta(id string) (model.QuarantineRecord, error) {
	var rec model.QuarantineRecord
	data, err := os.ReadFile(l.metaPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, fmt.Errorf("quarantine record %s: %w", id, ErrNotFound)
		}
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// validID 拒绝路径分隔符，防止越出隔离目录
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func (l *Ledger) Get(id string) (model.QuarantineRecord, error) {
	if !validID(id) {
		return model.QuarantineRecord{}, fmt.Errorf("quarantine record %q: %w", id, ErrNotFound)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readMeta(id)
}

// Restore 把副本拷回原路径；原路径已存在时写到 .restored，记录和副本保留
func (l *Ledger) Restore(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("quarantine record %q: %w", id, ErrNotFound)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.readMeta(id)
	if err != nil {
		return "", err
	}
	stored := filepath.Join(l.dir, id)
	in, err := os.Open(stored)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stored copy %s: %w", id, ErrNotFound)
		}
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(rec.OriginalPath), 0o755); err != nil {
		return "", err
	}
	out, target, err := createRestoreTarget(rec.OriginalPath)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		os.Remove(target)
		return "", fmt.Errorf("restore copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(target)
		return "", err
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != rec.Checksum {
		os.Remove(target)
		return "", fmt.Errorf("checksum mismatch for %s: stored %s, restored %s", id, rec.Checksum, sum)
	}

	now := l.clock.Now()
	rec.Status = model.StatusRestored
	rec.RestoredPath = target
	rec.RestoredAt = &now
	if err := l.writeMeta(rec); err != nil {
		return target, fmt.Errorf("update metadata: %w", err)
	}
	l.log.Info("♻️ File restored", zap.String("id", id), zap.String("path", target))
	return target, nil
}

// createRestoreTarget 不覆盖已有文件：原路径 -> .restored -> .restored.N
func createRestoreTarget(orig string) (*os.File, string, error) {
	candidates := []string{orig, orig + ".restored"}
	for n := 1; n < 1000; n++ {
		candidates = append(candidates, orig+".restored."+strconv.Itoa(n))
	}
	for _, c := range candidates {
		f, err := os.OpenFile(c, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, c, nil
	}
	return nil, "", fmt.Errorf("no free restore path for %s", orig)
}

// List 按隔离时间倒序
func (l *Ledger) List() ([]model.QuarantineRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var out []model.QuarantineRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, metaSuffix)
		rec, err := l.readMeta(id)
		if err != nil || rec.ID != id {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.After(out[j].QuarantinedAt) })
	return out, nil
}

// Checksum 文件的 sha-256 (hex) 与大小
func Checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

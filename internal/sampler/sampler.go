// Package sampler 基于 /proc 采集 CPU、内存、磁盘和网络速率
package sampler

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

const (
	sectorSize     = 512
	tcpEstablished = 1
)

var partitionRe = regexp.MustCompile(`^((sd|vd|hd|xvd)[a-z]+\d+|(nvme\d+n\d+|mmcblk\d+)p\d+)$`)

type counters struct {
	at           time.Time
	cpuBusy      float64
	cpuTotal     float64
	readSectors  uint64
	writeSectors uint64
	netBytes     uint64
}

// Sampler 两次采样之间的差值换算为速率；首次采样只建立基线
type Sampler struct {
	fs    procfs.FS
	bfs   *blockdevice.FS
	clock sysutil.Clock
	log   *zap.Logger

	mu   sync.Mutex
	prev *counters
}

func New(procRoot, sysRoot string, clock sysutil.Clock, logger *zap.Logger) (*Sampler, error) {
	pfs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if clock == nil {
		clock = sysutil.SystemClock
	}
	s := &Sampler{fs: pfs, clock: clock, log: sysutil.Named(logger, "sampler")}
	if bfs, err := blockdevice.NewFS(procRoot, sysRoot); err == nil {
		s.bfs = &bfs
	} else {
		s.log.Warn("⚠️ block device stats unavailable", zap.Error(err))
	}
	return s, nil
}

func (s *Sampler) read() (counters, float64, error) {
	c := counters{at: s.clock.Now()}

	st, err := s.fs.Stat()
	if err != nil {
		return c, 0, fmt.Errorf("read stat: %w", err)
	}
	cpu := st.CPUTotal
	c.cpuBusy = cpu.User + cpu.Nice + cpu.System + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	c.cpuTotal = c.cpuBusy + cpu.Idle + cpu.Iowait

	memPct, err := s.memPct()
	if err != nil {
		return c, 0, err
	}

	if s.bfs != nil {
		stats, err := s.bfs.ProcDiskstats()
		if err != nil {
			s.log.Debug("read diskstats failed", zap.Error(err))
		}
		for _, d := range stats {
			if skipDisk(d.DeviceName) {
				continue
			}
			c.readSectors += d.ReadSectors
			c.writeSectors += d.WriteSectors
		}
	}

	nd, err := s.fs.NetDev()
	if err != nil {
		s.log.Debug("read net/dev failed", zap.Error(err))
	}
	for name, line := range nd {
		if name == "lo" {
			continue
		}
		c.netBytes += line.RxBytes + line.TxBytes
	}
	return c, memPct, nil
}

func (s *Sampler) memPct() (float64, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return 0, errors.New("meminfo: MemTotal missing")
	}
	var avail uint64
	switch {
	case mi.MemAvailable != nil:
		avail = *mi.MemAvailable
	case mi.MemFree != nil:
		// 老内核没有 MemAvailable
		avail = *mi.MemFree
		if mi.Buffers != nil {
			avail += *mi.Buffers
		}
		if mi.Cached != nil {
			avail += *mi.Cached
		}
	}
	return 100 * (1 - float64(avail)/float64(*mi.MemTotal)), nil
}

// skipDisk 只统计整盘，避免分区和虚拟设备重复计数
func skipDisk(name string) bool {
	for _, p := range []string{"loop", "ram", "zram", "dm-", "md"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return partitionRe.MatchString(name)
}

// Sample 一次资源采样
func (s *Sampler) Sample() (model.ResourceSample, error) {
	cur, memPct, err := s.read()
	if err != nil {
		return model.ResourceSample{}, err
	}

	s.mu.Lock()
	prev := s.prev
	s.prev = &cur
	s.mu.Unlock()

	out := model.ResourceSample{At: cur.at, MemPct: memPct}
	if prev == nil {
		return out, nil
	}
	secs := cur.at.Sub(prev.at).Seconds()
	if secs <= 0 {
		return out, nil
	}
	if dt := cur.cpuTotal - prev.cpuTotal; dt > 0 {
		out.CPUPct = 100 * (cur.cpuBusy - prev.cpuBusy) / dt
	}
	out.DiskReadRate = rate(prev.readSectors, cur.readSectors, secs) * sectorSize
	out.DiskWriteRate = rate(prev.writeSectors, cur.writeSectors, secs) * sectorSize
	out.NetActivity = rate(prev.netBytes, cur.netBytes, secs)
	return out, nil
}

// rate 计数器回绕或设备消失时返回 0
func rate(prev, cur uint64, secs float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / secs
}

// RemotePeers 已建立 TCP 连接的远端地址，去重并排序
func (s *Sampler) RemotePeers() ([]string, error) {
	seen := map[string]struct{}{}
	add := func(st uint64, ip net.IP) {
		if st != tcpEstablished || ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			return
		}
		seen[ip.String()] = struct{}{}
	}

	tcp, err := s.fs.NetTCP()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read net/tcp: %w", err)
	}
	for _, l := range tcp {
		add(l.St, l.RemAddr)
	}
	tcp6, err := s.fs.NetTCP6()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read net/tcp6: %w", err)
	}
	for _, l := range tcp6 {
		add(l.St, l.RemAddr)
	}

	out := make([]string, 0, len(seen))
	for ip := range seen {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out, nil
}

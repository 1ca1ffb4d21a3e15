//go:build linux

package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

const eventMask = uint64(unix.FAN_CLOSE_WRITE |
	unix.FAN_CREATE |
	unix.FAN_DELETE |
	unix.FAN_MOVED_TO |
	unix.FAN_MOVED_FROM |
	unix.FAN_EVENT_ON_CHILD)

// watchRoot 每个监控点打开的目录 fd，用于 open_by_handle_at
type watchRoot struct {
	path      string
	fd        int
	fsid      unix.Fsid
	recursive bool
}

type fanotifyMonitor struct {
	fd     int
	opts   Options
	log    *zap.Logger
	events chan model.OperationEvent
	errs   chan error
	stop   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	mu    sync.RWMutex
	roots map[string]*watchRoot
}

func newMonitor(opts Options) (FileMonitor, error) {
	flags := uint(unix.FAN_CLASS_NOTIF |
		unix.FAN_REPORT_DFID_NAME |
		unix.FAN_CLOEXEC |
		unix.FAN_NONBLOCK |
		unix.FAN_UNLIMITED_QUEUE |
		unix.FAN_UNLIMITED_MARKS)
	fd, err := unix.FanotifyInit(flags, uint(unix.O_RDONLY|unix.O_LARGEFILE))
	if err != nil {
		return nil, &IngestionError{Source: "fanotify", Err: fmt.Errorf("fanotify init failed: %w", err)}
	}
	return &fanotifyMonitor{
		fd:     fd,
		opts:   opts,
		log:    sysutil.Named(opts.Logger, "monitor"),
		events: make(chan model.OperationEvent, opts.Buffer),
		errs:   make(chan error, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		roots:  make(map[string]*watchRoot),
	}, nil
}

func (f *fanotifyMonitor) Start() {
	f.startOnce.Do(func() {
		f.started = true
		go f.loop()
	})
}

func (f *fanotifyMonitor) loop() {
	defer close(f.done)
	buf := make([]byte, 64*1024)
	pfd := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	self := int32(os.Getpid())

	for {
		select {
		case <-f.stop:
			return
		default:
		}

		n, err := unix.Poll(pfd, 500)
		if err != nil && !errors.Is(err, unix.EINTR) {
			f.fail(fmt.Errorf("poll: %w", err))
			continue
		}
		if n <= 0 {
			continue
		}

		n, err = unix.Read(f.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			f.fail(fmt.Errorf("read: %w", err))
			continue
		}

		raws, err := parseEvents(buf[:n])
		if err != nil {
			f.fail(err)
		}
		for _, r := range raws {
			// 忽略自身 (隔离区写入等)
			if r.Pid == self {
				continue
			}
			f.dispatch(r)
		}
	}
}

// fail 上报 IngestionError 并退避，读循环继续
func (f *fanotifyMonitor) fail(err error) {
	ierr := &IngestionError{Source: "fanotify", Err: err}
	f.log.Warn("⚠️ file event source error", zap.Error(ierr))
	select {
	case f.errs <- ierr:
	default:
	}
	select {
	case <-f.stop:
	case <-time.After(f.opts.Backoff):
	}
}

func (f *fanotifyMonitor) dispatch(r rawEvent) {
	kinds := opKinds(r.Mask)
	if len(kinds) == 0 || r.Name == "" || r.Name == "." {
		return
	}
	path := f.resolve(r)
	if path == "" {
		return
	}
	procName := getProcName(f.opts.ProcRoot, int(r.Pid))
	now := f.opts.Clock.Now()

	for _, k := range kinds {
		ev := model.OperationEvent{
			Key:       path,
			Kind:      k,
			Timestamp: now,
			PID:       r.Pid,
			ProcName:  procName,
		}
		select {
		case f.events <- ev:
		case <-f.stop:
			return
		}
	}
}

// resolve 通过目录句柄还原完整路径；失败时退化为监控点 + 文件名
func (f *fanotifyMonitor) resolve(r rawEvent) string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var fallback *watchRoot
	for _, root := range f.roots {
		if root.fsid != r.Fsid {
			continue
		}
		if fallback == nil {
			fallback = root
		}
		if len(r.Handle) == 0 {
			continue
		}
		fd, err := unix.OpenByHandleAt(root.fd, unix.NewFileHandle(r.HandleType, r.Handle), unix.O_PATH)
		if err != nil {
			continue
		}
		dir, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(fd))
		unix.Close(fd)
		if err == nil {
			return filepath.Join(dir, r.Name)
		}
	}
	if fallback != nil {
		return filepath.Join(fallback.path, r.Name)
	}
	// 没有匹配的监控点
	return ""
}

func (f *fanotifyMonitor) AddWatch(path string) error {
	path = filepath.Clean(path)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roots[path]; ok {
		return nil
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}
	dirfd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	// FAN_MARK_FILESYSTEM: 监控整个文件系统，能递归覆盖所有子目录
	recursive := true
	err = unix.FanotifyMark(f.fd, unix.FAN_MARK_ADD|unix.FAN_MARK_FILESYSTEM, eventMask, unix.AT_FDCWD, path)
	if err != nil {
		// 退化为普通目录监控 (不递归)
		f.log.Warn("⚠️ FAN_MARK_FILESYSTEM failed, falling back to directory mode",
			zap.String("path", path), zap.Error(err))
		recursive = false
		err = unix.FanotifyMark(f.fd, unix.FAN_MARK_ADD|unix.FAN_MARK_ONLYDIR, eventMask|unix.FAN_ONDIR, unix.AT_FDCWD, path)
		if err != nil {
			unix.Close(dirfd)
			return fmt.Errorf("fanotify mark %s: %w", path, err)
		}
	}

	f.roots[path] = &watchRoot{path: path, fd: dirfd, fsid: st.Fsid, recursive: recursive}
	f.log.Info("👀 watching", zap.String("path", path), zap.Bool("recursive", recursive))
	return nil
}

func (f *fanotifyMonitor) RemoveWatch(path string) {
	path = filepath.Clean(path)

	f.mu.Lock()
	defer f.mu.Unlock()
	root, ok := f.roots[path]
	if !ok {
		return
	}
	flags := uint(unix.FAN_MARK_REMOVE | unix.FAN_MARK_FILESYSTEM)
	mask := eventMask
	if !root.recursive {
		flags = unix.FAN_MARK_REMOVE | unix.FAN_MARK_ONLYDIR
		mask |= unix.FAN_ONDIR
	}
	// 设备拔出后 mark 可能已经失效
	_ = unix.FanotifyMark(f.fd, flags, mask, unix.AT_FDCWD, path)
	unix.Close(root.fd)
	delete(f.roots, path)
	f.log.Info("watch removed", zap.String("path", path))
}

func (f *fanotifyMonitor) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
		f.startOnce.Do(func() {})
		if f.started {
			<-f.done
		}
		f.mu.Lock()
		for p, root := range f.roots {
			unix.Close(root.fd)
			delete(f.roots, p)
		}
		f.mu.Unlock()
		unix.Close(f.fd)
	})
}

func (f *fanotifyMonitor) Events() <-chan model.OperationEvent { return f.events }
func (f *fanotifyMonitor) Errors() <-chan error                { return f.errs }

func getProcName(procRoot string, pid int) string {
	b, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		// 进程已经退出
		if os.IsNotExist(err) {
			return "exited"
		}
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

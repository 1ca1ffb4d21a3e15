//go:build linux

package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/analysis"
	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

type linuxWatcher struct {
	opts   Options
	log    *zap.Logger
	events chan model.USBEvent
	stop   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	mounted map[string]string // 设备 -> 挂载点
}

func newWatcher(opts Options) DeviceWatcher {
	return &linuxWatcher{
		opts:    opts,
		log:     sysutil.Named(opts.Logger, "watcher"),
		events:  make(chan model.USBEvent, 10),
		stop:    make(chan struct{}),
		mounted: make(map[string]string),
	}
}

func (w *linuxWatcher) mountsPath() string { return filepath.Join(w.opts.ProcRoot, "mounts") }

func (w *linuxWatcher) Start() (<-chan model.USBEvent, error) {
	// 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	go func() {
		defer conn.Close()

		// 在处理新事件前，先扫描已存在的设备
		go func() {
			for _, ev := range scanExisting(w.mountsPath(), w.opts.SysRoot) {
				w.log.Info("🔍 Found existing USB device during scan",
					zap.String("mount", ev.MountPoint), zap.String("dev", ev.DevicePath))
				w.emit(ev)
			}
		}()

		for {
			select {
			case <-w.stop:
				close(quit)
				return
			case err := <-errChan:
				// 底层 netlink 错误不致命，继续监听
				w.log.Debug("udev monitor error", zap.Error(err))
			case uevent := <-queue:
				w.handleUdevEvent(uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *linuxWatcher) emit(ev model.USBEvent) {
	if ev.Action == "add" {
		w.mu.Lock()
		w.mounted[ev.DevicePath] = ev.MountPoint
		w.mu.Unlock()
	}
	select {
	case w.events <- ev:
	case <-w.stop:
	}
}

func (w *linuxWatcher) handleUdevEvent(uevent netlink.UEvent) {
	if uevent.Env["SUBSYSTEM"] != "block" || uevent.Env["DEVTYPE"] != "partition" {
		return
	}
	devName := devPath(uevent.Env["DEVNAME"])
	switch uevent.Action {
	case "add":
		go w.handleAdd(devName, uevent.Env["DEVPATH"])
	case "remove":
		w.mu.Lock()
		mp := w.mounted[devName]
		delete(w.mounted, devName)
		w.mu.Unlock()
		w.emit(model.USBEvent{Action: "remove", DevicePath: devName, MountPoint: mp, TimeStamp: time.Now()})
	}
}

func devPath(name string) string {
	if strings.HasPrefix(name, "/dev") {
		return name
	}
	return "/dev/" + name
}

func (w *linuxWatcher) handleAdd(devName, sysDevPath string) {
	// 信息采集：向上回溯找到 USB 物理设备根目录
	usbRoot := findUSBRoot(filepath.Join(w.opts.SysRoot, sysDevPath))
	ev := describe(usbRoot)
	ev.DevicePath = devName

	ev.MountPoint = sysutil.WaitForMount(w.mountsPath(), devName, w.opts.MountTimeout)
	if ev.MountPoint == "" {
		w.log.Warn("Device detected but mount point not found (timeout)", zap.String("dev", devName))
		return
	}
	w.log.Info("🔌 removable device mounted",
		zap.String("dev", devName),
		zap.String("mount", ev.MountPoint),
		zap.String("vid", ev.VendorID),
		zap.String("pid", ev.ProductID),
		zap.String("product", ev.Product))
	if ev.DeviceType == analysis.DeviceBadUSB {
		w.log.Warn("🚨 POTENTIAL BADUSB DETECTED", zap.String("serial", ev.Serial))
	}
	w.emit(ev)
}

// describe 读取 USB 设备信息并做 BadUSB 判定
func describe(usbRoot string) model.USBEvent {
	_, devType := analysis.CheckBadUSB(usbRoot)
	return model.USBEvent{
		Action:     "add",
		VendorID:   readFile(filepath.Join(usbRoot, "idVendor")),
		ProductID:  readFile(filepath.Join(usbRoot, "idProduct")),
		Serial:     readFile(filepath.Join(usbRoot, "serial")),
		Product:    readFile(filepath.Join(usbRoot, "product")),
		DeviceType: devType,
		TimeStamp:  time.Now(),
	}
}

// findUSBRoot 向上查找包含 idVendor 的目录（即 USB Device 根目录）
func findUSBRoot(path string) string {
	dir := path
	for i := 0; i < 10; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
	}
	// 找不到时返回原始路径，后续读取得到 "unknown"
	return path
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

// scanExisting 扫描当前已挂载的文件系统，找出位于 USB 总线上的设备
func scanExisting(mountsPath, sysRoot string) []model.USBEvent {
	entries, err := sysutil.ReadMounts(mountsPath)
	if err != nil {
		return nil
	}
	var out []model.USBEvent
	for _, e := range entries {
		// 只关心 /dev/ 开头的设备，且不是 loop 设备
		if !strings.HasPrefix(e.Device, "/dev/") || strings.HasPrefix(e.Device, "/dev/loop") {
			continue
		}
		// 通过 /sys/class/block/{name} 回溯
		realSysPath, err := filepath.EvalSymlinks(filepath.Join(sysRoot, "class", "block", filepath.Base(e.Device)))
		if err != nil {
			continue
		}
		usbRoot := findUSBRoot(realSysPath)
		if _, err := os.Stat(filepath.Join(usbRoot, "idVendor")); err != nil {
			continue
		}
		ev := describe(usbRoot)
		ev.DevicePath = e.Device
		ev.MountPoint = e.MountPoint
		out = append(out, ev)
	}
	return out
}

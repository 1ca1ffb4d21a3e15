package analysis

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	DeviceBadUSB = "BADUSB_SUSPECT"
	DeviceUDisk  = "udisk"
	DeviceOther  = "other"
)

// CheckBadUSB 同一个 USB 设备下同时有 08(存储) 和 03(HID) 接口则判定为 BadUSB
func CheckBadUSB(sysPath string) (bool, string) {
	entries, err := os.ReadDir(sysPath)
	if err != nil {
		return false, "unknown"
	}
	var hasStorage, hasHID bool
	for _, e := range entries {
		// 接口目录形如 1-1:1.0
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		content, _ := os.ReadFile(filepath.Join(sysPath, e.Name(), "bInterfaceClass"))
		switch strings.TrimSpace(string(content)) {
		case "03":
			hasHID = true
		case "08":
			hasStorage = true
		}
	}
	switch {
	case hasStorage && hasHID:
		return true, DeviceBadUSB
	case hasStorage:
		return false, DeviceUDisk
	}
	return false, DeviceOther
}

//go:build linux

package sysutil

import (
	"bufio"
	"os"
	"strings"
	"time"
)

// MountEntry /proc/mounts 中的一行
type MountEntry struct {
	Device     string
	MountPoint string
	FSType     string
}

// ReadMounts 解析 /proc/mounts
func ReadMounts(path string) ([]MountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []MountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		out = append(out, MountEntry{Device: fields[0], MountPoint: unescapeMount(fields[1]), FSType: fields[2]})
	}
	return out, scanner.Err()
}

// /proc/mounts 中空格等字符以八进制转义
func unescapeMount(s string) string {
	return strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`).Replace(s)
}

// WaitForMount 轮询 mounts 文件等待设备挂载，超时返回空串
func WaitForMount(mountsPath, devPath string, timeout time.Duration) string {
	// udev 事件触发时，文件系统可能还没挂载好
	deadline := time.Now().Add(timeout)
	for {
		entries, err := ReadMounts(mountsPath)
		if err == nil {
			for _, e := range entries {
				if e.Device == devPath {
					return e.MountPoint
				}
			}
		}
		if time.Now().After(deadline) {
			return ""
		}
		time.Sleep(100 * time.Millisecond)
	}
}

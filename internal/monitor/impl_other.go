//go:build !linux

package monitor

import "errors"

func newMonitor(Options) (FileMonitor, error) {
	return nil, errors.New("file monitoring requires fanotify (linux)")
}

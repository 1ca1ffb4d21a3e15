//go:build !linux

package watcher

import (
	"errors"

	"github.com/Hara602/ransomSentry/internal/model"
)

type otherWatcher struct{}

func newWatcher(Options) DeviceWatcher { return otherWatcher{} }

func (otherWatcher) Start() (<-chan model.USBEvent, error) {
	return nil, errors.New("removable media watch requires udev (linux)")
}

func (otherWatcher) Stop() {}

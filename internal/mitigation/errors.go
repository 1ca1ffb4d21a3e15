package mitigation

import (
	"errors"
	"fmt"

	"github.com/Hara602/ransomSentry/internal/model"
)

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrProtectedTarget = errors.New("refusing to act on protected process")
	ErrNotEnforced     = errors.New("enforcement not implemented on this platform")
	ErrUnsupported     = errors.New("unsupported threat type")
	ErrNoHandler       = errors.New("no handler configured for action")
	ErrQueueFull       = errors.New("mitigation queue full")
	ErrClosed          = errors.New("mitigation engine closed")
)

// Error 携带动作和目标的缓解失败
type Error struct {
	Action model.ActionType
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

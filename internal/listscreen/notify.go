package listscreen

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/qbanksync/internal/collection"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a transient, dismissible message. It never blocks.
type Notification struct {
	Level   Level
	Message string
	At      time.Time
}

func (n Notification) String() string {
	return fmt.Sprintf("[%s] %s", n.Level, n.Message)
}

// describe renders a collection error for a person. Precondition failures
// always tell the user to reload, since retrying the same write cannot work.
func describe(action string, err error) (Level, string) {
	var httpErr *collection.HTTPError
	switch {
	case errors.Is(err, collection.ErrPreconditionFailed):
		return LevelWarning, "This question was changed by someone else. Reload it and retry."
	case errors.Is(err, collection.ErrNotFound):
		return LevelInfo, "This question no longer exists."
	case errors.Is(err, collection.ErrInvalidInput):
		return LevelError, fmt.Sprintf("Could not %s: %v", action, err)
	case errors.As(err, &httpErr):
		return LevelError, fmt.Sprintf("Could not %s: %s", action, httpErr.Message)
	}
	return LevelError, fmt.Sprintf("Could not %s: %v", action, err)
}

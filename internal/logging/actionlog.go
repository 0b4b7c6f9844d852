package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionEntry records the outcome of a single domain/unit action dispatched
// by the reconciler — a start, stop, or restart issued against either the
// hypervisor or the init system.
type ActionEntry struct {
	ActionID   string    `json:"action_id"`          // stable per-action correlation ID, independent of tracing
	Sequence   int64     `json:"sequence,omitempty"` // monotonic enqueue order, zero when the caller isn't queue-driven
	Timestamp  time.Time `json:"timestamp"`
	Plane      string    `json:"plane"` // "hypervisor" or "systemd"
	Domain     string    `json:"domain"`
	Action     string    `json:"action"` // "start", "stop", "restart"
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Suppressed bool      `json:"suppressed,omitempty"` // dropped by an RLAL, not executed
	Error      string    `json:"error,omitempty"`
}

// ActionLog handles human-readable console output plus optional
// newline-delimited JSON file output for dispatched actions. It is
// separate from the operational slog.Logger returned by Op(): Op() is
// for daemon/infrastructure events, ActionLog is a record of what the
// reconciler actually did to domains and units.
type ActionLog struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultActionLog = &ActionLog{enabled: true, console: true}

// Actions returns the default action log.
func Actions() *ActionLog {
	return defaultActionLog
}

// SetOutput sets the log output file.
func (l *ActionLog) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *ActionLog) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log records an action entry.
func (l *ActionLog) Log(entry *ActionEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()
	if entry.ActionID == "" {
		entry.ActionID = uuid.NewString()
	}

	if l.console {
		status := "done"
		switch {
		case entry.Suppressed:
			status = "suppressed"
		case !entry.Success:
			status = "failed"
		}
		fmt.Printf("[action] %s %s/%s %s %dms\n",
			status, entry.Plane, entry.Domain, entry.Action, entry.DurationMs)
		if entry.Error != "" {
			fmt.Printf("[action]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *ActionLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

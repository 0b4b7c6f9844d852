// Package jet implements the Job-Event Tailer: a dedicated reader of
// the init system's job log that turns noisy PropertiesChanged churn
// into a deduplicated, completion-only stream of start/stop/restart
// events for units matching the template prefix.
package jet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/sio/libvirt-guestd/internal/logging"
	"github.com/sio/libvirt-guestd/internal/metrics"
	"github.com/sio/libvirt-guestd/internal/unitname"
	"golang.org/x/sys/unix"
)

// JobType is the job kind reported by the init system's job log.
type JobType string

const (
	JobStart   JobType = "start"
	JobStop    JobType = "stop"
	JobRestart JobType = "restart"
)

// Event is a single accepted job completion for a domain.
type Event struct {
	Domain string
	Job    JobType
}

// Handler is invoked for every accepted Event, inline on the tailer's
// own goroutine — callers that must not block it should hand off.
type Handler func(Event)

// record mirrors the fields journalctl's JSON output carries for a
// systemd job log entry. Only the fields JET's acceptance filter needs
// are decoded; everything else is ignored.
type record struct {
	Unit      string `json:"UNIT"`
	JobType   string `json:"JOB_TYPE"`
	JobResult string `json:"JOB_RESULT"`
}

// Config holds JET's tunables.
type Config struct {
	TemplatePrefix string
	RestartDelay   time.Duration // pause between a dead stream and reopening it
	SinceOverlap   time.Duration // how far back the reopened tail asks for, to bridge the gap
	JournalctlBin  string        // defaults to "journalctl"
}

// Tailer runs the supervised follow-reopen loop described above.
type Tailer struct {
	cfg     Config
	handler Handler
}

// New constructs a Tailer. handler is called for every accepted event.
func New(cfg Config, handler Handler) *Tailer {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.SinceOverlap <= 0 {
		cfg.SinceOverlap = cfg.RestartDelay
	}
	if cfg.JournalctlBin == "" {
		cfg.JournalctlBin = "journalctl"
	}
	return &Tailer{cfg: cfg, handler: handler}
}

// Run blocks until ctx is canceled, reopening the tail subprocess
// whenever the previous one dies.
func (t *Tailer) Run(ctx context.Context) {
	since := time.Now().Add(-t.cfg.SinceOverlap)
	for {
		if ctx.Err() != nil {
			return
		}

		if err := t.followOnce(ctx, since); err != nil {
			logging.Op().Error("journal tail ended", "error", err)
		}
		since = time.Now().Add(-t.cfg.SinceOverlap)

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.RestartDelay):
		}
		metrics.RecordJournalReopen()
	}
}

// followOnce runs one journalctl --follow subprocess to completion (or
// until ctx is canceled), decoding and dispatching each line.
func (t *Tailer) followOnce(ctx context.Context, since time.Time) error {
	args := []string{
		"--output=json",
		"--follow",
		"--since=" + since.Format("2006-01-02 15:04:05"),
		"-u", t.cfg.TemplatePrefix + "@*.service",
	}
	cmd := exec.Command(t.cfg.JournalctlBin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open journalctl stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start journalctl: %w", err)
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if cmd.Process != nil {
			// Kill the whole process group, not just journalctl itself —
			// mirrors the teacher's Firecracker child-process teardown.
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		close(done)
	}()

	scanErr := t.scan(stdout)

	waitErr := cmd.Wait()
	select {
	case <-done:
	default:
		if cmd.Process != nil {
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
	}

	if scanErr != nil && scanErr != io.EOF {
		return scanErr
	}
	return waitErr
}

func (t *Tailer) scan(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // malformed line, skip
		}
		t.dispatch(rec)
	}
	return scanner.Err()
}

func (t *Tailer) dispatch(rec record) {
	domain, ok := unitname.Domain(rec.Unit, t.cfg.TemplatePrefix)
	if !ok {
		return
	}

	var job JobType
	switch JobType(rec.JobType) {
	case JobStart:
		if rec.JobResult != "" {
			return // only the start-queued entry is accepted; a start record carrying a result is dropped
		}
		job = JobStart
	case JobStop:
		if rec.JobResult != "done" {
			return
		}
		job = JobStop
	case JobRestart:
		if rec.JobResult != "done" {
			return
		}
		job = JobRestart
	default:
		return
	}

	t.handler(Event{Domain: domain, Job: job})
}

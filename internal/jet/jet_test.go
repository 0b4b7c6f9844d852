package jet

import (
	"strings"
	"testing"
)

func newTestTailer(events *[]Event) *Tailer {
	return New(Config{TemplatePrefix: "libvirt-guest"}, func(e Event) {
		*events = append(*events, e)
	})
}

func TestDispatchAcceptsStartQueuedEntry(t *testing.T) {
	var events []Event
	tl := newTestTailer(&events)

	tl.dispatch(record{Unit: "libvirt-guest@alpha.service", JobType: "start"})

	if len(events) != 1 || events[0] != (Event{Domain: "alpha", Job: JobStart}) {
		t.Fatalf("events = %v", events)
	}
}

func TestDispatchRejectsStartWithResult(t *testing.T) {
	var events []Event
	tl := newTestTailer(&events)

	// A start job that already carries a JOB_RESULT is not the
	// queued-entry record JET wants; it would otherwise double-count
	// the same job alongside its queued entry.
	tl.dispatch(record{Unit: "libvirt-guest@alpha.service", JobType: "start", JobResult: "done"})

	if len(events) != 0 {
		t.Fatalf("events = %v, want none", events)
	}
}

func TestDispatchAcceptsStopOnlyWhenDone(t *testing.T) {
	var events []Event
	tl := newTestTailer(&events)

	tl.dispatch(record{Unit: "libvirt-guest@bravo.service", JobType: "stop"})
	if len(events) != 0 {
		t.Fatalf("events = %v, want none for result-less stop", events)
	}

	tl.dispatch(record{Unit: "libvirt-guest@bravo.service", JobType: "stop", JobResult: "done"})
	if len(events) != 1 || events[0] != (Event{Domain: "bravo", Job: JobStop}) {
		t.Fatalf("events = %v", events)
	}
}

func TestDispatchAcceptsRestartOnlyWhenDone(t *testing.T) {
	var events []Event
	tl := newTestTailer(&events)

	tl.dispatch(record{Unit: "libvirt-guest@charlie.service", JobType: "restart", JobResult: "failed"})
	if len(events) != 0 {
		t.Fatalf("events = %v, want none for non-done restart", events)
	}

	tl.dispatch(record{Unit: "libvirt-guest@charlie.service", JobType: "restart", JobResult: "done"})
	if len(events) != 1 || events[0] != (Event{Domain: "charlie", Job: JobRestart}) {
		t.Fatalf("events = %v", events)
	}
}

func TestDispatchRejectsMismatchedPrefix(t *testing.T) {
	var events []Event
	tl := newTestTailer(&events)

	tl.dispatch(record{Unit: "other-prefix@alpha.service", JobType: "start"})

	if len(events) != 0 {
		t.Fatalf("events = %v, want none for mismatched prefix", events)
	}
}

func TestDispatchRejectsUnknownJobType(t *testing.T) {
	var events []Event
	tl := newTestTailer(&events)

	tl.dispatch(record{Unit: "libvirt-guest@alpha.service", JobType: "reload"})

	if len(events) != 0 {
		t.Fatalf("events = %v, want none for unknown job type", events)
	}
}

func TestScanSkipsMalformedLinesAndDecodesRest(t *testing.T) {
	var events []Event
	tl := newTestTailer(&events)

	input := strings.Join([]string{
		`not json at all`,
		`{"UNIT":"libvirt-guest@alpha.service","JOB_TYPE":"start"}`,
		`{"UNIT":"unrelated.service","JOB_TYPE":"start"}`,
	}, "\n") + "\n"

	if err := tl.scan(strings.NewReader(input)); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 1 || events[0] != (Event{Domain: "alpha", Job: JobStart}) {
		t.Fatalf("events = %v", events)
	}
}

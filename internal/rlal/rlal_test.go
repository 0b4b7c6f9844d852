package rlal

import (
	"testing"
	"time"
)

// fakeClock lets tests control "now" deterministically instead of racing
// against real wall-clock sleeps.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestLog(threshold, maxLength time.Duration) (*Log, *fakeClock) {
	l := New(threshold, maxLength)
	c := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	return l, c
}

func TestViolatedFirstRecordNeverViolates(t *testing.T) {
	l, _ := newTestLog(3*time.Second, time.Minute)
	if l.Violated("alpha") {
		t.Fatalf("first record should never violate")
	}
}

func TestViolatedWithinThreshold(t *testing.T) {
	l, c := newTestLog(3*time.Second, time.Minute)
	l.Record("alpha")
	c.advance(1 * time.Second)
	if !l.Violated("alpha") {
		t.Fatalf("two records 1s apart with a 3s threshold should violate")
	}
}

func TestViolatedOutsideThreshold(t *testing.T) {
	l, c := newTestLog(3*time.Second, time.Minute)
	l.Record("alpha")
	c.advance(5 * time.Second)
	if l.Violated("alpha") {
		t.Fatalf("two records 5s apart with a 3s threshold should not violate")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, c := newTestLog(3*time.Second, time.Minute)
	l.Record("alpha")
	c.advance(1 * time.Second)
	if l.Violated("bravo") {
		t.Fatalf("bravo has no prior record, should not violate due to alpha's activity")
	}
}

func TestCleanupAfterMaxLength(t *testing.T) {
	l, c := newTestLog(3*time.Second, 60*time.Second)
	l.Record("alpha")
	c.advance(61 * time.Second)
	// The old entry is now stale and should be cleared before this
	// record is appended, so there is no "previous" to compare against.
	if l.Violated("alpha") {
		t.Fatalf("stale history should have been cleared, so this should not violate")
	}
}

func TestLastAndPrev(t *testing.T) {
	l, c := newTestLog(3*time.Second, time.Minute)
	if !l.Last("alpha").IsZero() {
		t.Fatalf("Last() on unseen key should be zero")
	}
	if !l.Prev("alpha").IsZero() {
		t.Fatalf("Prev() on unseen key should be zero")
	}

	t0 := c.t
	l.Record("alpha")
	c.advance(2 * time.Second)
	t1 := c.t
	l.Record("alpha")

	if got := l.Last("alpha"); !got.Equal(t1) {
		t.Fatalf("Last() = %v, want %v", got, t1)
	}
	if got := l.Prev("alpha"); !got.Equal(t0) {
		t.Fatalf("Prev() = %v, want %v", got, t0)
	}
}

package metrics

import "testing"

func TestRecordActionBeforeInitDoesNotPanic(t *testing.T) {
	m = nil
	RecordAction("hypervisor", "start", 10, true)
	RecordSuppressed("systemd")
	RecordReconcileError("hypervisor", "poll")
	SetDomainState("alpha", StateRunning)
	SetQueueDepth("hypervisor", 3)
	RecordJournalReopen()
}

func TestInitRegistersCollectors(t *testing.T) {
	Init("libvirt_guestd_test", nil)
	if Registry() == nil {
		t.Fatal("Registry() is nil after Init")
	}

	RecordAction("hypervisor", "start", 42, true)
	RecordAction("systemd", "stop", 7, false)
	RecordSuppressed("hypervisor")
	SetDomainState("alpha", StateRunning)

	mfs, err := Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "libvirt_guestd_test_actions_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("actions_total metric not found in registry")
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRetentionSchedulerMetricsRecordCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRetentionSchedulerMetricsWithRegistry(reg)

	m.RecordSessionsExpired(3)
	m.RecordCheckpointsPruned(7)
	m.RecordKeysRotated(1)
	m.RecordSpaceFreed(4096)
	m.RecordError("expireSessions")
	m.RecordDuration(2 * time.Second)
	m.RecordLastRun()

	if got := testutil.ToFloat64(m.SessionsExpiredTotal); got != 3 {
		t.Errorf("SessionsExpiredTotal = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.CheckpointsPrunedTotal); got != 7 {
		t.Errorf("CheckpointsPrunedTotal = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.KeysRotatedTotal); got != 1 {
		t.Errorf("KeysRotatedTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SpaceFreedBytesTotal); got != 4096 {
		t.Errorf("SpaceFreedBytesTotal = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("expireSessions")); got != 1 {
		t.Errorf("ErrorsTotal{pass=expireSessions} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LastRunTimestamp); got == 0 {
		t.Error("LastRunTimestamp was not set")
	}
}

func TestNewRetentionSchedulerMetricsWithRegistryIsolatesRegistrations(t *testing.T) {
	regA := prometheus.NewRegistry()
	regB := prometheus.NewRegistry()

	NewRetentionSchedulerMetricsWithRegistry(regA)
	NewRetentionSchedulerMetricsWithRegistry(regB)

	if _, err := regA.Gather(); err != nil {
		t.Fatalf("gathering regA: %v", err)
	}
	if _, err := regB.Gather(); err != nil {
		t.Fatalf("gathering regB: %v", err)
	}
}

package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearth-app/hearth/internal/coordinator"
	"github.com/hearth-app/hearth/internal/eventlog"
	"github.com/hearth-app/hearth/internal/store"
)

func testEnv(t *testing.T) (*coordinator.Coordinator, *eventlog.Log) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	l := eventlog.New(st, nil)
	return coordinator.New(l, st, nil), l
}

func TestRun_SmallFleet(t *testing.T) {
	ctx := context.Background()
	coord, l := testEnv(t)

	config := &Config{
		Families:         2,
		DevicesPerFamily: 3,
		SyncsPerDevice:   10,
		FeedRatio:        0.5,
		Seed:             42,
	}
	result, err := Run(ctx, coord, l, config)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Errors != 0 {
		t.Errorf("expected no errors, got %d", result.Errors)
	}
	if result.Syncs != 60 {
		t.Errorf("expected 60 syncs, got %d", result.Syncs)
	}
	if result.Applied == 0 {
		t.Error("expected some applied mutations")
	}
	// Every sync produced exactly one outcome.
	total := result.Applied + result.Rejected + result.Merged + result.Busy
	if total != 60 {
		t.Errorf("expected 60 outcomes, got %d", total)
	}
	if result.Latency.Max == 0 {
		t.Error("expected latency samples")
	}

	if err := VerifyIntegrity(ctx, l, result); err != nil {
		t.Errorf("log integrity violated: %v", err)
	}
	// Applied events landed somewhere: summed seqs equal applied count.
	var sum int64
	for _, seq := range result.FinalSeqs {
		sum += seq
	}
	if sum != int64(result.Applied) {
		t.Errorf("expected %d committed events, logs hold %d", result.Applied, sum)
	}
}

func TestRun_FeedOnlyNeverRejects(t *testing.T) {
	ctx := context.Background()
	coord, l := testEnv(t)

	result, err := Run(ctx, coord, l, &Config{
		Families:         1,
		DevicesPerFamily: 4,
		SyncsPerDevice:   10,
		FeedRatio:        1.0,
		Seed:             7,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// Feed posts carry fresh ids and cannot collide on overlap; only a
	// drained retry budget may produce non-applied outcomes.
	if result.Rejected != 0 {
		t.Errorf("expected no rejections for feed-only run, got %d", result.Rejected)
	}
	if err := VerifyIntegrity(ctx, l, result); err != nil {
		t.Errorf("log integrity violated: %v", err)
	}
}

func TestComputeStats(t *testing.T) {
	durations := []time.Duration{
		5 * time.Millisecond,
		1 * time.Millisecond,
		3 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
	}
	stats := ComputeStats(durations)
	if stats.Min != 1*time.Millisecond || stats.Max != 5*time.Millisecond {
		t.Errorf("unexpected bounds %+v", stats)
	}
	if stats.P50 != 3*time.Millisecond {
		t.Errorf("unexpected median %s", stats.P50)
	}
	if stats.Mean != 3*time.Millisecond {
		t.Errorf("unexpected mean %s", stats.Mean)
	}

	if got := ComputeStats(nil); got != (LatencyStats{}) {
		t.Errorf("expected zero stats for empty input, got %+v", got)
	}
}

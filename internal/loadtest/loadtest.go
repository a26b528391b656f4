// Package loadtest drives the sync coordinator with simulated device
// fleets and reports latency percentiles, outcome counts and log
// integrity. It exercises the same code path as production clients, so
// its numbers reflect real contention on the per-family writer.
package loadtest

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hearth-app/hearth/internal/coordinator"
	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/eventlog"
)

// Config describes a load test run.
type Config struct {
	// Families is the number of independent families.
	Families int

	// DevicesPerFamily is the number of concurrent writers per family.
	DevicesPerFamily int

	// SyncsPerDevice is how many sync calls each device makes; each
	// call carries one mutation.
	SyncsPerDevice int

	// FeedRatio is the fraction of mutations that are feed posts
	// instead of schedule creates. Feed posts never conflict, schedule
	// creates can collide on overlap.
	FeedRatio float64

	// Seed makes the mutation mix reproducible.
	Seed int64

	// Logger for progress output (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns a small smoke-test shape.
func DefaultConfig() *Config {
	return &Config{
		Families:         4,
		DevicesPerFamily: 3,
		SyncsPerDevice:   25,
		FeedRatio:        0.5,
		Seed:             1,
		Logger:           log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
	}
}

// LatencyStats summarizes sync round-trip times.
type LatencyStats struct {
	Min  time.Duration
	P50  time.Duration
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
}

// Result captures a completed run.
type Result struct {
	Config Config

	Syncs    int
	Applied  int
	Rejected int
	Merged   int
	Busy     int
	Errors   int

	Latency       LatencyStats
	TotalDuration time.Duration
	SyncsPerSec   float64

	// FinalSeqs is each family's log length after the run; gapless by
	// construction if VerifyIntegrity passes.
	FinalSeqs map[string]int64
}

// ComputeStats calculates latency statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:  sorted[0],
		P50:  sorted[len(sorted)*50/100],
		Mean: sum / time.Duration(len(sorted)),
		P95:  sorted[len(sorted)*95/100],
		P99:  sorted[len(sorted)*99/100],
		Max:  sorted[len(sorted)-1],
	}
}

// Run executes the load test against coord.
func Run(ctx context.Context, coord *coordinator.Coordinator, l *eventlog.Log, config *Config) (*Result, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}

	result := &Result{Config: *config, FinalSeqs: make(map[string]int64)}

	var (
		mu        sync.Mutex
		durations []time.Duration
		wg        sync.WaitGroup
	)

	start := time.Now()
	for fi := 0; fi < config.Families; fi++ {
		familyID := fmt.Sprintf("loadtest-fam-%d", fi)
		for di := 0; di < config.DevicesPerFamily; di++ {
			deviceID := fmt.Sprintf("%s-dev-%d", familyID, di)
			// Per-worker rand: math/rand sources are not safe for
			// concurrent use.
			rng := rand.New(rand.NewSource(config.Seed + int64(fi*1000+di)))

			wg.Add(1)
			go func() {
				defer wg.Done()
				cursor := int64(0)
				for i := 0; i < config.SyncsPerDevice; i++ {
					m, err := randomMutation(rng, config.FeedRatio, deviceID, i)
					if err != nil {
						mu.Lock()
						result.Errors++
						mu.Unlock()
						continue
					}

					callStart := time.Now()
					resp, err := coord.Sync(ctx, coordinator.Request{
						DeviceID:     deviceID,
						FamilyID:     familyID,
						LastAckedSeq: cursor,
						AckSeq:       cursor,
						Platform:     "loadtest",
						Mutations:    []event.Mutation{m},
					})
					elapsed := time.Since(callStart)

					mu.Lock()
					if err != nil {
						result.Errors++
					} else {
						durations = append(durations, elapsed)
						result.Syncs++
						for _, r := range resp.Results {
							switch r.Status {
							case coordinator.StatusApplied:
								result.Applied++
							case coordinator.StatusRejected:
								result.Rejected++
							case coordinator.StatusMerged:
								result.Merged++
							case coordinator.StatusBusy:
								result.Busy++
							}
						}
					}
					mu.Unlock()

					if err == nil {
						cursor = resp.NewCursor
					}
				}
			}()
		}
	}
	wg.Wait()

	result.TotalDuration = time.Since(start)
	result.Latency = ComputeStats(durations)
	if result.TotalDuration > 0 {
		result.SyncsPerSec = float64(result.Syncs) / result.TotalDuration.Seconds()
	}

	for fi := 0; fi < config.Families; fi++ {
		familyID := fmt.Sprintf("loadtest-fam-%d", fi)
		seq, err := l.CurrentSeq(ctx, familyID)
		if err != nil {
			return nil, fmt.Errorf("failed to read final seq for %s: %w", familyID, err)
		}
		result.FinalSeqs[familyID] = seq
	}

	return result, nil
}

// VerifyIntegrity re-reads every family's log and checks the gapless
// sequence invariant end to end.
func VerifyIntegrity(ctx context.Context, l *eventlog.Log, result *Result) error {
	for familyID, finalSeq := range result.FinalSeqs {
		events, err := l.ReadAll(ctx, familyID, 0)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", familyID, err)
		}
		if int64(len(events)) != finalSeq {
			return fmt.Errorf("family %s: %d events but final seq %d", familyID, len(events), finalSeq)
		}
		for i, ev := range events {
			if ev.Seq != int64(i)+1 {
				return fmt.Errorf("family %s: gap at position %d (seq %d)", familyID, i, ev.Seq)
			}
		}
	}
	return nil
}

// randomMutation builds a feed post or a schedule create. Schedule
// slots are drawn from a small window so concurrent devices collide on
// overlap often enough to exercise rejection.
func randomMutation(rng *rand.Rand, feedRatio float64, deviceID string, i int) (event.Mutation, error) {
	now := time.Now().UTC()

	if rng.Float64() < feedRatio {
		payload, err := event.MarshalPayload(&event.FeedPost{
			ItemID:  event.NewID(),
			ChildID: "loadtest-child",
			Body:    fmt.Sprintf("post %d from %s", i, deviceID),
		})
		if err != nil {
			return event.Mutation{}, err
		}
		return event.Mutation{
			Kind:           event.KindFeedPost,
			IdempotencyKey: event.NewID(),
			ClientTS:       now,
			Payload:        payload,
		}, nil
	}

	slot := time.Duration(rng.Intn(48)) * time.Hour
	payload, err := event.MarshalPayload(&event.ScheduleCreate{
		ItemID:   event.NewID(),
		ChildID:  "loadtest-child",
		Title:    fmt.Sprintf("activity %d from %s", i, deviceID),
		StartsAt: now.Add(24*time.Hour + slot),
		EndsAt:   now.Add(25*time.Hour + slot),
	})
	if err != nil {
		return event.Mutation{}, err
	}
	return event.Mutation{
		Kind:           event.KindScheduleCreate,
		IdempotencyKey: event.NewID(),
		ClientTS:       now,
		Payload:        payload,
	}, nil
}

// Report prints a human-readable summary.
func Report(result *Result) string {
	return fmt.Sprintf(
		"syncs=%d applied=%d rejected=%d merged=%d busy=%d errors=%d\n"+
			"latency: min=%s p50=%s mean=%s p95=%s p99=%s max=%s\n"+
			"throughput: %.1f syncs/sec over %s",
		result.Syncs, result.Applied, result.Rejected, result.Merged, result.Busy, result.Errors,
		result.Latency.Min, result.Latency.P50, result.Latency.Mean,
		result.Latency.P95, result.Latency.P99, result.Latency.Max,
		result.SyncsPerSec, result.TotalDuration.Round(time.Millisecond))
}

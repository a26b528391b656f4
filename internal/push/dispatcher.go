// Package push delivers committed events to offline devices through an
// external push-notification provider.
//
// PendingNotification rows are the unit of work: the realtime hub
// enqueues one per (offline device, event), and the dispatcher drains
// them in ticker cycles. Multiple events for one device coalesce into a
// single notification per cycle so a burst of edits doesn't spam the
// caregiver. Every multicast submission decomposes into per-token
// outcomes: delivered rows clear, invalid tokens unregister permanently,
// and transient failures retry with backoff up to a ceiling.
package push

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/push/provider"
	"github.com/hearth-app/hearth/internal/store"
)

// Config holds dispatcher configuration.
type Config struct {
	// Interval is how often a dispatch cycle runs.
	Interval time.Duration

	// MaxAttempts is the retry ceiling per pending row; rows past it
	// are dropped and logged.
	MaxAttempts int

	// Backoff is the base delay before a failed row is due again,
	// multiplied by the attempt count.
	Backoff time.Duration

	// BatchLimit caps rows loaded per cycle.
	BatchLimit int

	// Logger for dispatcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:    30 * time.Second,
		MaxAttempts: 5,
		Backoff:     time.Minute,
		BatchLimit:  500,
		Logger:      log.New(os.Stderr, "[push] ", log.LstdFlags),
	}
}

// CycleStats summarizes one dispatch cycle.
type CycleStats struct {
	Loaded        int
	Delivered     int
	TokensDropped int
	Retried       int
	Exhausted     int
}

// Dispatcher drains pending notifications to the configured provider.
type Dispatcher struct {
	store     *store.Store
	provider  provider.Provider
	templates *Templates
	digest    *DigestComposer
	config    *Config

	reconfigure chan time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. templates may be nil (built-in copy) and
// digest may be nil (template digests only). Use Start() for the ticker
// loop or RunCycle() for a single pass.
func New(st *store.Store, prov provider.Provider, templates *Templates, digest *DigestComposer, config *Config) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	if templates == nil {
		templates = DefaultTemplates()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:       st,
		provider:    prov,
		templates:   templates,
		digest:      digest,
		config:      config,
		reconfigure: make(chan time.Duration, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetInterval adjusts the cycle period of a running dispatcher. Takes
// effect on the loop's next wakeup.
func (d *Dispatcher) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	select {
	case d.reconfigure <- interval:
	default:
	}
}

// Start launches the dispatch ticker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop halts the ticker and waits for an in-flight cycle.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case interval := <-d.reconfigure:
			ticker.Reset(interval)
			d.config.Logger.Printf("dispatch interval set to %s", interval)
		case <-ticker.C:
			if stats, err := d.RunCycle(d.ctx); err != nil {
				d.config.Logger.Printf("dispatch cycle failed: %v", err)
			} else if stats.Loaded > 0 {
				d.config.Logger.Printf("dispatched: %d loaded, %d delivered, %d retried, %d tokens dropped, %d exhausted",
					stats.Loaded, stats.Delivered, stats.Retried, stats.TokensDropped, stats.Exhausted)
			}
		}
	}
}

// deviceBatch is one device's coalesced work for a cycle.
type deviceBatch struct {
	device   *store.Device
	pendings []*store.PendingNotification
}

// RunCycle performs one dispatch pass: load due rows, coalesce per
// device, submit one multicast batch, decompose per-token outcomes.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	pendings, err := d.store.DuePending(ctx, time.Now(), d.config.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("failed to load due pendings: %w", err)
	}
	stats.Loaded = len(pendings)
	if len(pendings) == 0 {
		return stats, nil
	}

	batches := d.groupByDevice(ctx, pendings, &stats)
	if len(batches) == 0 {
		return stats, nil
	}

	notifications := make([]provider.Notification, 0, len(batches))
	byToken := make(map[string]*deviceBatch, len(batches))
	for _, b := range batches {
		n := d.buildNotification(ctx, b)
		notifications = append(notifications, n)
		byToken[n.Token] = b
	}

	results, err := d.provider.Send(ctx, notifications)
	if err != nil {
		// Whole-batch infrastructure failure: every row retries.
		d.config.Logger.Printf("provider %s unavailable: %v", d.provider.Name(), err)
		for _, b := range batches {
			d.retryOrDrop(ctx, b, err.Error(), &stats)
		}
		return stats, nil
	}

	for _, r := range results {
		b, ok := byToken[r.Token]
		if !ok {
			d.config.Logger.Printf("provider returned unknown token %q", r.Token)
			continue
		}
		switch r.Status {
		case provider.StatusDelivered:
			if err := d.store.DeletePending(ctx, ids(b.pendings)); err != nil {
				d.config.Logger.Printf("failed to clear pendings for %s: %v", b.device.ID, err)
				continue
			}
			stats.Delivered += len(b.pendings)

		case provider.StatusTokenInvalid:
			// Permanent: unregister the token, drop its work. The
			// device re-registers on its next sync.
			if err := d.store.ClearPushToken(ctx, b.device.ID); err != nil {
				d.config.Logger.Printf("failed to clear token for %s: %v", b.device.ID, err)
			}
			if err := d.store.DeletePending(ctx, ids(b.pendings)); err != nil {
				d.config.Logger.Printf("failed to clear pendings for %s: %v", b.device.ID, err)
			}
			stats.TokensDropped++
			d.config.Logger.Printf("token for device %s invalid (%s), unregistered", b.device.ID, r.Detail)

		case provider.StatusFailed:
			d.retryOrDrop(ctx, b, r.Detail, &stats)
		}
	}

	return stats, nil
}

// groupByDevice buckets due rows per device, discarding work that can
// no longer be delivered (device gone, token unregistered).
func (d *Dispatcher) groupByDevice(ctx context.Context, pendings []*store.PendingNotification, stats *CycleStats) []*deviceBatch {
	byDevice := make(map[string]*deviceBatch)
	var order []string

	for _, p := range pendings {
		b, ok := byDevice[p.DeviceID]
		if !ok {
			device, err := d.store.GetDevice(ctx, p.DeviceID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					// Device unregistered since the enqueue.
					if err := d.store.DeletePending(ctx, []int64{p.ID}); err != nil {
						d.config.Logger.Printf("failed to drop orphan pending %d: %v", p.ID, err)
					}
					continue
				}
				d.config.Logger.Printf("failed to load device %s: %v", p.DeviceID, err)
				continue
			}
			if device.PushToken == nil {
				// Token was pruned after the enqueue; the device will
				// converge via pull sync.
				if err := d.store.DeletePending(ctx, []int64{p.ID}); err != nil {
					d.config.Logger.Printf("failed to drop tokenless pending %d: %v", p.ID, err)
				}
				continue
			}
			b = &deviceBatch{device: device}
			byDevice[p.DeviceID] = b
			order = append(order, p.DeviceID)
		}
		b.pendings = append(b.pendings, p)
	}

	batches := make([]*deviceBatch, 0, len(order))
	for _, id := range order {
		batches = append(batches, byDevice[id])
	}
	return batches
}

// buildNotification renders one device's coalesced events into a single
// push.
func (d *Dispatcher) buildNotification(ctx context.Context, b *deviceBatch) provider.Notification {
	events := make([]event.Event, 0, len(b.pendings))
	maxSeq := int64(0)
	for _, p := range b.pendings {
		ev, err := d.store.EventBySeq(ctx, p.FamilyID, p.EventSeq)
		if err != nil {
			d.config.Logger.Printf("failed to load event %s/%d: %v", p.FamilyID, p.EventSeq, err)
			continue
		}
		events = append(events, ev)
		if p.EventSeq > maxSeq {
			maxSeq = p.EventSeq
		}
	}

	var title, body string
	switch {
	case len(events) == 1:
		title, body = d.templates.Render(events[0])
	case len(events) > 1:
		title, body = d.templates.RenderDigest(events)
		if d.digest.Enabled() {
			if line, err := d.digest.Compose(ctx, events); err == nil {
				body = line
			} else {
				d.config.Logger.Printf("digest compose failed, using template: %v", err)
			}
		}
	default:
		// Events pruned from under the pendings; still nudge the app.
		title, body = d.templates.RenderDigest(events)
	}

	return provider.Notification{
		Token: *b.device.PushToken,
		Title: title,
		Body:  body,
		Data: map[string]string{
			"family_id": b.device.FamilyID,
			"max_seq":   strconv.FormatInt(maxSeq, 10),
		},
	}
}

// retryOrDrop reschedules a batch's rows, dropping any past the attempt
// ceiling.
func (d *Dispatcher) retryOrDrop(ctx context.Context, b *deviceBatch, detail string, stats *CycleStats) {
	var retry, drop []int64
	for _, p := range b.pendings {
		if p.Attempts+1 >= d.config.MaxAttempts {
			drop = append(drop, p.ID)
		} else {
			retry = append(retry, p.ID)
		}
	}

	if len(retry) > 0 {
		// Linear backoff keyed to the batch's first row; enough to stop
		// hammering a throttling provider.
		attempts := b.pendings[0].Attempts + 1
		next := time.Now().Add(d.config.Backoff * time.Duration(attempts))
		if err := d.store.RetryPending(ctx, retry, next); err != nil {
			d.config.Logger.Printf("failed to reschedule pendings for %s: %v", b.device.ID, err)
		} else {
			stats.Retried += len(retry)
		}
	}
	if len(drop) > 0 {
		if err := d.store.DeletePending(ctx, drop); err != nil {
			d.config.Logger.Printf("failed to drop exhausted pendings for %s: %v", b.device.ID, err)
		} else {
			stats.Exhausted += len(drop)
			d.config.Logger.Printf("dropped %d notifications for device %s after %d attempts (%s)",
				len(drop), b.device.ID, d.config.MaxAttempts, detail)
		}
	}
}

func ids(pendings []*store.PendingNotification) []int64 {
	out := make([]int64, len(pendings))
	for i, p := range pendings {
		out[i] = p.ID
	}
	return out
}

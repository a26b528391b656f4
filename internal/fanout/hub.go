// Package fanout pushes committed events to connected devices in real
// time.
//
// The hub owns an explicit membership table (family id -> set of device
// sessions) mutated only here, which keeps connect/disconnect and
// broadcast free of races. Delivery to a connected session is
// best-effort: a failed write drops the session without retry; the
// device catches up through pull sync on reconnect.
//
// Devices that are not connected when an event commits get a durable
// PendingNotification row instead, picked up by the push dispatcher.
package fanout

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/store"
)

// MessageType defines the type of realtime message.
type MessageType string

const (
	// MessageTypeEvent carries one committed event.
	MessageTypeEvent MessageType = "event"

	// MessageTypeWelcome greets a session after it joins its room.
	MessageTypeWelcome MessageType = "welcome"
)

// Message is the wire envelope for realtime pushes.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Event     *event.Event    `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Session is one connected device. The concrete implementation wraps a
// WebSocket connection; tests substitute fakes.
type Session interface {
	// DeviceID identifies the authenticated device.
	DeviceID() string

	// Send writes one message payload. Must respect ctx's deadline.
	Send(ctx context.Context, payload []byte) error

	// Close tears the connection down. Idempotent.
	Close(reason string)
}

// DeviceDirectory is the slice of the store the hub needs to decide who
// gets a pending push instead of a realtime send.
type DeviceDirectory interface {
	ListFamilyDevices(ctx context.Context, familyID string) ([]*store.Device, error)
	EnqueuePending(ctx context.Context, familyID, deviceID string, eventSeq int64) error
}

// Config holds hub configuration.
type Config struct {
	// SendTimeout bounds each per-session write.
	SendTimeout time.Duration

	// QueueSize is the intake buffer; a full buffer drops the realtime
	// push (devices recover via pull sync, pendings still enqueue).
	QueueSize int

	// Logger for hub activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SendTimeout: 5 * time.Second,
		QueueSize:   256,
		Logger:      log.New(os.Stderr, "[fanout] ", log.LstdFlags),
	}
}

// Hub maintains family rooms and dispatches committed events.
type Hub struct {
	dir    DeviceDirectory
	config *Config

	rooms    map[string]map[Session]bool
	byFamily map[Session]string
	roomsMu  sync.RWMutex

	intake chan event.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub. Call Start before broadcasting.
func New(dir DeviceDirectory, config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[fanout] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		dir:      dir,
		config:   config,
		rooms:    make(map[string]map[Session]bool),
		byFamily: make(map[Session]string),
		intake:   make(chan event.Event, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the dispatch loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.dispatchLoop()
}

// Stop closes every session and waits for the dispatch loop.
func (h *Hub) Stop() {
	h.cancel()

	h.roomsMu.Lock()
	for sess := range h.byFamily {
		sess.Close("server shutting down")
	}
	h.rooms = make(map[string]map[Session]bool)
	h.byFamily = make(map[Session]string)
	h.roomsMu.Unlock()

	h.wg.Wait()
}

// Join adds a session to its family's room.
func (h *Hub) Join(familyID string, sess Session) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()

	room, ok := h.rooms[familyID]
	if !ok {
		room = make(map[Session]bool)
		h.rooms[familyID] = room
	}
	room[sess] = true
	h.byFamily[sess] = familyID

	h.config.Logger.Printf("device %s joined family %s (%d connected)",
		sess.DeviceID(), familyID, len(room))
}

// Leave removes a session from its room. Idempotent.
func (h *Hub) Leave(sess Session) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	h.removeLocked(sess)
}

func (h *Hub) removeLocked(sess Session) {
	familyID, ok := h.byFamily[sess]
	if !ok {
		return
	}
	delete(h.byFamily, sess)
	if room, ok := h.rooms[familyID]; ok {
		delete(room, sess)
		if len(room) == 0 {
			delete(h.rooms, familyID)
		}
	}
	h.config.Logger.Printf("device %s left family %s", sess.DeviceID(), familyID)
}

// Broadcast hands a committed event to the dispatch loop. Never blocks
// the caller: this runs on the coordinator's commit path.
func (h *Hub) Broadcast(ev event.Event) {
	select {
	case h.intake <- ev:
	case <-h.ctx.Done():
	default:
		h.config.Logger.Printf("Warning: intake full, dropping realtime push for %s/%d",
			ev.FamilyID, ev.Seq)
		// Offline bookkeeping still runs so nothing is lost outright,
		// but never on the caller's commit path.
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.enqueueOffline(ev, nil)
		}()
	}
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.byFamily)
}

// RoomCounts returns connected-session counts per family, for the health
// probe.
func (h *Hub) RoomCounts() map[string]int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()

	counts := make(map[string]int, len(h.rooms))
	for familyID, room := range h.rooms {
		counts[familyID] = len(room)
	}
	return counts
}

func (h *Hub) dispatchLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.intake:
			h.dispatch(ev)
		}
	}
}

// dispatch pushes one event to the family's connected sessions and
// enqueues pendings for everyone else.
func (h *Hub) dispatch(ev event.Event) {
	msg := Message{
		Type:      MessageTypeEvent,
		Timestamp: time.Now(),
		Event:     &ev,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.config.Logger.Printf("Failed to marshal event %s/%d: %v", ev.FamilyID, ev.Seq, err)
		return
	}

	// Snapshot members outside the write path so a slow socket never
	// holds the room lock.
	h.roomsMu.RLock()
	members := make([]Session, 0, len(h.rooms[ev.FamilyID]))
	for sess := range h.rooms[ev.FamilyID] {
		members = append(members, sess)
	}
	h.roomsMu.RUnlock()

	connected := make(map[string]bool, len(members))
	for _, sess := range members {
		connected[sess.DeviceID()] = true

		// Suppress echo: the author already has the outcome from its
		// own sync response.
		if sess.DeviceID() == ev.AuthorDeviceID {
			continue
		}

		ctx, cancel := context.WithTimeout(h.ctx, h.config.SendTimeout)
		err := sess.Send(ctx, payload)
		cancel()

		if err != nil {
			h.config.Logger.Printf("Failed to send to device %s: %v", sess.DeviceID(), err)
			h.Leave(sess)
			sess.Close("send failed")
		}
	}

	h.enqueueOffline(ev, connected)
}

// enqueueOffline records a pending push for every registered device that
// was not connected at commit time. Devices without a push token are
// skipped: there is nothing to deliver to until they register one, and
// they converge via pull sync anyway.
func (h *Hub) enqueueOffline(ev event.Event, connected map[string]bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	devices, err := h.dir.ListFamilyDevices(ctx, ev.FamilyID)
	if err != nil {
		h.config.Logger.Printf("Failed to list devices for %s: %v", ev.FamilyID, err)
		return
	}

	for _, d := range devices {
		if d.ID == ev.AuthorDeviceID || connected[d.ID] || d.PushToken == nil {
			continue
		}
		if err := h.dir.EnqueuePending(ctx, ev.FamilyID, d.ID, ev.Seq); err != nil {
			h.config.Logger.Printf("Failed to enqueue pending for %s: %v", d.ID, err)
		}
	}
}

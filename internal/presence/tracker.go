// ABOUTME: Tracker records minion presence in the store and publishes it to Redis.
// ABOUTME: Notifications are queued and applied by one worker so stream goroutines never block on I/O.

package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/minion-gateway/internal/metrics"
	"github.com/2389/minion-gateway/internal/minion"
	"github.com/2389/minion-gateway/internal/store"
)

// DefaultBuffer is the event queue size used when Config.Buffer is zero.
const DefaultBuffer = 1024

const applyTimeout = 5 * time.Second

// Config wires a Tracker. Store and Publisher are both optional.
type Config struct {
	Store     store.Store
	Publisher Publisher
	Buffer    int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Tracker implements minion.PresenceNotifier.
type Tracker struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker creates a tracker and starts its worker.
func NewTracker(cfg Config) *Tracker {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	t := &Tracker{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.With("component", "presence"),
		now:       cfg.Now,
		events:    make(chan Event, cfg.Buffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.run()
	return t
}

// MinionConnected records that a minion completed its handshake.
func (t *Tracker) MinionConnected(id minion.Identity) {
	t.enqueue(newEvent(KindConnected, id, t.now()), true)
}

// MinionDisconnected records that a minion's stream ended.
func (t *Tracker) MinionDisconnected(id minion.Identity) {
	t.enqueue(newEvent(KindDisconnected, id, t.now()), true)
}

// Heartbeat refreshes last_seen. Heartbeats are dropped when the queue is full.
func (t *Tracker) Heartbeat(id minion.Identity) {
	t.enqueue(newEvent(KindHeartbeat, id, t.now()), false)
}

func (t *Tracker) enqueue(ev Event, wait bool) {
	select {
	case <-t.quit:
		metrics.PresenceEvents.WithLabelValues(ev.Kind, "dropped").Inc()
		return
	default:
	}

	if wait {
		select {
		case t.events <- ev:
		case <-t.quit:
			metrics.PresenceEvents.WithLabelValues(ev.Kind, "dropped").Inc()
		}
		return
	}

	select {
	case t.events <- ev:
	default:
		metrics.PresenceEvents.WithLabelValues(ev.Kind, "dropped").Inc()
		t.logger.Debug("presence queue full, dropping event", "kind", ev.Kind, "system_id", ev.SystemID)
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case ev := <-t.events:
			t.apply(ev)
		case <-t.quit:
			// Drain what was queued before Close.
			for {
				select {
				case ev := <-t.events:
					t.apply(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) apply(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	result := "ok"
	if err := t.record(ctx, ev); err != nil {
		result = "error"
		t.logger.Error("recording presence", "kind", ev.Kind, "system_id", ev.SystemID, "tenant_id", ev.TenantID, "error", err)
	}
	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, ev); err != nil {
			result = "error"
			t.logger.Error("publishing presence", "kind", ev.Kind, "system_id", ev.SystemID, "error", err)
		}
	}
	metrics.PresenceEvents.WithLabelValues(ev.Kind, result).Inc()
}

func (t *Tracker) record(ctx context.Context, ev Event) error {
	if t.store == nil {
		return nil
	}
	at := ev.Time()

	switch ev.Kind {
	case KindConnected:
		return t.store.UpsertMinion(ctx, &store.Minion{
			TenantID:    ev.TenantID,
			SystemID:    ev.SystemID,
			Location:    ev.Location,
			ConnectedAt: at,
			LastSeen:    at,
		})
	case KindDisconnected:
		return t.store.MarkMinionOffline(ctx, ev.TenantID, ev.SystemID, at)
	case KindHeartbeat:
		err := t.store.TouchMinion(ctx, ev.TenantID, ev.SystemID, at)
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Debug("heartbeat for unknown minion", "system_id", ev.SystemID, "tenant_id", ev.TenantID)
			return nil
		}
		return err
	}
	return nil
}

// Close stops the worker after applying queued events. It does not close the store or
// publisher.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.quit)
	})
	<-t.done
}

var _ minion.PresenceNotifier = (*Tracker)(nil)

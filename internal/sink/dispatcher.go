// ABOUTME: Routes one-way sink messages from minions to the consumer bound to their module id.
// ABOUTME: Duplicate message ids are dropped; consumers run on a bounded worker pool.

package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/minion-gateway/internal/future"
	"github.com/2389/minion-gateway/internal/metrics"
	"github.com/2389/minion-gateway/internal/minion"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// Defaults applied when Config fields are zero.
const (
	DefaultDedupeTTL      = 10 * time.Minute
	DefaultDedupeSize     = 10000
	DefaultConsumeTimeout = 10 * time.Second
)

// Result labels for metrics.SinkMessages.
const (
	resultAccepted      = "accepted"
	resultDuplicate     = "duplicate"
	resultUnknownModule = "unknown_module"
	resultInvalid       = "invalid"
	resultBackpressure  = "backpressure"
	resultFailed        = "failed"
)

// ErrAlreadyRegistered is returned when a module id already has a consumer.
var ErrAlreadyRegistered = errors.New("sink consumer already registered")

// Message is a sink message together with the minion that sent it.
type Message struct {
	Identity   minion.Identity
	MessageID  string
	ModuleID   string
	Content    []byte
	ReceivedAt time.Time
}

// Consumer handles sink messages for one module id.
type Consumer interface {
	Consume(ctx context.Context, msg *Message) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, msg *Message) error

func (f ConsumerFunc) Consume(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Config wires a Dispatcher. A nil Executor runs consumers inline.
type Config struct {
	Executor       future.Executor
	DedupeTTL      time.Duration
	DedupeSize     int
	ConsumeTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Dispatcher implements minion.SinkHandler.
type Dispatcher struct {
	mu        sync.RWMutex
	consumers map[string]Consumer

	seen    *seenCache
	exec    future.Executor
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. Close releases the dedupe sweeper.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.ConsumeTimeout <= 0 {
		cfg.ConsumeTimeout = DefaultConsumeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		consumers: make(map[string]Consumer),
		seen:      newSeenCache(cfg.DedupeTTL, cfg.DedupeSize, cfg.Now),
		exec:      cfg.Executor,
		timeout:   cfg.ConsumeTimeout,
		logger:    cfg.Logger.With("component", "sink"),
		now:       cfg.Now,
	}
}

// Register binds c to moduleID.
func (d *Dispatcher) Register(moduleID string, c Consumer) error {
	if moduleID == "" {
		return fmt.Errorf("registering sink consumer: empty module id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.consumers[moduleID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, moduleID)
	}
	d.consumers[moduleID] = c
	return nil
}

// Modules lists module ids with a consumer, sorted.
func (d *Dispatcher) Modules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.consumers))
	for id := range d.consumers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dispatch hands msg to its consumer. It never blocks on the consumer.
func (d *Dispatcher) Dispatch(identity minion.Identity, msg *pb.SinkMessage) {
	if msg == nil || msg.ModuleId == "" {
		d.count("", resultInvalid)
		d.logger.Warn("dropping sink message without module id", "system_id", identity.SystemID)
		return
	}

	d.mu.RLock()
	consumer, ok := d.consumers[msg.ModuleId]
	d.mu.RUnlock()
	if !ok {
		d.count(msg.ModuleId, resultUnknownModule)
		d.logger.Warn("no consumer for sink module", "module_id", msg.ModuleId, "system_id", identity.SystemID)
		return
	}

	id := msg.MessageId
	if id == "" {
		id = uuid.New().String()
	} else if d.seen.checkAndMark(identity.Key().String() + "/" + id) {
		d.count(msg.ModuleId, resultDuplicate)
		d.logger.Debug("dropping duplicate sink message", "message_id", id, "system_id", identity.SystemID)
		return
	}

	m := &Message{
		Identity:   identity,
		MessageID:  id,
		ModuleID:   msg.ModuleId,
		Content:    msg.Content,
		ReceivedAt: d.now(),
	}

	task := func() { d.consume(consumer, m) }
	if d.exec == nil {
		task()
		return
	}
	if err := d.exec.Submit(task); err != nil {
		d.count(msg.ModuleId, resultBackpressure)
		d.logger.Warn("sink pool saturated, dropping message", "module_id", msg.ModuleId, "message_id", id, "error", err)
	}
}

func (d *Dispatcher) consume(c Consumer, m *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := c.Consume(ctx, m); err != nil {
		d.count(m.ModuleID, resultFailed)
		d.logger.Error("sink consumer failed",
			"module_id", m.ModuleID,
			"message_id", m.MessageID,
			"system_id", m.Identity.SystemID,
			"error", err,
		)
		return
	}
	d.count(m.ModuleID, resultAccepted)
}

func (d *Dispatcher) count(module, result string) {
	metrics.SinkMessages.WithLabelValues(module, result).Inc()
}

// Close stops the dedupe sweeper.
func (d *Dispatcher) Close() {
	d.seen.close()
}

var _ minion.SinkHandler = (*Dispatcher)(nil)

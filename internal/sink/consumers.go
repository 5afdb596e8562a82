// ABOUTME: Builtin sink consumers: heartbeats refresh presence, task results are stored.
// ABOUTME: Minions pick the consumer through the sink message module id.

package sink

import (
	"context"
	"errors"

	"github.com/2389/minion-gateway/internal/minion"
	"github.com/2389/minion-gateway/internal/store"
)

// Builtin sink module ids.
const (
	HeartbeatModule  = "heartbeat"
	TaskResultModule = "task-result"
)

// HeartbeatNotifier is told about heartbeats.
type HeartbeatNotifier interface {
	Heartbeat(id minion.Identity)
}

// Heartbeat forwards heartbeat messages to n.
func Heartbeat(n HeartbeatNotifier) Consumer {
	return ConsumerFunc(func(_ context.Context, msg *Message) error {
		n.Heartbeat(msg.Identity)
		return nil
	})
}

// Persist stores each message. A message id stored earlier is not an error.
func Persist(s store.Store) Consumer {
	return ConsumerFunc(func(ctx context.Context, msg *Message) error {
		err := s.SaveSinkMessage(ctx, &store.SinkRecord{
			MessageID:  msg.MessageID,
			TenantID:   msg.Identity.TenantID,
			SystemID:   msg.Identity.SystemID,
			ModuleID:   msg.ModuleID,
			Content:    msg.Content,
			ReceivedAt: msg.ReceivedAt,
		})
		if errors.Is(err, store.ErrDuplicateMessage) {
			return nil
		}
		return err
	})
}

// RegisterBuiltins binds the heartbeat and task-result consumers.
func RegisterBuiltins(d *Dispatcher, n HeartbeatNotifier, s store.Store) error {
	if n != nil {
		if err := d.Register(HeartbeatModule, Heartbeat(n)); err != nil {
			return err
		}
	}
	if s != nil {
		if err := d.Register(TaskResultModule, Persist(s)); err != nil {
			return err
		}
	}
	return nil
}

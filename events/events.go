// Package events provides an in-process publish/subscribe bus used to
// coordinate long-running workflows with asynchronous agent reports.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindDeploymentHealthy Kind = "deployment.healthy"
	KindDeploymentRunning Kind = "deployment.running"
	KindDeploymentFailed  Kind = "deployment.failed"
	KindDeploymentStopped Kind = "deployment.stopped"
	KindBackupCompleted   Kind = "backup.completed"
	KindBackupFailed      Kind = "backup.failed"
	KindRestoreCompleted  Kind = "restore.completed"
	KindRestoreFailed     Kind = "restore.failed"
	KindDNSSynced         Kind = "dns.synced"
	KindRolloutCancel     Kind = "rollout.cancel"
	KindMigrationCancel   Kind = "migration.cancel"
)

// Event identifies something that happened to a specific entity. The payload
// is optional extra context for the subscriber.
type Event struct {
	Kind     Kind
	EntityID uuid.UUID
	Payload  any
}

func (e Event) key() string {
	return string(e.Kind) + ":" + e.EntityID.String()
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers keyed by kind and entity ID. Publishing
// never blocks: a subscriber that is not draining its channel misses events.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := b.subs[event.key()]
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			slog.Warn("Dropping event for slow subscriber",
				"layer", "events", "kind", event.Kind, "entity_id", event.EntityID)
		}
	}
}

// Subscribe registers interest in a (kind, entity) pair. The returned cancel
// function must be called to release the subscription.
func (b *Bus) Subscribe(kind Kind, entityID uuid.UUID) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 4)}
	key := Event{Kind: kind, EntityID: entityID}.key()

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], s)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[key]
		for i, existing := range subs {
			if existing == s {
				b.subs[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
	return s.ch, cancel
}

// Watch is a registered wait on an entity. The subscription is live from the
// moment Watch returns, so an event published between Watch and Wait is
// buffered rather than lost. Close releases the subscriptions.
type Watch struct {
	channels []<-chan Event
	cancels  []func()
}

// Watch subscribes to every given kind for the entity and returns a handle
// to wait on later. Callers that trigger work and then wait for its outcome
// must create the watch before triggering, or a fast completion slips past
// the subscription.
func (b *Bus) Watch(entityID uuid.UUID, kinds ...Kind) *Watch {
	w := &Watch{
		channels: make([]<-chan Event, len(kinds)),
		cancels:  make([]func(), len(kinds)),
	}
	for i, kind := range kinds {
		w.channels[i], w.cancels[i] = b.Subscribe(kind, entityID)
	}
	return w
}

// Wait blocks until any watched kind fires or the context expires. Buffered
// events that arrived before Wait are delivered first.
func (w *Watch) Wait(ctx context.Context) (Event, error) {
	if len(w.channels) == 0 {
		return Event{}, fmt.Errorf("waiting on no event kinds")
	}

	merged := make(chan Event, 1)
	done := make(chan struct{})
	defer close(done)
	for _, ch := range w.channels {
		go func(ch <-chan Event) {
			select {
			case ev := <-ch:
				select {
				case merged <- ev:
				case <-done:
				}
			case <-done:
			}
		}(ch)
	}

	select {
	case ev := <-merged:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close releases the watch's subscriptions.
func (w *Watch) Close() {
	for _, cancel := range w.cancels {
		cancel()
	}
}

// WaitFor subscribes, waits, and unsubscribes in one call. Only safe when
// the event cannot fire before this call; otherwise use Watch.
func (b *Bus) WaitFor(ctx context.Context, entityID uuid.UUID, kinds ...Kind) (Event, error) {
	if len(kinds) == 0 {
		return Event{}, fmt.Errorf("waiting on no event kinds")
	}
	w := b.Watch(entityID, kinds...)
	defer w.Close()
	return w.Wait(ctx)
}

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"voice-platform/internal/calls"
)

const (
	EventCallUpdated     = "call.updated"
	EventTranscriptReady = "transcript.ready"

	defaultOutboxSize = 1024
	remoteTimeout     = 2 * time.Second
)

// Event is the message observers receive.
type Event struct {
	Type   string      `json:"type"`
	CallID string      `json:"call_id"`
	Status string      `json:"status,omitempty"`
	Call   *calls.Call `json:"call,omitempty"`
	At     time.Time   `json:"at"`
}

// RemotePublisher forwards events to other processes.
type RemotePublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type envelope struct {
	topic   string
	payload []byte
}

// Broadcaster decouples state changes from delivery. Publish only enqueues; Run drains the
// outbox to the local hub, or to the remote bridge when one is configured (the bridge's
// subscriber then relays into the hub, so each event reaches local observers once).
type Broadcaster struct {
	hub    *Hub
	remote RemotePublisher
	outbox chan envelope
	log    *slog.Logger
	now    func() time.Time

	dropped   atomic.Int64
	published atomic.Int64
}

func NewBroadcaster(hub *Hub, remote RemotePublisher, outboxSize int, log *slog.Logger) *Broadcaster {
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		hub:    hub,
		remote: remote,
		outbox: make(chan envelope, outboxSize),
		log:    log,
		now:    time.Now,
	}
}

// Publish enqueues ev on topic. It never blocks; when the outbox is full the event is dropped.
func (b *Broadcaster) Publish(topic string, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("realtime event encode failed", "type", ev.Type, "err", err)
		return
	}
	select {
	case b.outbox <- envelope{topic: topic, payload: payload}:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
	}
}

// PublishCall announces a call's current state on the global, owner and per-call topics.
func (b *Broadcaster) PublishCall(c calls.Call) {
	b.publishScoped(c, Event{Type: EventCallUpdated, CallID: c.ID, Status: string(c.Status), Call: &c})
}

func (b *Broadcaster) PublishTranscriptReady(c calls.Call) {
	b.publishScoped(c, Event{Type: EventTranscriptReady, CallID: c.ID})
}

func (b *Broadcaster) publishScoped(c calls.Call, ev Event) {
	b.Publish(TopicCalls, ev)
	if c.UserID != "" {
		b.Publish(UserTopic(c.UserID), ev)
	}
	b.Publish(CallTopic(c.ID), ev)
}

// AfterTransition publishes applied transitions.
func (b *Broadcaster) AfterTransition(_ context.Context, _ calls.Event, res calls.Result) {
	if res.Outcome == calls.OutcomeApplied {
		b.PublishCall(res.Current)
	}
}

// Run drains the outbox until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case env := <-b.outbox:
			b.deliver(env)
		}
	}
}

// flush delivers what is already queued so a shutdown does not lose the last updates.
func (b *Broadcaster) flush() {
	for {
		select {
		case env := <-b.outbox:
			b.deliver(env)
		default:
			return
		}
	}
}

func (b *Broadcaster) deliver(env envelope) {
	if b.remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		err := b.remote.Publish(ctx, env.topic, env.payload)
		cancel()
		if err == nil {
			return
		}
		b.log.Warn("realtime remote publish failed, delivering locally", "topic", env.topic, "err", err)
	}
	if b.hub != nil {
		b.hub.Deliver(env.topic, env.payload)
	}
}

// Dropped counts events discarded because the outbox was full.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Published counts events accepted into the outbox.
func (b *Broadcaster) Published() int64 { return b.published.Load() }

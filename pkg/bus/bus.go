// Package bus implements the Message Bus (spec §4.5, §6): a wireless
// send/broadcast/receive facility with a typed envelope, reply channels,
// and registered handlers. It is grounded on the teacher's pkg/events
// Broker (subscriber fan-out over buffered channels) generalized with a
// targetId-addressed envelope and an at-least-once, unordered delivery
// model.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/rs/zerolog"
)

// MessageType is one of the recognised wire types in spec §6.
type MessageType string

const (
	Ping          MessageType = "PING"
	Pong          MessageType = "PONG"
	Status        MessageType = "STATUS"
	CraftRequest  MessageType = "CRAFT_REQUEST"
	CraftComplete MessageType = "CRAFT_COMPLETE"
	CraftFailed   MessageType = "CRAFT_FAILED"
	WorkRequest   MessageType = "WORK_REQUEST"
	WorkComplete  MessageType = "WORK_COMPLETE"
	WorkFailed    MessageType = "WORK_FAILED"
	Command       MessageType = "COMMAND"
	Ack           MessageType = "ACK"
	Complete      MessageType = "COMPLETE"
	ErrorMsg      MessageType = "ERROR"
	AislePing     MessageType = "AISLE-PING"
	AislePong     MessageType = "AISLE-PONG"
	ShopSync      MessageType = "SHOPSYNC"
)

// Envelope is the wire message shape of spec §4.5.
type Envelope struct {
	ID          string
	Type        MessageType
	SenderID    string
	SenderLabel string
	TargetID    string // empty means broadcast
	Timestamp   time.Time
	Data        map[string]any
}

// Handler processes an inbound envelope. Handlers run synchronously in the
// receive loop (spec §4.5).
type Handler func(Envelope)

// Bus is the unreliable, at-least-once broadcast channel abstraction.
// One outbound and one inbound logical channel are modeled as buffered Go
// channels; message filtering by TargetID happens in Receive/run.
type Bus struct {
	mu       sync.RWMutex
	selfID   string
	selfName string

	outbound chan Envelope
	inbound  chan Envelope
	stopCh   chan struct{}

	handlers map[MessageType][]Handler

	logger zerolog.Logger
}

// New creates a Bus identified as selfID/selfName. Transport is left to the
// caller: Outbound() exposes the send channel for a transport adapter to
// drain, and Inject() feeds received wire envelopes back in.
func New(selfID, selfName string) *Bus {
	return &Bus{
		selfID:   selfID,
		selfName: selfName,
		outbound: make(chan Envelope, 256),
		inbound:  make(chan Envelope, 256),
		stopCh:   make(chan struct{}),
		handlers: make(map[MessageType][]Handler),
		logger:   log.WithComponent("bus"),
	}
}

// Start begins the inbound receive/dispatch loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop halts the receive loop.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// On registers a handler invoked synchronously for every inbound envelope
// of the given type.
func (b *Bus) On(t MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Send addresses an envelope to a specific agent.
func (b *Bus) Send(t MessageType, data map[string]any, targetID string) {
	b.publish(t, data, targetID)
}

// Broadcast addresses an envelope to every listener (empty TargetID).
func (b *Bus) Broadcast(t MessageType, data map[string]any) {
	b.publish(t, data, "")
}

func (b *Bus) publish(t MessageType, data map[string]any, targetID string) {
	env := Envelope{
		ID:          uuid.NewString(),
		Type:        t,
		SenderID:    b.selfID,
		SenderLabel: b.selfName,
		TargetID:    targetID,
		Timestamp:   time.Now(),
		Data:        data,
	}
	metrics.MessagesSentTotal.WithLabelValues(string(t)).Inc()
	select {
	case b.outbound <- env:
	case <-b.stopCh:
	}
}

// Outbound exposes the send-side channel for a transport adapter to drain
// and deliver over the wire.
func (b *Bus) Outbound() <-chan Envelope {
	return b.outbound
}

// Inject feeds a wire-received envelope into the bus for dispatch. It is
// the transport adapter's entry point for inbound traffic.
func (b *Bus) Inject(env Envelope) {
	select {
	case b.inbound <- env:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case env := <-b.inbound:
			b.dispatch(env)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) dispatch(env Envelope) {
	if env.TargetID != "" && env.TargetID != b.selfID {
		return
	}
	metrics.MessagesReceivedTotal.WithLabelValues(string(env.Type)).Inc()

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[env.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// Receive blocks until a matching envelope arrives on the inbound channel
// or timeout elapses, bypassing registered handlers. Used by callers that
// want to synchronously await a specific reply (spec §4.5 receive(timeout)).
func (b *Bus) Receive(timeout time.Duration) (Envelope, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-b.inbound:
			if env.TargetID != "" && env.TargetID != b.selfID {
				continue
			}
			metrics.MessagesReceivedTotal.WithLabelValues(string(env.Type)).Inc()
			return env, true
		case <-timer.C:
			return Envelope{}, false
		case <-b.stopCh:
			return Envelope{}, false
		}
	}
}

package node

import (
	"sync"

	"github.com/ai2ai-protocol/ai2ai/internal/delivery"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/ingress"
)

// EventName identifies one of the callback channels a Node emits on (§4.12).
type EventName string

const (
	EventMessage         EventName = "message"
	EventRequest         EventName = "request"
	EventReceipt         EventName = "receipt"
	EventSent            EventName = "sent"
	EventDelivered       EventName = "delivered"
	EventRead            EventName = "read"
	EventFailed          EventName = "failed"
	EventCircuitOpen     EventName = "circuit-open"
	EventCircuitClosed   EventName = "circuit-closed"
	EventApprovalExpired EventName = "approval-expired"
)

// Handler receives the payload for one event. Implementations must not
// block; slow work should be dispatched to a goroutine.
type Handler func(payload any)

type emitter struct {
	mu       sync.RWMutex
	handlers map[EventName][]Handler
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[EventName][]Handler)}
}

func (e *emitter) on(name EventName, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], h)
}

func (e *emitter) fire(name EventName, payload any) {
	e.mu.RLock()
	handlers := append([]Handler(nil), e.handlers[name]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// On registers a callback for one of the named events (§4.12): message,
// request, receipt, sent, delivered, read, failed, circuit-open,
// circuit-closed, approval-expired.
func (n *Node) On(name EventName, h Handler) {
	n.events.on(name, h)
}

// MessagePayload is delivered on the "message" event for inbound
// type=inform envelopes and for response/confirm/reject envelopes.
type MessagePayload struct {
	Envelope *envelope.Envelope
}

// RequestPayload is delivered on the "request" event once an intent
// handler's asynchronous result is ready.
type RequestPayload struct {
	Envelope *envelope.Envelope
	Response []byte
	Err      error
}

// ReceiptPayload is delivered on the "receipt" event.
type ReceiptPayload struct {
	Envelope *envelope.Envelope
}

func (n *Node) onIngressEvent(e ingress.Event) {
	switch e.Type {
	case envelope.TypeRequest:
		n.handleRequestResult(e)
	case envelope.TypeInform:
		n.events.fire(EventMessage, MessagePayload{Envelope: e.Envelope})
	case envelope.TypeResponse, envelope.TypeConfirm, envelope.TypeReject:
		n.events.fire(EventMessage, MessagePayload{Envelope: e.Envelope})
	case envelope.TypeReceipt:
		n.events.fire(EventReceipt, ReceiptPayload{Envelope: e.Envelope})
	}
}

func (n *Node) onDeliveryEvent(e delivery.Event) {
	switch e.Status {
	case delivery.StatusSent:
		n.events.fire(EventSent, e)
	case delivery.StatusDelivered:
		n.events.fire(EventDelivered, e)
	case delivery.StatusRead:
		n.events.fire(EventRead, e)
	case delivery.StatusFailed:
		n.events.fire(EventFailed, e)
	}
}

func (n *Node) onBreakerStateChange(endpoint string, open bool) {
	if open {
		n.events.fire(EventCircuitOpen, endpoint)
	} else {
		n.events.fire(EventCircuitClosed, endpoint)
	}
}

// Package rpc implements RpcHandler: the PROVIDE/REQUEST/ACCEPT/RESPONSE
// state machine described in §4.3. Provider bookkeeping (PROVIDE,
// UNPROVIDE, and the MULTIPLE_SUBSCRIPTIONS check on a repeat PROVIDE) is
// delegated wholesale to a registry.Registry, the same subscription
// primitive RecordHandler uses — PROVIDE/UNPROVIDE are exactly
// Subscribe/Unsubscribe under a different name.
package rpc

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/veraticus/syncd/pkg/registry"
	"github.com/veraticus/syncd/pkg/socket"
	"github.com/veraticus/syncd/pkg/wire"
)

// state is an invocation's position in the §4.3 state machine.
type state int

const (
	stateAwaitAccept state = iota
	stateAwaitResponse
	stateDone
)

// rpcLogger mirrors recordLogger's narrow adapter shape.
type rpcLogger struct {
	log *slog.Logger
}

func (l rpcLogger) debug(msg string, args ...any) { l.log.Debug(msg, args...) }
func (l rpcLogger) error(msg string, args ...any) { l.log.Error(msg, args...) }

// invocation tracks one outstanding REQUEST by its correlation id.
type invocation struct {
	name          string
	correlationID string
	requestor     socket.Socket
	provider      socket.Socket
	data          []byte

	state state
	tried map[string]bool // provider socket UUIDs already REQUESTed

	ackTimer      *time.Timer
	responseTimer *time.Timer
}

// doneTTL is how long a terminated correlation id is remembered so late
// ACCEPT/RESPONSE/ERROR frames get INVALID_RPC_CORRELATION_ID instead of
// being silently dropped, per §4.3's closing note.
const doneTTL = time.Minute

// Handler is RpcHandler.
type Handler struct {
	registry        *registry.Registry // PROVIDE/UNPROVIDE bookkeeping, keyed by name
	ackTimeout      time.Duration
	responseTimeout time.Duration
	log             rpcLogger

	mu          sync.Mutex
	invocations map[string]*invocation
	done        map[string]time.Time
}

// New creates a Handler. reg should be a registry.Registry constructed for
// wire.TopicRPC (used purely for its Subscribe/Unsubscribe/GetSubscribers
// machinery, not its broadcast path — RpcHandler never calls
// SendToSubscribers on it).
func New(reg *registry.Registry, ackTimeout, responseTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:        reg,
		ackTimeout:      ackTimeout,
		responseTimeout: responseTimeout,
		log:             rpcLogger{log: logger},
		invocations:     make(map[string]*invocation),
		done:            make(map[string]time.Time),
	}
}

func part(f wire.Frame, i int) string {
	if i < 0 || i >= len(f.Data) {
		return ""
	}
	return string(f.Data[i])
}

// Dispatch routes one parsed RPC-topic frame from s.
func (h *Handler) Dispatch(s socket.Socket, f wire.Frame) {
	switch f.Action {
	case wire.ActionProvide:
		h.registry.Subscribe(part(f, 0), s)
	case wire.ActionUnprovide:
		h.registry.Unsubscribe(part(f, 0), s, false)
	case wire.ActionRequest:
		h.handleRequest(s, part(f, 0), part(f, 1), []byte(part(f, 2)))
	case wire.ActionAccept:
		h.handleAccept(s, part(f, 1))
	case wire.ActionReject:
		h.handleReject(s, part(f, 1))
	case wire.ActionResponse:
		h.handleTerminal(s, part(f, 1), wire.ActionResponse, []byte(part(f, 2)))
	case wire.ActionError:
		h.handleTerminal(s, part(f, 1), wire.ActionError, []byte(part(f, 2)))
	default:
		s.Send(wire.EncodeString(wire.TopicRPC, wire.ActionErrUnknownAction, string(f.Action)))
	}
}

func (h *Handler) handleRequest(requestor socket.Socket, name, correlationID string, data []byte) {
	providers := h.registry.GetSubscribers(name)
	if len(providers) == 0 {
		requestor.Send(wire.EncodeString(wire.TopicRPC, wire.ActionErrNoRPCProvider, name, correlationID))
		return
	}

	provider := providers[rand.Intn(len(providers))]
	h.startInvocation(requestor, provider, name, correlationID, data)
}

// startInvocation creates or reuses an invocation (on retry after REJECT)
// targeting provider, forwards REQUEST, and arms the ack timer.
func (h *Handler) startInvocation(requestor, provider socket.Socket, name, correlationID string, data []byte) {
	inv := &invocation{
		name:          name,
		correlationID: correlationID,
		requestor:     requestor,
		provider:      provider,
		data:          data,
		state:         stateAwaitAccept,
		tried:         map[string]bool{provider.UUID(): true},
	}

	h.mu.Lock()
	if existing, ok := h.invocations[correlationID]; ok {
		inv.tried = existing.tried
		inv.tried[provider.UUID()] = true
		if existing.ackTimer != nil {
			existing.ackTimer.Stop()
		}
	}
	h.invocations[correlationID] = inv
	h.mu.Unlock()

	provider.Send(wire.EncodeString(wire.TopicRPC, wire.ActionRequest, name, correlationID, string(data)))

	inv.ackTimer = time.AfterFunc(h.ackTimeout, func() { h.ackTimeout_(correlationID) })
}

func (h *Handler) ackTimeout_(correlationID string) {
	h.mu.Lock()
	inv, ok := h.invocations[correlationID]
	if !ok || inv.state != stateAwaitAccept {
		h.mu.Unlock()
		return
	}
	h.terminateLocked(correlationID)
	h.mu.Unlock()

	inv.requestor.Send(wire.EncodeString(wire.TopicRPC, wire.ActionErrAcceptTimeout, inv.name, correlationID))
}

func (h *Handler) handleAccept(s socket.Socket, correlationID string) {
	h.mu.Lock()
	inv, ok := h.invocations[correlationID]
	if !ok {
		h.mu.Unlock()
		h.rejectInvalidCorrelation(s, correlationID)
		return
	}

	if inv.state != stateAwaitAccept {
		h.mu.Unlock()
		// A second ACCEPT from any provider: tell the late accepter, and
		// also re-forward REQUEST so it can unwind on its side.
		s.Send(wire.EncodeString(wire.TopicRPC, wire.ActionErrMultipleAccept, inv.name, correlationID))
		s.Send(wire.EncodeString(wire.TopicRPC, wire.ActionRequest, inv.name, correlationID, string(inv.data)))
		return
	}

	if inv.ackTimer != nil {
		inv.ackTimer.Stop()
	}
	inv.state = stateAwaitResponse
	inv.provider = s
	inv.responseTimer = time.AfterFunc(h.responseTimeout, func() { h.responseTimeout_(correlationID) })
	h.mu.Unlock()

	inv.requestor.Send(wire.EncodeString(wire.TopicRPC, wire.ActionAccept, inv.name, correlationID))
}

func (h *Handler) responseTimeout_(correlationID string) {
	h.mu.Lock()
	inv, ok := h.invocations[correlationID]
	if !ok || inv.state != stateAwaitResponse {
		h.mu.Unlock()
		return
	}
	h.terminateLocked(correlationID)
	h.mu.Unlock()

	inv.requestor.Send(wire.EncodeString(wire.TopicRPC, wire.ActionErrResponseTimeout, inv.name, correlationID))
}

func (h *Handler) handleTerminal(s socket.Socket, correlationID string, action wire.Action, data []byte) {
	h.mu.Lock()
	inv, ok := h.invocations[correlationID]
	if !ok || inv.state != stateAwaitResponse {
		h.mu.Unlock()
		h.rejectInvalidCorrelation(s, correlationID)
		return
	}

	if inv.responseTimer != nil {
		inv.responseTimer.Stop()
	}
	h.terminateLocked(correlationID)
	h.mu.Unlock()

	inv.requestor.Send(wire.EncodeString(wire.TopicRPC, action, inv.name, correlationID, string(data)))
}

func (h *Handler) handleReject(provider socket.Socket, correlationID string) {
	h.mu.Lock()
	inv, ok := h.invocations[correlationID]
	if !ok || inv.state != stateAwaitAccept {
		h.mu.Unlock()
		h.rejectInvalidCorrelation(provider, correlationID)
		return
	}
	if inv.ackTimer != nil {
		inv.ackTimer.Stop()
	}
	name, requestor, data, tried := inv.name, inv.requestor, inv.data, inv.tried
	h.mu.Unlock()

	candidates := h.excludeTried(h.registry.GetSubscribers(name), tried)
	if len(candidates) == 0 {
		h.mu.Lock()
		h.terminateLocked(correlationID)
		h.mu.Unlock()
		requestor.Send(wire.EncodeString(wire.TopicRPC, wire.ActionErrNoRPCProvider, name, correlationID))
		return
	}

	next := candidates[rand.Intn(len(candidates))]
	h.startInvocation(requestor, next, name, correlationID, data)
}

func (h *Handler) excludeTried(candidates []socket.Socket, tried map[string]bool) []socket.Socket {
	out := make([]socket.Socket, 0, len(candidates))
	for _, c := range candidates {
		if !tried[c.UUID()] {
			out = append(out, c)
		}
	}
	return out
}

// rejectInvalidCorrelation tells s the correlation id is unknown or
// recently terminated. The wire response is the same either way, but the
// two cases are logged differently since a late frame for a just-finished
// invocation (a slow provider, a racing timeout) is routine, while a
// reference to an id this handler never saw at all usually means a buggy
// client.
func (h *Handler) rejectInvalidCorrelation(s socket.Socket, correlationID string) {
	h.mu.Lock()
	terminatedAt, recentlyDone := h.done[correlationID]
	h.mu.Unlock()

	if recentlyDone {
		h.log.debug("late frame for terminated correlation id", "correlation_id", correlationID, "terminated_at", terminatedAt)
	} else {
		h.log.debug("frame for unknown correlation id", "correlation_id", correlationID)
	}

	s.Send(wire.EncodeString(wire.TopicRPC, wire.ActionErrInvalidCorrelationID, correlationID))
}

// terminateLocked moves an invocation to DONE, removes it from the active
// map, and remembers it briefly so later frames for the same correlation
// id are rejected rather than silently dropped. Caller holds h.mu.
func (h *Handler) terminateLocked(correlationID string) {
	if inv, ok := h.invocations[correlationID]; ok {
		inv.state = stateDone
	}
	delete(h.invocations, correlationID)
	h.done[correlationID] = time.Now()
	h.sweepDoneLocked()
}

// sweepDoneLocked discards done entries older than doneTTL. Called
// opportunistically from terminateLocked rather than on its own timer.
func (h *Handler) sweepDoneLocked() {
	cutoff := time.Now().Add(-doneTTL)
	for id, at := range h.done {
		if at.Before(cutoff) {
			delete(h.done, id)
		}
	}
}

// OnSocketClosed terminates any in-flight invocation where s was requestor
// or provider, per §5 Cancellation. Provider-side closes surface
// NO_RPC_PROVIDER to the requestor since there is no retry path once the
// provider vanished mid-flight (REJECT-driven retry only applies to an
// explicit REJECT frame, not a disconnect).
func (h *Handler) OnSocketClosed(s socket.Socket) {
	h.registry.UnsubscribeAll(s)

	h.mu.Lock()
	var affected []*invocation
	for id, inv := range h.invocations {
		if inv.requestor.UUID() == s.UUID() || inv.provider.UUID() == s.UUID() {
			affected = append(affected, inv)
			if inv.ackTimer != nil {
				inv.ackTimer.Stop()
			}
			if inv.responseTimer != nil {
				inv.responseTimer.Stop()
			}
			h.terminateLocked(id)
		}
	}
	h.mu.Unlock()

	for _, inv := range affected {
		if inv.provider.UUID() == s.UUID() && inv.requestor.UUID() != s.UUID() {
			inv.requestor.Send(wire.EncodeString(wire.TopicRPC, wire.ActionErrNoRPCProvider, inv.name, inv.correlationID))
		}
	}
}

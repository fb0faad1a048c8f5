// Package registry implements SubscriptionRegistry: a per-topic
// name->subscribers index with a batched broadcast loop that coalesces
// outgoing frames and excludes each sender's own contributions from what
// that sender receives back.
//
// The broadcast batching follows the shape of the teacher's eventPump
// (pkg/mesh/events.go): a buffer accumulates entries, and a single
// dispatch point drains it, except here the "listeners" are sockets
// scoped by record/RPC name rather than global topology subscribers, and
// draining produces per-recipient byte slices instead of a fan-out copy.
package registry

import (
	"sync"
	"time"

	"github.com/veraticus/syncd/pkg/socket"
	"github.com/veraticus/syncd/pkg/wire"
)

// ErrorCode identifies a protocol error signaled back to a socket.
type ErrorCode string

// Errors defined by §6 that SubscriptionRegistry itself can raise.
const (
	ErrMultipleSubscriptions ErrorCode = "MULTIPLE_SUBSCRIPTIONS"
	ErrNotSubscribed         ErrorCode = "NOT_SUBSCRIBED"
)

// Listener receives subscription lifecycle notifications. RecordHandler
// uses this to pin/unpin cache entries and ListenerRegistry uses it to
// drive reconciliation.
type Listener interface {
	OnSubscriptionAdded(name string, s socket.Socket, localCount int)
	OnSubscriptionRemoved(name string, s socket.Socket, localCount int)
}

// gap is a byte range within sharedMessages contributed by a given sender,
// to be spliced out of the copy sent back to that sender.
type gap struct {
	start, stop int
}

// subscription is the per-name state described in §3.
type subscription struct {
	sockets map[string]socket.Socket

	sharedMessages []byte
	uniqueSenders  map[string][]gap
	pending        bool
}

func newSubscription() *subscription {
	return &subscription{
		sockets:       make(map[string]socket.Socket),
		uniqueSenders: make(map[string][]gap),
	}
}

// Registry is a SubscriptionRegistry scoped to one topic (record names,
// RPC provider names, etc).
type Registry struct {
	topic            wire.Topic
	broadcastTimeout time.Duration
	errorFrame       func(code ErrorCode, name string) []byte

	mu   sync.Mutex
	subs map[string]*subscription

	listener Listener

	flushMu   sync.Mutex
	flushTimer *time.Timer
	flushArmed bool

	closed   bool
	closeCh  chan struct{}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithListener attaches a Listener notified of subscribe/unsubscribe
// transitions.
func WithListener(l Listener) Option {
	return func(r *Registry) { r.listener = l }
}

// SetListener attaches or replaces the Listener after construction. Mirrors
// the teacher's pattern of wiring collaborator callbacks post-construction
// (pkg/mesh/topology.go's peers.onPeerConnected) for the common case where
// the listener itself is built from the registry it listens to.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// New creates a Registry for topic, flushing batched broadcasts every
// broadcastTimeout (0 means flush as soon as possible on the next
// scheduler tick, per §6's default).
func New(topic wire.Topic, broadcastTimeout time.Duration, opts ...Option) *Registry {
	r := &Registry{
		topic:            topic,
		broadcastTimeout: broadcastTimeout,
		subs:             make(map[string]*subscription),
		closeCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.errorFrame = func(code ErrorCode, name string) []byte {
		return wire.EncodeString(topic, wire.Action(code), name)
	}
	return r
}

// Subscribe adds s to the subscriber set for name. If s is already
// subscribed, MULTIPLE_SUBSCRIPTIONS is sent to s and no state changes.
func (r *Registry) Subscribe(name string, s socket.Socket) {
	r.mu.Lock()
	sub, ok := r.subs[name]
	if !ok {
		sub = newSubscription()
		r.subs[name] = sub
	}

	if _, exists := sub.sockets[s.UUID()]; exists {
		r.mu.Unlock()
		s.Send(r.errorFrame(ErrMultipleSubscriptions, name))
		return
	}

	sub.sockets[s.UUID()] = s
	localCount := len(sub.sockets)
	r.mu.Unlock()

	s.OnClose(func() { r.unsubscribeClosed(name, s) })

	if r.listener != nil {
		r.listener.OnSubscriptionAdded(name, s, localCount)
	}
}

// Unsubscribe removes s from name's subscriber set. If silent is true, no
// NOT_SUBSCRIBED error is sent when s wasn't subscribed (used for
// close-triggered cleanup, where the socket can no longer receive frames).
func (r *Registry) Unsubscribe(name string, s socket.Socket, silent bool) {
	r.mu.Lock()
	sub, ok := r.subs[name]
	if !ok {
		r.mu.Unlock()
		if !silent {
			s.Send(r.errorFrame(ErrNotSubscribed, name))
		}
		return
	}

	if _, exists := sub.sockets[s.UUID()]; !exists {
		r.mu.Unlock()
		if !silent {
			s.Send(r.errorFrame(ErrNotSubscribed, name))
		}
		return
	}

	delete(sub.sockets, s.UUID())
	delete(sub.uniqueSenders, s.UUID())
	localCount := len(sub.sockets)
	if localCount == 0 {
		delete(r.subs, name)
	}
	r.mu.Unlock()

	if r.listener != nil {
		r.listener.OnSubscriptionRemoved(name, s, localCount)
	}
}

// unsubscribeClosed is the close-hook path: always silent, since the
// closing socket cannot be told anything.
func (r *Registry) unsubscribeClosed(name string, s socket.Socket) {
	r.Unsubscribe(name, s, true)
}

// UnsubscribeAll removes s from every name it is subscribed to. Called by
// the server's close-event dispatch (§5 Cancellation) across every topic's
// registry, covering names Subscribe never got a chance to register an
// OnClose hook removal for (the hook already fires this per-name, so
// UnsubscribeAll is for registries — like the RPC provide registry — where
// the caller wants to eagerly react rather than wait for each hook).
func (r *Registry) UnsubscribeAll(s socket.Socket) []string {
	r.mu.Lock()
	names := make([]string, 0)
	for name, sub := range r.subs {
		if _, ok := sub.sockets[s.UUID()]; ok {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Unsubscribe(name, s, true)
	}
	return names
}

// SendToSubscribers appends frame to name's shared buffer for the next
// broadcast tick. If sender is non-nil, the byte range contributed by
// frame is recorded as a gap to excise from sender's own copy.
func (r *Registry) SendToSubscribers(name string, frame []byte, sender socket.Socket) {
	frame = wire.EnsureTrailingSep(frame)

	r.mu.Lock()
	sub, ok := r.subs[name]
	if !ok {
		r.mu.Unlock()
		return
	}

	start := len(sub.sharedMessages)
	sub.sharedMessages = append(sub.sharedMessages, frame...)
	stop := len(sub.sharedMessages)

	if sender != nil {
		sub.uniqueSenders[sender.UUID()] = append(sub.uniqueSenders[sender.UUID()], gap{start: start, stop: stop})
	}
	sub.pending = true
	r.mu.Unlock()

	r.armFlush()
}

// GetSubscribers returns the current subscriber sockets for name.
func (r *Registry) GetSubscribers(name string) []socket.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[name]
	if !ok {
		return nil
	}
	out := make([]socket.Socket, 0, len(sub.sockets))
	for _, s := range sub.sockets {
		out = append(out, s)
	}
	return out
}

// HasName reports whether name currently has any subscribers.
func (r *Registry) HasName(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[name]
	return ok && len(sub.sockets) > 0
}

// LocalCount returns the number of local subscribers for name.
func (r *Registry) LocalCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[name]
	if !ok {
		return 0
	}
	return len(sub.sockets)
}

// GetNames returns every name with at least one subscriber.
func (r *Registry) GetNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.subs))
	for name := range r.subs {
		names = append(names, name)
	}
	return names
}

// armFlush schedules a broadcast flush if one isn't already pending, so
// that many SendToSubscribers calls within one tick coalesce into a
// single flush — the "batched broadcast loop" of §4.1.
func (r *Registry) armFlush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if r.flushArmed || r.closed {
		return
	}
	r.flushArmed = true

	r.flushTimer = time.AfterFunc(r.broadcastTimeout, func() {
		r.flushMu.Lock()
		r.flushArmed = false
		r.flushMu.Unlock()
		r.Flush()
	})
}

// drainedSub is a snapshot of one subscription's buffered broadcast,
// taken under the registry lock so the send phase can run lock-free.
type drainedSub struct {
	shared     []byte
	senders    map[string][]gap
	recipients []socket.Socket
}

// Flush drains every pending subscription's shared buffer to its
// subscribers, splicing each sender's own contributions out of their
// personal copy, then clears the buffer for the next tick. The snapshot
// (swap-and-clear) happens under the registry lock so it never races
// SendToSubscribers; the actual socket writes happen afterwards, outside
// the lock, so a slow recipient can't stall new broadcasts.
func (r *Registry) Flush() {
	r.mu.Lock()
	drained := make([]drainedSub, 0)
	for _, sub := range r.subs {
		if !sub.pending {
			continue
		}
		recipients := make([]socket.Socket, 0, len(sub.sockets))
		for _, sock := range sub.sockets {
			recipients = append(recipients, sock)
		}
		drained = append(drained, drainedSub{
			shared:     sub.sharedMessages,
			senders:    sub.uniqueSenders,
			recipients: recipients,
		})

		sub.sharedMessages = nil
		sub.uniqueSenders = make(map[string][]gap)
		sub.pending = false
	}
	r.mu.Unlock()

	for _, d := range drained {
		for _, sock := range d.recipients {
			gaps, isSender := d.senders[sock.UUID()]
			if !isSender {
				sock.Send(d.shared)
				continue
			}
			sock.Send(excise(d.shared, gaps))
		}
	}
}

// excise returns a copy of buf with every [start,stop) range in gaps
// removed, preserving order. gaps are assumed sorted by start (true here
// since SendToSubscribers appends monotonically within a tick).
func excise(buf []byte, gaps []gap) []byte {
	if len(gaps) == 0 {
		return append([]byte(nil), buf...)
	}
	out := make([]byte, 0, len(buf))
	prev := 0
	for _, g := range gaps {
		if g.start > prev {
			out = append(out, buf[prev:g.start]...)
		}
		prev = g.stop
	}
	if prev < len(buf) {
		out = append(out, buf[prev:]...)
	}
	return out
}

// Close stops the registry's flush timer. Pending data is discarded.
func (r *Registry) Close() {
	r.flushMu.Lock()
	if r.closed {
		r.flushMu.Unlock()
		return
	}
	r.closed = true
	if r.flushTimer != nil {
		r.flushTimer.Stop()
	}
	r.flushMu.Unlock()
	close(r.closeCh)
}

// Package listener implements ListenerRegistry: the cluster-wide
// assignment loop that picks exactly one live listener per active record
// name from the set of pattern matches, described in §4.4. Reconciliation
// batching mirrors the teacher's eventPump/registry flush shape — a
// pending set coalesced behind a single dispatch timer — generalized from
// "broadcast buffered frames" to "re-evaluate these names' providers."
package listener

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/veraticus/syncd/pkg/cluster"
	"github.com/veraticus/syncd/pkg/registry"
	"github.com/veraticus/syncd/pkg/socket"
	"github.com/veraticus/syncd/pkg/wire"
)

// reconcileDispatchInterval is the coalescing window for the pending set,
// per §5's "reconcile dispatch at 10 ms".
const reconcileDispatchInterval = 10 * time.Millisecond

// errorRecoveryInterval is how long the registry waits after a
// cluster-state error before re-reconciling every locally subscribed
// name, per §5's "error-recovery reconcile at 10 s".
const errorRecoveryInterval = 10 * time.Second

type listenerLogger struct {
	log *slog.Logger
}

func (l listenerLogger) debug(msg string, args ...any) { l.log.Debug(msg, args...) }
func (l listenerLogger) error(msg string, args ...any) { l.log.Error(msg, args...) }

// pattern pairs a listener's declared regex string with its compiled form,
// compiled once at LISTEN time rather than per match, per §7's security
// note.
type pattern struct {
	raw      string
	compiled *regexp.Regexp
}

// listenerEntry is the local bookkeeping for one connected listener
// socket: its declared patterns and the record names it currently
// provides for (so UNLISTEN and socket-close can reconcile exactly the
// affected names instead of sweeping everything).
type listenerEntry struct {
	socket   socket.Socket
	patterns []pattern
	provides map[string]bool
}

func (e *listenerEntry) matches(name string) []pattern {
	var out []pattern
	for _, p := range e.patterns {
		if p.compiled.MatchString(name) {
			out = append(out, p)
		}
	}
	return out
}

func (e *listenerEntry) hasPattern(raw string) bool {
	for _, p := range e.patterns {
		if p.raw == raw {
			return true
		}
	}
	return false
}

// candidate is one local listener eligible to provide a name.
type candidate struct {
	uuid    string
	pattern string
	socket  socket.Socket
}

// Registry is ListenerRegistry.
type Registry struct {
	serverName      string
	state           cluster.StateMap
	subs            *registry.Registry // the record-topic SubscriptionRegistry
	responseTimeout time.Duration
	log             listenerLogger

	mu        sync.Mutex
	listeners map[string]*listenerEntry // socketUUID -> entry
	timeouts  map[string]*time.Timer   // name -> outstanding offer timer

	pendingMu  sync.Mutex
	pending    map[string]struct{}
	flushTimer *time.Timer
	flushArmed bool

	recoveryMu    sync.Mutex
	recoveryTimer *time.Timer
}

// New creates a Registry. serverName identifies this process in cluster
// Provider entries; subs is the record topic's SubscriptionRegistry, used
// to decide tryAdd vs tryRemove and to broadcast SUBSCRIPTION_HAS_PROVIDER.
func New(serverName string, state cluster.StateMap, subs *registry.Registry, listenResponseTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		serverName:      serverName,
		state:           state,
		subs:            subs,
		responseTimeout: listenResponseTimeout,
		log:             listenerLogger{log: logger},
		listeners:       make(map[string]*listenerEntry),
		timeouts:        make(map[string]*time.Timer),
		pending:         make(map[string]struct{}),
	}
	state.Watch(func(name string, prev, next cluster.Provider) {
		r.enqueue(name)
	})
	return r
}

func historyKey(uuid, pattern string) string { return uuid + ":" + pattern }

// HandleListen implements record.ListenerDelegate.
func (r *Registry) HandleListen(s socket.Socket, raw string) {
	compiled, err := regexp.Compile(raw)
	if err != nil {
		s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionErrInvalidMessageData, "LISTEN"))
		return
	}

	r.mu.Lock()
	entry, ok := r.listeners[s.UUID()]
	if !ok {
		entry = &listenerEntry{socket: s, provides: make(map[string]bool)}
		r.listeners[s.UUID()] = entry
		s.OnClose(func() { r.onSocketClosed(s) })
	}
	if !entry.hasPattern(raw) {
		entry.patterns = append(entry.patterns, pattern{raw: raw, compiled: compiled})
	}
	r.mu.Unlock()

	// A newly declared pattern may now match names that already have
	// subscribers but no provider; give them a chance to pick this one up.
	for _, name := range r.subs.GetNames() {
		if compiled.MatchString(name) {
			r.enqueue(name)
		}
	}
}

// HandleUnlisten implements record.ListenerDelegate.
func (r *Registry) HandleUnlisten(s socket.Socket, raw string) {
	r.mu.Lock()
	entry, ok := r.listeners[s.UUID()]
	if !ok {
		r.mu.Unlock()
		return
	}

	kept := entry.patterns[:0]
	for _, p := range entry.patterns {
		if p.raw != raw {
			kept = append(kept, p)
		}
	}
	entry.patterns = kept

	var affected []string
	for name := range entry.provides {
		affected = append(affected, name)
	}
	if len(entry.patterns) == 0 {
		delete(r.listeners, s.UUID())
	}
	r.mu.Unlock()

	for _, name := range affected {
		r.enqueue(name)
	}
}

// onSocketClosed runs when a listener's socket disconnects: every name it
// provided needs to be reconciled, and its entry is forgotten entirely.
func (r *Registry) onSocketClosed(s socket.Socket) {
	r.mu.Lock()
	entry, ok := r.listeners[s.UUID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.listeners, s.UUID())
	var affected []string
	for name := range entry.provides {
		affected = append(affected, name)
	}
	r.mu.Unlock()

	for _, name := range affected {
		r.enqueue(name)
	}
}

// HandleListenAccept implements record.ListenerDelegate.
func (r *Registry) HandleListenAccept(s socket.Socket, pattern, name string) {
	ctx := context.Background()
	next, _, err := r.state.Upsert(ctx, name, func(prev cluster.Provider, exists bool) (cluster.Provider, bool) {
		if !exists || prev.Deadline.IsZero() || prev.SocketUUID != s.UUID() || prev.Pattern != pattern {
			return prev, false
		}
		return cluster.Provider{
			ServerName: r.serverName,
			SocketUUID: s.UUID(),
			Pattern:    pattern,
			History:    prev.History,
		}, true
	})
	if err != nil {
		r.log.error("listen accept upsert failed", "name", name, "error", err)
		r.scheduleRecovery()
		return
	}

	if next.SocketUUID != s.UUID() || next.Pattern != pattern {
		// The offer had already been rescinded (reoffered or timed out).
		s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionSubscriptionForPatternRemoved, pattern, name))
		return
	}

	r.stopTimeout(name)
	r.markProvides(s, name, true)
	r.subs.SendToSubscribers(name, wire.EncodeString(wire.TopicRecord, wire.ActionSubscriptionHasProvider, name, "true"), nil)
}

// HandleListenReject implements record.ListenerDelegate.
func (r *Registry) HandleListenReject(s socket.Socket, pattern, name string) {
	ctx := context.Background()
	_, _, err := r.state.Upsert(ctx, name, func(prev cluster.Provider, exists bool) (cluster.Provider, bool) {
		if !exists || prev.SocketUUID != s.UUID() || prev.Pattern != pattern {
			return prev, false
		}
		return cluster.Provider{History: prev.History}, true
	})
	if err != nil {
		r.log.error("listen reject upsert failed", "name", name, "error", err)
		r.scheduleRecovery()
		return
	}

	r.stopTimeout(name)
	r.markProvides(s, name, false)
	// history now contains S, so the next tryAdd pass picks a different candidate.
	r.enqueue(name)
}

// OnSubscriberAdded implements record.ListenerDelegate. It enqueues name for
// reconciliation (a brand new local subscriber may need a provider
// assigned) and, per §4.4's subscription-interaction rule, checks whether a
// live provider is already assigned: if so, s would otherwise wait until
// the next broadcast to learn that, so it is told directly here.
func (r *Registry) OnSubscriberAdded(name string, s socket.Socket, localCount int) {
	r.enqueue(name)

	p, ok, err := r.state.Get(context.Background(), name)
	if err != nil {
		r.log.error("get provider failed", "name", name, "error", err)
		return
	}
	if ok && r.alive(p) {
		s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionSubscriptionHasProvider, name, "true"))
	}
}

// OnSubscriberRemoved implements record.ListenerDelegate.
func (r *Registry) OnSubscriberRemoved(name string, localCount int) {
	r.enqueue(name)
}

func (r *Registry) markProvides(s socket.Socket, name string, provides bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.listeners[s.UUID()]
	if !ok {
		return
	}
	if provides {
		entry.provides[name] = true
	} else {
		delete(entry.provides, name)
	}
}

// matchingListeners returns every local listener currently eligible to
// provide name, i.e. whose declared pattern set matches it.
func (r *Registry) matchingListeners(name string) []candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []candidate
	for uuid, entry := range r.listeners {
		for _, p := range entry.matches(name) {
			out = append(out, candidate{uuid: uuid, pattern: p.raw, socket: entry.socket})
		}
	}
	return out
}

// appendHistory appends entry to history, capped at maxLen — the number of
// currently-known matching listeners — per §9's history-pruning note. When
// the cap would be exceeded the oldest entry is dropped, not the whole
// history, so a just-rejected listener isn't immediately re-offered.
func appendHistory(history []string, entry string, maxLen int) []string {
	next := append(append([]string{}, history...), entry)
	if maxLen > 0 && len(next) > maxLen {
		next = next[len(next)-maxLen:]
	}
	return next
}

func excludeHistory(candidates []candidate, history []string) []candidate {
	seen := make(map[string]bool, len(history))
	for _, h := range history {
		seen[h] = true
	}
	out := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if !seen[historyKey(c.uuid, c.pattern)] {
			out = append(out, c)
		}
	}
	return out
}

// enqueue adds name to the pending reconcile set and arms the dispatch
// timer, coalescing bursts of changes into one flush per tick.
func (r *Registry) enqueue(name string) {
	r.pendingMu.Lock()
	r.pending[name] = struct{}{}
	armed := r.flushArmed
	if !armed {
		r.flushArmed = true
	}
	r.pendingMu.Unlock()

	if !armed {
		r.flushTimer = time.AfterFunc(reconcileDispatchInterval, r.flush)
	}
}

// flush drains the pending set and reconciles each name in turn,
// serialized to this one goroutine so intermediate states never leak to
// clients, per §5's ordering guarantee (d).
func (r *Registry) flush() {
	r.pendingMu.Lock()
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	r.pending = make(map[string]struct{})
	r.pendingMu.Unlock()

	for _, name := range names {
		r.reconcile(name)
	}

	// flushArmed stays set while reconciling, so names enqueued meanwhile
	// wait for the next flush instead of starting a concurrent one.
	r.pendingMu.Lock()
	rearm := len(r.pending) > 0
	r.flushArmed = rearm
	r.pendingMu.Unlock()
	if rearm {
		r.flushTimer = time.AfterFunc(reconcileDispatchInterval, r.flush)
	}
}

func (r *Registry) reconcile(name string) {
	if r.subs.HasName(name) {
		r.tryAdd(name)
	} else {
		r.tryRemove(name)
	}
}

// tryAdd implements §4.4's tryAdd: keep the current provider if alive,
// otherwise offer the name to a random unhistoried local listener match.
func (r *Registry) tryAdd(name string) {
	ctx := context.Background()

	var chosen candidate
	var offered bool

	next, prev, err := r.state.Upsert(ctx, name, func(p cluster.Provider, exists bool) (cluster.Provider, bool) {
		offered = false
		if exists && r.alive(p) {
			return p, false
		}

		all := r.matchingListeners(name)
		history := p.History
		filtered := excludeHistory(all, history)
		if len(filtered) == 0 && len(history) > 0 {
			// No unhistoried candidate remains: reset and start over,
			// per §7's history-pruning note.
			history = nil
			filtered = all
		}

		if len(filtered) == 0 {
			return cluster.Provider{History: history}, true
		}

		chosen = filtered[rand.Intn(len(filtered))]
		offered = true
		return cluster.Provider{
			ServerName: r.serverName,
			SocketUUID: chosen.uuid,
			Pattern:    chosen.pattern,
			Deadline:   time.Now().Add(r.responseTimeout),
			History:    appendHistory(history, historyKey(chosen.uuid, chosen.pattern), len(all)),
		}, true
	})
	if err != nil {
		r.log.error("tryAdd upsert failed", "name", name, "error", err)
		r.scheduleRecovery()
		return
	}

	if prev.HasProvider() && prev.SocketUUID != next.SocketUUID {
		r.subs.SendToSubscribers(name, wire.EncodeString(wire.TopicRecord, wire.ActionSubscriptionHasProvider, name, "false"), nil)
	}

	if offered {
		r.armTimeout(name)
		chosen.socket.Send(wire.EncodeString(wire.TopicRecord, wire.ActionSubscriptionForPatternFound, chosen.pattern, name))
	}
}

// tryRemove implements §4.4's tryRemove: clear a provider entry once the
// name has no subscribers anywhere this server can see.
func (r *Registry) tryRemove(name string) {
	ctx := context.Background()
	remotes := r.state.GetAllRemoteServers()

	var removedLocal *candidate

	_, _, err := r.state.Upsert(ctx, name, func(p cluster.Provider, exists bool) (cluster.Provider, bool) {
		removedLocal = nil
		if !exists || !p.HasProvider() {
			return p, false
		}
		if p.ServerName == r.serverName || !contains(remotes, p.ServerName) {
			if p.ServerName == r.serverName {
				removedLocal = &candidate{uuid: p.SocketUUID, pattern: p.Pattern}
			}
			return cluster.Provider{History: p.History}, true
		}
		return p, false
	})
	if err != nil {
		r.log.error("tryRemove upsert failed", "name", name, "error", err)
		r.scheduleRecovery()
		return
	}

	if removedLocal != nil {
		r.stopTimeout(name)
		r.mu.Lock()
		entry, ok := r.listeners[removedLocal.uuid]
		r.mu.Unlock()
		if ok {
			delete(entry.provides, name)
			entry.socket.Send(wire.EncodeString(wire.TopicRecord, wire.ActionSubscriptionForPatternRemoved, removedLocal.pattern, name))
		}
	}
}

// alive implements §4.4's alive(provider) predicate.
func (r *Registry) alive(p cluster.Provider) bool {
	if !p.HasProvider() {
		return false
	}
	if !p.Deadline.IsZero() && !p.Deadline.After(time.Now()) {
		return false
	}

	if p.ServerName == r.serverName {
		r.mu.Lock()
		entry, ok := r.listeners[p.SocketUUID]
		held := ok && entry.hasPattern(p.Pattern)
		r.mu.Unlock()
		return held
	}
	return contains(r.state.GetAllRemoteServers(), p.ServerName)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// armTimeout (re)starts name's outstanding-offer timer, re-reconciling on
// expiry so an unresponsive listener doesn't hold a name forever.
func (r *Registry) armTimeout(name string) {
	r.mu.Lock()
	if t, ok := r.timeouts[name]; ok {
		t.Stop()
	}
	r.timeouts[name] = time.AfterFunc(r.responseTimeout, func() { r.enqueue(name) })
	r.mu.Unlock()
}

func (r *Registry) stopTimeout(name string) {
	r.mu.Lock()
	if t, ok := r.timeouts[name]; ok {
		t.Stop()
		delete(r.timeouts, name)
	}
	r.mu.Unlock()
}

// scheduleRecovery arms the coarse 10s error-recovery reconcile, per §5's
// "cluster-state errors schedule a coarse re-reconciliation... after 10s".
// Repeated errors within the window are coalesced into one recovery pass.
func (r *Registry) scheduleRecovery() {
	r.recoveryMu.Lock()
	defer r.recoveryMu.Unlock()
	if r.recoveryTimer != nil {
		return
	}
	r.recoveryTimer = time.AfterFunc(errorRecoveryInterval, func() {
		r.recoveryMu.Lock()
		r.recoveryTimer = nil
		r.recoveryMu.Unlock()

		for _, name := range r.subs.GetNames() {
			r.enqueue(name)
		}
	})
}

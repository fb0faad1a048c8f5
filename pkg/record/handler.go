package record

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/veraticus/syncd/pkg/registry"
	"github.com/veraticus/syncd/pkg/socket"
	"github.com/veraticus/syncd/pkg/storage"
	"github.com/veraticus/syncd/pkg/version"
	"github.com/veraticus/syncd/pkg/wire"
)

// ListenerDelegate is the listener registry RecordHandler forwards
// LISTEN-family actions and subscription-count transitions to. pkg/listener
// implements this; record never imports it directly, avoiding a cycle
// between the two packages.
type ListenerDelegate interface {
	HandleListen(s socket.Socket, pattern string)
	HandleUnlisten(s socket.Socket, pattern string)
	HandleListenAccept(s socket.Socket, pattern, name string)
	HandleListenReject(s socket.Socket, pattern, name string)

	// OnSubscriberAdded notifies the listener registry that s just joined
	// name's local subscriber set, per §4.4's "localCount==1" trigger and
	// its "new subscriber while a live provider exists" notification rule.
	OnSubscriberAdded(name string, s socket.Socket, localCount int)

	// OnSubscriberRemoved notifies the listener registry that name's local
	// subscriber count dropped, per §4.4's last-subscriber-left trigger.
	OnSubscriberRemoved(name string, localCount int)
}

// recordLogger adapts *slog.Logger to the handler's narrow logging needs,
// the way the teacher threads a per-package logger type through mesh and
// transport rather than passing *slog.Logger raw.
type recordLogger struct {
	log *slog.Logger
}

func (l recordLogger) debug(msg string, args ...any) { l.log.Debug(msg, args...) }
func (l recordLogger) error(msg string, args ...any) { l.log.Error(msg, args...) }

// Handler is RecordHandler: dispatches record-topic frames, owns the
// RecordCache, and writes through to Storage.
type Handler struct {
	storage  storage.Storage
	cache    *Cache
	registry *registry.Registry
	log      recordLogger

	exclusion *regexp.Regexp
	listener  ListenerDelegate
	version   *version.Parser

	unsubscribeChange func()
}

// New creates a Handler backed by the given registry.Registry (already
// constructed with the desired broadcast timeout) and storage backend.
// tagLength configures the Parser used for every version on the wire; a
// non-positive value falls back to version.DefaultTagLength.
func New(reg *registry.Registry, st storage.Storage, cacheCapacity int, storageExclusion string, tagLength int, logger *slog.Logger, listener ListenerDelegate) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var exclusion *regexp.Regexp
	if storageExclusion != "" {
		re, err := regexp.Compile(storageExclusion)
		if err != nil {
			return nil, fmt.Errorf("record: compile storageExclusion: %w", err)
		}
		exclusion = re
	}

	h := &Handler{
		storage:   st,
		cache:     NewCache(cacheCapacity),
		registry:  reg,
		log:       recordLogger{log: logger},
		exclusion: exclusion,
		listener:  listener,
		version:   version.NewParser(tagLength),
	}

	h.unsubscribeChange = st.OnChange(h.onStorageChange)
	return h, nil
}

// Dispatch routes one parsed record-topic frame from s.
func (h *Handler) Dispatch(s socket.Socket, f wire.Frame) {
	switch f.Action {
	case wire.ActionRead:
		h.handleRead(s, f)
	case wire.ActionUpdate:
		h.handleUpdate(s, f)
	case wire.ActionUnsubscribe:
		h.handleUnsubscribe(s, f)
	case wire.ActionListen:
		h.delegateListen(s, f)
	case wire.ActionUnlisten:
		h.delegateUnlisten(s, f)
	case wire.ActionListenAccept:
		h.delegateListenAccept(s, f)
	case wire.ActionListenReject:
		h.delegateListenReject(s, f)
	default:
		s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionErrUnknownAction, string(f.Action)))
	}
}

func part(f wire.Frame, i int) string {
	if i < 0 || i >= len(f.Data) {
		return ""
	}
	return string(f.Data[i])
}

func (h *Handler) handleRead(s socket.Socket, f wire.Frame) {
	name := part(f, 0)
	if name == "" {
		s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionErrInvalidMessageData, "READ"))
		return
	}

	// Subscribe drives OnSubscriptionAdded below, which reconciles the
	// listener registry and pins the cache entry if one already exists. The
	// loading placeholder inserted on a cache miss is pinned below.
	h.registry.Subscribe(name, s)

	if entry, ok := h.cache.Get(name); ok {
		if entry.Hydrated() {
			s.Send(entry.Raw)
		}
		return
	}

	// Insert the loading placeholder so concurrent READs for the same name
	// don't each kick off their own storage.get.
	loading, _ := h.version.Parse("")
	h.cache.Put(Entry{Name: name, Version: loading})
	h.cache.Pin(name)

	if h.excluded(name) {
		return
	}

	h.storage.Get(name, func(rec storage.Record, err error) {
		if err != nil {
			if err != storage.ErrNotFound {
				h.log.error("record load failed", "name", name, "error", err)
				s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionErrRecordLoadError, name))
			}
			return
		}
		h.applyLoaded(rec, nil)
	})
}

func (h *Handler) handleUpdate(s socket.Socket, f wire.Frame) {
	name := part(f, 0)
	rawVersion := part(f, 1)
	body := part(f, 2)
	if name == "" || rawVersion == "" {
		s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionErrInvalidMessageData, "UPDATE"))
		return
	}

	parsed, err := h.version.Parse(rawVersion)
	if err != nil {
		s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionErrInvalidVersion, name, rawVersion))
		return
	}

	frame := f.Raw
	if frame == nil {
		frame = wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, name, rawVersion, body)
	}

	// The broadcast/merge path runs regardless of storage outcome — §4.2
	// treats storage writeback and local fan-out as independent.
	h.merge(Entry{Name: name, Version: parsed, Body: json.RawMessage(body), Raw: frame}, s)

	if version.InRange(rawVersion) && !h.excluded(name) {
		h.storage.Set(storage.Record{Name: name, Version: rawVersion, Body: json.RawMessage(body), Raw: frame}, func(err error) {
			if err != nil {
				h.log.error("record update failed", "name", name, "error", err)
				s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionErrRecordUpdateError, name))
			}
		})
	}
}

func (h *Handler) handleUnsubscribe(s socket.Socket, f wire.Frame) {
	name := part(f, 0)
	if name == "" {
		s.Send(wire.EncodeString(wire.TopicRecord, wire.ActionErrInvalidMessageData, "UNSUBSCRIBE"))
		return
	}
	h.registry.Unsubscribe(name, s, false)
}

func (h *Handler) delegateListen(s socket.Socket, f wire.Frame) {
	if h.listener != nil {
		h.listener.HandleListen(s, part(f, 0))
	}
}

func (h *Handler) delegateUnlisten(s socket.Socket, f wire.Frame) {
	if h.listener != nil {
		h.listener.HandleUnlisten(s, part(f, 0))
	}
}

func (h *Handler) delegateListenAccept(s socket.Socket, f wire.Frame) {
	if h.listener != nil {
		h.listener.HandleListenAccept(s, part(f, 0), part(f, 1))
	}
}

func (h *Handler) delegateListenReject(s socket.Socket, f wire.Frame) {
	if h.listener != nil {
		h.listener.HandleListenReject(s, part(f, 0), part(f, 1))
	}
}

// merge runs the §4.2 cache-merge path and, if the candidate was applied,
// broadcasts it to name's local subscribers (excluding sender).
func (h *Handler) merge(candidate Entry, sender socket.Socket) {
	_, applied := h.cache.Merge(candidate)
	if applied {
		h.registry.SendToSubscribers(candidate.Name, candidate.Raw, sender)
	}
}

// applyLoaded feeds a storage.Get/changefeed result through the merge
// path, reconstructing the wire frame if the stored record predates an
// in-memory rawMessage (e.g. loaded from a durable backend after restart).
func (h *Handler) applyLoaded(rec storage.Record, sender socket.Socket) {
	parsed, err := h.version.Parse(rec.Version)
	if err != nil {
		h.log.error("stored record has unparseable version", "name", rec.Name, "version", rec.Version)
		return
	}

	raw := rec.Raw
	if raw == nil {
		raw = wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, rec.Name, rec.Version, string(rec.Body))
	}

	h.merge(Entry{Name: rec.Name, Version: parsed, Body: rec.Body, Raw: raw}, sender)
}

// onStorageChange is storage's changefeed callback: §4.2's "drop if cache
// already dominates, else storage.get and merge, else drop if unsubscribed."
func (h *Handler) onStorageChange(name, rawVersion string) {
	incoming, err := h.version.Parse(rawVersion)
	if err != nil {
		h.log.error("changefeed delivered unparseable version", "name", name, "version", rawVersion)
		return
	}

	if cached, ok := h.cache.Get(name); ok && cached.Hydrated() && cached.Version.AtLeast(incoming) {
		return
	}

	if !h.registry.HasName(name) {
		h.cache.Drop(name)
		return
	}

	h.storage.Get(name, func(rec storage.Record, err error) {
		if err != nil {
			h.log.error("changefeed reload failed", "name", name, "error", err)
			return
		}
		h.applyLoaded(rec, nil)
	})
}

func (h *Handler) excluded(name string) bool {
	return h.exclusion != nil && h.exclusion.MatchString(name)
}

// OnSubscriptionAdded implements registry.Listener: pins the cache entry
// (if one exists) and forwards every addition to the listener registry,
// which reconciles name and tells s about an already-live provider.
func (h *Handler) OnSubscriptionAdded(name string, s socket.Socket, localCount int) {
	h.cache.Pin(name)
	if h.listener != nil {
		h.listener.OnSubscriberAdded(name, s, localCount)
	}
}

// OnSubscriptionRemoved implements registry.Listener: unpins once the last
// local subscriber leaves.
func (h *Handler) OnSubscriptionRemoved(name string, s socket.Socket, localCount int) {
	if localCount == 0 {
		h.cache.Unpin(name)
	}
	if h.listener != nil {
		h.listener.OnSubscriberRemoved(name, localCount)
	}
}

// Close releases the handler's storage changefeed subscription.
func (h *Handler) Close() {
	if h.unsubscribeChange != nil {
		h.unsubscribeChange()
	}
}

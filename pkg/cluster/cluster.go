// Package cluster implements the cluster state plugin collaborator
// described in §5: a distributed map from record name to the single
// Provider currently assigned to serve listen requests for it, with
// get/upsert-with-CAS/watch semantics so ListenerRegistry instances across
// the cluster converge on exactly one provider per name without a central
// coordinator.
package cluster

import (
	"context"
	"errors"
	"time"
)

// ErrNoChange names the no-change outcome of an Upsert. A MutateFunc signals
// it by returning ok=false; Upsert then returns the unchanged value as both
// prev and next, with no write issued. No function in this package returns
// ErrNoChange itself.
var ErrNoChange = errors.New("cluster: no change")

// Provider is the value stored per record name: which server and socket is
// currently assigned to provide for it, and the deadline by which it must
// either be refreshed (still alive) or reaped (§8's "at most one provider
// entry with a past deadline" invariant).
type Provider struct {
	ServerName string    `json:"serverName"`
	SocketUUID string    `json:"socketUUID"`
	Pattern    string    `json:"pattern"`
	Deadline   time.Time `json:"deadline"`

	// History lists socketUUID:pattern pairs already offered-and-not-
	// accepted for this name, so tryAdd doesn't immediately re-offer to
	// the same candidate. Kept on the entry even once SocketUUID is
	// cleared, so a REJECT's history survives to the next tryAdd.
	History []string `json:"history,omitempty"`
}

// HasProvider reports whether p currently names an assigned socket, as
// opposed to being a bare history-only placeholder.
func (p Provider) HasProvider() bool {
	return p.SocketUUID != ""
}

// IsZero reports whether p is the empty Provider, i.e. no entry exists.
func (p Provider) IsZero() bool {
	return p.ServerName == "" && p.SocketUUID == "" && p.Deadline.IsZero() && len(p.History) == 0
}

// MutateFunc is given the current Provider (and whether it exists) and
// returns the value to store plus ok=true, or ok=false to leave the entry
// untouched.
type MutateFunc func(prev Provider, exists bool) (next Provider, ok bool)

// WatchFunc is notified of every successful Upsert, local or remote.
type WatchFunc func(name string, prev Provider, next Provider)

// StateMap is the cluster state plugin interface the core depends on.
type StateMap interface {
	// Get returns the entry stored for name, or ok=false if no entry exists.
	// A history-only entry (no assigned socket) is returned with ok=true;
	// use Provider.HasProvider to tell the two apart.
	Get(ctx context.Context, name string) (p Provider, ok bool, err error)

	// Upsert atomically reads name's current value, applies fn, and writes
	// the result back only if nothing else changed name in the meantime
	// (CAS). It retries internally on a lost race and returns the final
	// (next, prev) pair once it commits, or an error from the backend.
	Upsert(ctx context.Context, name string, fn MutateFunc) (next Provider, prev Provider, err error)

	// Watch registers fn to be called on every committed Upsert across the
	// whole map. Returns an unsubscribe function.
	Watch(fn WatchFunc) (unsubscribe func())

	// GetAllRemoteServers returns the serverName of every server this
	// backend currently knows about, other than the local one.
	GetAllRemoteServers() []string

	// Close releases backend resources.
	Close() error
}

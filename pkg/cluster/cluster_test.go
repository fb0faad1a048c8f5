package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory("srv-1")
	_, ok, err := m.Get(context.Background(), "foo")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryUpsertCreates(t *testing.T) {
	m := NewMemory("srv-1")

	next, prev, err := m.Upsert(context.Background(), "foo", func(p Provider, exists bool) (Provider, bool) {
		assert.False(t, exists)
		return Provider{ServerName: "srv-1", SocketUUID: "sock-1"}, true
	})
	require.NoError(t, err)
	assert.True(t, prev.IsZero())
	assert.Equal(t, "srv-1", next.ServerName)

	got, ok, err := m.Get(context.Background(), "foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next, got)
}

func TestMemoryUpsertNoChange(t *testing.T) {
	m := NewMemory("srv-1")
	m.Upsert(context.Background(), "foo", func(p Provider, exists bool) (Provider, bool) {
		return Provider{ServerName: "srv-1"}, true
	})

	next, prev, err := m.Upsert(context.Background(), "foo", func(p Provider, exists bool) (Provider, bool) {
		return Provider{}, false
	})
	require.NoError(t, err)
	assert.Equal(t, prev, next)
	assert.Equal(t, "srv-1", next.ServerName)
}

func TestMemoryWatchNotifiedOnUpsert(t *testing.T) {
	m := NewMemory("srv-1")

	type event struct {
		name string
		prev Provider
		next Provider
	}
	events := make(chan event, 4)
	unsubscribe := m.Watch(func(name string, prev, next Provider) {
		events <- event{name, prev, next}
	})
	defer unsubscribe()

	m.Upsert(context.Background(), "foo", func(p Provider, exists bool) (Provider, bool) {
		return Provider{ServerName: "srv-1"}, true
	})

	select {
	case ev := <-events:
		assert.Equal(t, "foo", ev.name)
		assert.Equal(t, "srv-1", ev.next.ServerName)
	case <-time.After(time.Second):
		t.Fatal("watch was never notified")
	}
}

func TestMemoryGetAllRemoteServersEmpty(t *testing.T) {
	m := NewMemory("srv-1")
	assert.Empty(t, m.GetAllRemoteServers())
}

func TestProviderIsZero(t *testing.T) {
	assert.True(t, Provider{}.IsZero())
	assert.False(t, Provider{ServerName: "srv-1"}.IsZero())
}

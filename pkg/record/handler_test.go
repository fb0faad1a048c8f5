package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraticus/syncd/pkg/registry"
	"github.com/veraticus/syncd/pkg/storage"
	"github.com/veraticus/syncd/pkg/testutil"
	"github.com/veraticus/syncd/pkg/wire"
)

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func newTestHandler(t *testing.T) (*Handler, *registry.Registry, storage.Storage) {
	t.Helper()
	reg := registry.New(wire.TopicRecord, time.Millisecond)
	mem := storage.NewMemory()
	h, err := New(reg, mem, 0, "", 0, nil, nil)
	require.NoError(t, err)
	return h, reg, mem
}

func TestHandleUpdateBroadcastsToOtherSubscribers(t *testing.T) {
	h, reg, _ := newTestHandler(t)

	a := testutil.NewMockSocket()
	b := testutil.NewMockSocket()
	reg.Subscribe("foo", a)
	reg.Subscribe("foo", b)

	f := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "1-aaa", `{"x":1}`)
	parsed, _, err := wire.Split(f)
	require.NoError(t, err)
	parsed.Raw = f

	h.Dispatch(a, parsed)

	waitForCondition(t, func() bool { return len(b.SentFrames()) > 0 })
	assert.Equal(t, f, b.SentFrames()[0])
	// sender's own update is excised from its copy.
	waitForCondition(t, func() bool { return len(a.SentFrames()) > 0 })
	assert.Empty(t, a.SentFrames()[0])
}

func TestHandleUpdateRejectsStaleVersion(t *testing.T) {
	h, reg, _ := newTestHandler(t)

	a := testutil.NewMockSocket()
	b := testutil.NewMockSocket()
	reg.Subscribe("foo", a)
	reg.Subscribe("foo", b)

	newer := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "5-aaa", `"new"`)
	f1, _, _ := wire.Split(newer)
	f1.Raw = newer
	h.Dispatch(a, f1)

	waitForCondition(t, func() bool { return len(b.SentFrames()) > 0 })

	stale := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "2-aaa", `"old"`)
	f2, _, _ := wire.Split(stale)
	f2.Raw = stale
	h.Dispatch(a, f2)

	// No second broadcast: b should still have exactly one frame.
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, b.SentFrames(), 1)
}

func TestHandleReadSendsHydratedEntry(t *testing.T) {
	h, reg, _ := newTestHandler(t)

	writer := testutil.NewMockSocket()
	f := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "1-aaa", `"v"`)
	parsed, _, _ := wire.Split(f)
	parsed.Raw = f
	h.Dispatch(writer, parsed)

	reader := testutil.NewMockSocket()
	readFrame := wire.EncodeString(wire.TopicRecord, wire.ActionRead, "foo")
	rf, _, _ := wire.Split(readFrame)
	h.Dispatch(reader, rf)

	require.Len(t, reader.SentFrames(), 1)
	assert.Equal(t, f, reader.SentFrames()[0])
	assert.True(t, reg.HasName("foo"))
}

func TestHandleReadLoadsFromStorageWhenCacheMiss(t *testing.T) {
	h, _, st := newTestHandler(t)

	var setErr error
	st.Set(storage.Record{Name: "foo", Version: "3-aaa", Body: []byte(`"persisted"`), Raw: wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "3-aaa", `"persisted"`)}, func(err error) { setErr = err })
	require.NoError(t, setErr)

	reader := testutil.NewMockSocket()
	readFrame := wire.EncodeString(wire.TopicRecord, wire.ActionRead, "foo")
	rf, _, _ := wire.Split(readFrame)
	h.Dispatch(reader, rf)

	waitForCondition(t, func() bool {
		entry, ok := h.cache.Get("foo")
		return ok && entry.Hydrated()
	})
}

func TestHandleUnsubscribeDelegatesToRegistry(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	s := testutil.NewMockSocket()
	reg.Subscribe("foo", s)

	uf := wire.EncodeString(wire.TopicRecord, wire.ActionUnsubscribe, "foo")
	parsed, _, _ := wire.Split(uf)
	h.Dispatch(s, parsed)

	assert.False(t, reg.HasName("foo"))
}

func TestDispatchUnknownActionReportsError(t *testing.T) {
	h, _, _ := newTestHandler(t)
	s := testutil.NewMockSocket()

	f := wire.EncodeString(wire.TopicRecord, wire.Action("NOPE"), "foo")
	parsed, _, _ := wire.Split(f)
	h.Dispatch(s, parsed)

	require.Len(t, s.SentFrames(), 1)
	got, _, _ := wire.Split(s.SentFrames()[0])
	assert.Equal(t, wire.ActionErrUnknownAction, got.Action)
}

func TestStorageExclusionSkipsWrite(t *testing.T) {
	reg := registry.New(wire.TopicRecord, time.Millisecond)
	mem := storage.NewMemory()
	h, err := New(reg, mem, 0, "^secret:", 0, nil, nil)
	require.NoError(t, err)

	s := testutil.NewMockSocket()
	f := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "secret:foo", "1-aaa", `"v"`)
	parsed, _, _ := wire.Split(f)
	parsed.Raw = f
	h.Dispatch(s, parsed)

	var gotErr error
	mem.Get("secret:foo", func(rec storage.Record, err error) { gotErr = err })
	assert.ErrorIs(t, gotErr, storage.ErrNotFound)
}

func TestStorageChangefeedMergesIntoCache(t *testing.T) {
	h, reg, st := newTestHandler(t)

	s := testutil.NewMockSocket()
	reg.Subscribe("foo", s)

	raw := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "9-aaa", `"fromstorage"`)
	st.Set(storage.Record{Name: "foo", Version: "9-aaa", Body: []byte(`"fromstorage"`), Raw: raw}, nil)

	waitForCondition(t, func() bool { return len(s.SentFrames()) > 0 })
	assert.Equal(t, raw, s.SentFrames()[0])
	_ = h
}

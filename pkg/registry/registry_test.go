package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraticus/syncd/pkg/socket"
	"github.com/veraticus/syncd/pkg/testutil"
	"github.com/veraticus/syncd/pkg/wire"
)

func waitFor(t *testing.T, cond func() bool) {
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

func TestSubscribeUnsubscribe(t *testing.T) {
	r := New(wire.TopicRecord, 0)
	s := testutil.NewMockSocket()

	r.Subscribe("foo", s)
	assert.True(t, r.HasName("foo"))
	assert.ElementsMatch(t, []string{"foo"}, r.GetNames())

	r.Unsubscribe("foo", s, false)
	assert.False(t, r.HasName("foo"))
}

func TestSubscribeTwiceSignalsMultipleSubscriptions(t *testing.T) {
	r := New(wire.TopicRecord, 0)
	s := testutil.NewMockSocket()

	r.Subscribe("foo", s)
	r.Subscribe("foo", s)

	sent := s.SentFrames()
	require.Len(t, sent, 1)
	f, _, err := wire.Split(sent[0])
	require.NoError(t, err)
	assert.Equal(t, wire.Action(ErrMultipleSubscriptions), f.Action)
}

func TestUnsubscribeNotSubscribedSignalsError(t *testing.T) {
	r := New(wire.TopicRecord, 0)
	s := testutil.NewMockSocket()

	r.Unsubscribe("foo", s, false)

	sent := s.SentFrames()
	require.Len(t, sent, 1)
	f, _, err := wire.Split(sent[0])
	require.NoError(t, err)
	assert.Equal(t, wire.Action(ErrNotSubscribed), f.Action)
}

func TestUnsubscribeSilentSuppressesError(t *testing.T) {
	r := New(wire.TopicRecord, 0)
	s := testutil.NewMockSocket()

	r.Unsubscribe("foo", s, true)
	assert.Empty(t, s.SentFrames())
}

func TestCloseHookUnsubscribes(t *testing.T) {
	r := New(wire.TopicRecord, 0)
	s := testutil.NewMockSocket()

	r.Subscribe("foo", s)
	require.True(t, r.HasName("foo"))

	s.Close()
	waitFor(t, func() bool { return !r.HasName("foo") })
}

func TestBroadcastExcludesSenderGap(t *testing.T) {
	r := New(wire.TopicRecord, time.Millisecond)
	a := testutil.NewMockSocket()
	b := testutil.NewMockSocket()

	r.Subscribe("foo", a)
	r.Subscribe("foo", b)

	frame := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "1-aaa", "{}")
	r.SendToSubscribers("foo", frame, a)

	waitFor(t, func() bool { return len(b.SentFrames()) > 0 })

	// b (not the sender) gets the full frame.
	bFrames := b.SentFrames()
	require.Len(t, bFrames, 1)
	assert.Equal(t, frame, bFrames[0])

	// a (the sender) gets nothing — its own contribution was excised down
	// to an empty buffer. The registry still calls Send, just with an
	// empty payload since nothing else was appended this tick.
	waitFor(t, func() bool { return len(a.SentFrames()) > 0 })
	aFrames := a.SentFrames()
	require.Len(t, aFrames, 1)
	assert.Empty(t, aFrames[0])
}

func TestBroadcastCoalescesMultipleSends(t *testing.T) {
	r := New(wire.TopicRecord, 5*time.Millisecond)
	a := testutil.NewMockSocket()
	r.Subscribe("foo", a)

	f1 := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "1-aaa", "{}")
	f2 := wire.EncodeString(wire.TopicRecord, wire.ActionUpdate, "foo", "2-aaa", "{}")
	r.SendToSubscribers("foo", f1, nil)
	r.SendToSubscribers("foo", f2, nil)

	waitFor(t, func() bool { return len(a.SentFrames()) > 0 })
	frames := a.SentFrames()
	require.Len(t, frames, 1, "both sends should coalesce into a single flush")
	assert.Equal(t, append(append([]byte{}, f1...), f2...), frames[0])
}

func TestGetSubscribersAndLocalCount(t *testing.T) {
	r := New(wire.TopicRecord, 0)
	a := testutil.NewMockSocket()
	b := testutil.NewMockSocket()

	r.Subscribe("foo", a)
	r.Subscribe("foo", b)

	assert.Equal(t, 2, r.LocalCount("foo"))
	assert.Len(t, r.GetSubscribers("foo"), 2)
}

// listenerFuncs adapts plain funcs to the Listener interface for tests.
type listenerFuncs struct {
	added   func(name string, localCount int)
	removed func(name string, localCount int)
}

func (l listenerFuncs) OnSubscriptionAdded(name string, _ socket.Socket, localCount int) {
	if l.added != nil {
		l.added(name, localCount)
	}
}

func (l listenerFuncs) OnSubscriptionRemoved(name string, _ socket.Socket, localCount int) {
	if l.removed != nil {
		l.removed(name, localCount)
	}
}

func TestListenerNotifiedOnAddRemove(t *testing.T) {
	var addedNames []string
	var addedCounts []int
	var removedNames []string
	var removedCounts []int

	l := listenerFuncs{
		added: func(name string, localCount int) {
			addedNames = append(addedNames, name)
			addedCounts = append(addedCounts, localCount)
		},
		removed: func(name string, localCount int) {
			removedNames = append(removedNames, name)
			removedCounts = append(removedCounts, localCount)
		},
	}

	r := New(wire.TopicRecord, 0, WithListener(l))
	a := testutil.NewMockSocket()
	b := testutil.NewMockSocket()

	r.Subscribe("foo", a)
	r.Subscribe("foo", b)
	r.Unsubscribe("foo", a, false)
	r.Unsubscribe("foo", b, false)

	assert.Equal(t, []string{"foo", "foo"}, addedNames)
	assert.Equal(t, []int{1, 2}, addedCounts)
	assert.Equal(t, []string{"foo", "foo"}, removedNames)
	assert.Equal(t, []int{1, 0}, removedCounts)
}

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSplitRoundTrip(t *testing.T) {
	raw := Encode(TopicRecord, ActionUpdate, []byte("foo"), []byte("5-aaa"), []byte(`{"x":1}`))

	f, n, err := Split(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, TopicRecord, f.Topic)
	assert.Equal(t, ActionUpdate, f.Action)
	require.Len(t, f.Data, 3)
	assert.Equal(t, "foo", string(f.Data[0]))
	assert.Equal(t, "5-aaa", string(f.Data[1]))
	assert.Equal(t, `{"x":1}`, string(f.Data[2]))
	assert.Equal(t, raw, f.Raw)
}

func TestSplitIncomplete(t *testing.T) {
	partial := []byte("R\x1FU\x1Ffoo")
	_, _, err := Split(partial)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestSplitMultipleFramesConsumesOne(t *testing.T) {
	one := Encode(TopicRecord, ActionRead, []byte("a"))
	two := Encode(TopicRecord, ActionRead, []byte("b"))
	buf := append(append([]byte{}, one...), two...)

	f, n, err := Split(buf)
	require.NoError(t, err)
	assert.Equal(t, len(one), n)
	assert.Equal(t, "a", string(f.Data[0]))

	f2, n2, err := Split(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, len(two), n2)
	assert.Equal(t, "b", string(f2.Data[0]))
}

func TestSplitMalformedMissingAction(t *testing.T) {
	buf := []byte("R\x1E")
	_, _, err := Split(buf)
	assert.Error(t, err)
}

func TestEnsureTrailingSep(t *testing.T) {
	withSep := Encode(TopicRecord, ActionRead, []byte("a"))
	assert.Equal(t, withSep, EnsureTrailingSep(withSep))

	withoutSep := withSep[:len(withSep)-1]
	fixed := EnsureTrailingSep(withoutSep)
	assert.True(t, HasTrailingSep(fixed))
	assert.Equal(t, withSep, fixed)
}

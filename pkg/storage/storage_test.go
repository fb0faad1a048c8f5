package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()

	var gotErr error
	m.Get("foo", func(rec Record, err error) {
		gotErr = err
	})

	assert.ErrorIs(t, gotErr, ErrNotFound)
}

func TestMemorySetThenGet(t *testing.T) {
	m := NewMemory()

	rec := Record{Name: "foo", Version: "1-aaa", Body: []byte(`{"x":1}`), Raw: []byte("raw")}

	var setErr error
	m.Set(rec, func(err error) { setErr = err })
	require.NoError(t, setErr)

	var got Record
	var getErr error
	m.Get("foo", func(r Record, err error) {
		got = r
		getErr = err
	})

	require.NoError(t, getErr)
	assert.Equal(t, rec, got)
}

func TestMemoryOnChangeFiresOnSet(t *testing.T) {
	m := NewMemory()

	var names []string
	var versions []string
	unsubscribe := m.OnChange(func(name, version string) {
		names = append(names, name)
		versions = append(versions, version)
	})
	defer unsubscribe()

	m.Set(Record{Name: "foo", Version: "1-aaa"}, nil)
	m.Set(Record{Name: "bar", Version: "2-bbb"}, nil)

	assert.Equal(t, []string{"foo", "bar"}, names)
	assert.Equal(t, []string{"1-aaa", "2-bbb"}, versions)
}

func TestMemoryOnChangeUnsubscribe(t *testing.T) {
	m := NewMemory()

	count := 0
	unsubscribe := m.OnChange(func(name, version string) { count++ })
	unsubscribe()

	m.Set(Record{Name: "foo", Version: "1-aaa"}, nil)

	assert.Equal(t, 0, count)
}

func TestMemoryOverwriteLastWriteWinsAtStorageLayer(t *testing.T) {
	m := NewMemory()

	m.Set(Record{Name: "foo", Version: "1-aaa", Body: []byte(`"old"`)}, nil)
	m.Set(Record{Name: "foo", Version: "2-aaa", Body: []byte(`"new"`)}, nil)

	var got Record
	m.Get("foo", func(r Record, err error) { got = r })

	// Storage itself performs no dominance check — that's RecordCache's
	// job. Storage simply holds whatever was last Set.
	assert.Equal(t, "2-aaa", got.Version)
}

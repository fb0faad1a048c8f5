package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

// Badger is a Storage backend durable across restarts, selected by
// storageBackend=badger. Records are gob-encoded the way the teacher's
// badger engine encodes entries, and the changefeed is driven by Badger's
// own prefix-subscribe rather than a side channel, so changes written by
// any process sharing the same data directory are observed uniformly.
type Badger struct {
	db  *badger.DB
	bus *changeBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// recordKey is the prefix every record key is stored under, so Subscribe
// can watch with a single prefix rather than the whole keyspace.
var recordKey = []byte("r:")

// NewBadger opens (or creates) a Badger database rooted at path.
func NewBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // the core's own slog logging covers this, not badger's.

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger at %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Badger{
		db:     db,
		bus:    newChangeBus(),
		ctx:    ctx,
		cancel: cancel,
	}

	b.wg.Add(1)
	go b.watch()

	return b, nil
}

func keyFor(name string) []byte {
	return append(append([]byte{}, recordKey...), name...)
}

func nameFromKey(key []byte) string {
	return string(key[len(recordKey):])
}

// gobRecord is the on-disk encoding; Record.Name is redundant with the key
// but kept so a raw Subscribe callback never needs a second lookup.
type gobRecord struct {
	Name    string
	Version string
	Body    []byte
	Raw     []byte
}

func (b *Badger) Get(name string, cb GetCallback) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFor(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var gr gobRecord
			if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&gr); err != nil {
				return err
			}
			rec = Record{Name: gr.Name, Version: gr.Version, Body: gr.Body, Raw: gr.Raw}
			return nil
		})
	})

	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			cb(Record{}, ErrNotFound)
			return
		}
		cb(Record{}, fmt.Errorf("storage: get %s: %w", name, err))
		return
	}
	cb(rec, nil)
}

func (b *Badger) Set(rec Record, cb SetCallback) {
	gr := gobRecord{Name: rec.Name, Version: rec.Version, Body: rec.Body, Raw: rec.Raw}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gr); err != nil {
		if cb != nil {
			cb(fmt.Errorf("storage: encode %s: %w", rec.Name, err))
		}
		return
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(keyFor(rec.Name), buf.Bytes()))
	})
	if err != nil {
		if cb != nil {
			cb(fmt.Errorf("storage: set %s: %w", rec.Name, err))
		}
		return
	}

	// Subscribe delivers this write asynchronously too, but callers (and
	// §7's error-handling contract) expect the committing writer to learn
	// of its own success without waiting on the watch loop.
	b.bus.publish(rec.Name, rec.Version)
	if cb != nil {
		cb(nil)
	}
}

func (b *Badger) OnChange(fn ChangeFunc) func() {
	return b.bus.subscribe(fn)
}

// watch drives Badger's native Subscribe changefeed so that writes from
// other processes sharing this data directory surface the same way local
// writes do. A process's own writes arrive twice (once from Set's direct
// publish, once echoed back through Subscribe); RecordCache's dominance
// check makes the echo a harmless no-op since the version can't newly
// dominate itself.
func (b *Badger) watch() {
	defer b.wg.Done()

	err := b.db.Subscribe(b.ctx, func(kv *badger.KVList) error {
		for _, item := range kv.GetKv() {
			var gr gobRecord
			if err := gob.NewDecoder(bytes.NewReader(item.GetValue())).Decode(&gr); err != nil {
				continue
			}
			b.bus.publish(nameFromKey(item.GetKey()), gr.Version)
		}
		return nil
	}, []pb.Match{{Prefix: recordKey}})

	if err != nil && !errors.Is(err, context.Canceled) {
		// Subscribe only returns once, on cancellation or a fatal backend
		// error; the database itself stays usable for direct Get/Set, it
		// just stops feeding cross-process changes until restarted.
		return
	}
}

func (b *Badger) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.db.Close()
}

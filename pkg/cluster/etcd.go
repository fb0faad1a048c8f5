package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	providerPrefix = "/syncd/providers/"
	serverPrefix   = "/syncd/servers/"

	serverLeaseTTL = 30 // seconds
)

// Etcd is a cluster-wide StateMap backed by etcd, selected by
// clusterBackend=etcd. CAS is implemented with read-then-Txn-If-ModRevision
// retry loops, grounded the same way the pack's etcd-backed cluster state
// implementations read-modify-write subscription records.
type Etcd struct {
	serverName string
	client     *clientv3.Client

	leaseMu     sync.Mutex
	leaseID     clientv3.LeaseID
	leaseCancel context.CancelFunc

	watchCtx    context.Context
	watchCancel context.CancelFunc

	mu       sync.Mutex
	watchers map[int]WatchFunc
	nextID   int

	wg sync.WaitGroup
}

// NewEtcd dials endpoints and registers serverName as a live cluster
// member, renewing its lease until Close.
func NewEtcd(serverName string, endpoints []string) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: dial etcd: %w", err)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	e := &Etcd{
		serverName:  serverName,
		client:      client,
		watchCtx:    watchCtx,
		watchCancel: watchCancel,
		watchers:    make(map[int]WatchFunc),
	}

	if err := e.registerServer(); err != nil {
		client.Close()
		watchCancel()
		return nil, err
	}

	e.wg.Add(1)
	go e.watchLoop()

	return e, nil
}

// registerServer creates a leased key under serverPrefix so other members
// can discover this server via GetAllRemoteServers, and starts the
// keepalive that renews the lease until Close.
func (e *Etcd) registerServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	leaseResp, err := e.client.Grant(ctx, serverLeaseTTL)
	if err != nil {
		return fmt.Errorf("cluster: grant lease: %w", err)
	}

	if _, err := e.client.Put(ctx, serverPrefix+e.serverName, "", clientv3.WithLease(leaseResp.ID)); err != nil {
		return fmt.Errorf("cluster: register server: %w", err)
	}

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	ch, err := e.client.KeepAlive(keepAliveCtx, leaseResp.ID)
	if err != nil {
		keepAliveCancel()
		return fmt.Errorf("cluster: keepalive: %w", err)
	}

	e.leaseMu.Lock()
	e.leaseID = leaseResp.ID
	e.leaseCancel = keepAliveCancel
	e.leaseMu.Unlock()

	go func() {
		for range ch {
			// Drain keepalive responses; nothing to act on while they keep
			// arriving. The channel closes on cancellation or lease loss.
		}
	}()

	return nil
}

func (e *Etcd) Get(ctx context.Context, name string) (Provider, bool, error) {
	resp, err := e.client.Get(ctx, providerPrefix+name)
	if err != nil {
		return Provider{}, false, fmt.Errorf("cluster: get %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return Provider{}, false, nil
	}

	var p Provider
	if err := json.Unmarshal(resp.Kvs[0].Value, &p); err != nil {
		return Provider{}, false, fmt.Errorf("cluster: decode %s: %w", name, err)
	}
	return p, true, nil
}

func (e *Etcd) Upsert(ctx context.Context, name string, fn MutateFunc) (Provider, Provider, error) {
	key := providerPrefix + name

	for {
		resp, err := e.client.Get(ctx, key)
		if err != nil {
			return Provider{}, Provider{}, fmt.Errorf("cluster: upsert get %s: %w", name, err)
		}

		var prev Provider
		var modRev int64
		exists := len(resp.Kvs) > 0
		if exists {
			modRev = resp.Kvs[0].ModRevision
			if err := json.Unmarshal(resp.Kvs[0].Value, &prev); err != nil {
				return Provider{}, Provider{}, fmt.Errorf("cluster: upsert decode %s: %w", name, err)
			}
		}

		next, ok := fn(prev, exists)
		if !ok {
			return prev, prev, nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return Provider{}, Provider{}, fmt.Errorf("cluster: upsert encode %s: %w", name, err)
		}

		var cmp clientv3.Cmp
		if exists {
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", modRev)
		} else {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		}

		txnResp, err := e.client.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return Provider{}, Provider{}, fmt.Errorf("cluster: upsert commit %s: %w", name, err)
		}
		if txnResp.Succeeded {
			return next, prev, nil
		}
		// Lost the race: someone else wrote name between our Get and our
		// Txn. Retry with a fresh read.
	}
}

func (e *Etcd) Watch(fn WatchFunc) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

func (e *Etcd) watchLoop() {
	defer e.wg.Done()

	watchCh := e.client.Watch(e.watchCtx, providerPrefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

	for resp := range watchCh {
		if resp.Err() != nil {
			return
		}
		for _, ev := range resp.Events {
			name := strings.TrimPrefix(string(ev.Kv.Key), providerPrefix)

			var next Provider
			if ev.Type == clientv3.EventTypePut {
				if err := json.Unmarshal(ev.Kv.Value, &next); err != nil {
					continue
				}
			}

			var prev Provider
			if ev.PrevKv != nil {
				_ = json.Unmarshal(ev.PrevKv.Value, &prev)
			}

			e.mu.Lock()
			watchers := make([]WatchFunc, 0, len(e.watchers))
			for _, w := range e.watchers {
				watchers = append(watchers, w)
			}
			e.mu.Unlock()

			for _, w := range watchers {
				w(name, prev, next)
			}
		}
	}
}

func (e *Etcd) GetAllRemoteServers() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := e.client.Get(ctx, serverPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil
	}

	servers := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), serverPrefix)
		if name != e.serverName {
			servers = append(servers, name)
		}
	}
	return servers
}

func (e *Etcd) Close() error {
	e.watchCancel()
	e.leaseMu.Lock()
	if e.leaseCancel != nil {
		e.leaseCancel()
	}
	e.leaseMu.Unlock()
	e.wg.Wait()
	return e.client.Close()
}

// Package server wires the collaborators described in §2 into one running
// process: a socket.Server accepting connections, one registry.Registry
// per topic, a record.Handler and rpc.Handler dispatching by topic, and a
// listener.Registry reconciling LISTEN assignments against the cluster
// StateMap. It is the syncd analogue of the teacher's cmd/linkpearl
// run.go/topology.go wiring, generalized from mesh peering to a single
// listen-and-dispatch server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/veraticus/syncd/pkg/api"
	"github.com/veraticus/syncd/pkg/cluster"
	"github.com/veraticus/syncd/pkg/listener"
	"github.com/veraticus/syncd/pkg/record"
	"github.com/veraticus/syncd/pkg/registry"
	"github.com/veraticus/syncd/pkg/rpc"
	"github.com/veraticus/syncd/pkg/socket"
	"github.com/veraticus/syncd/pkg/storage"
	"github.com/veraticus/syncd/pkg/wire"
)

// Config carries every tunable named in the specification's configuration
// table.
type Config struct {
	ServerName string
	ListenAddr string
	Version    string

	CacheCapacity         int
	StorageExclusion      string
	TagLength             int
	BroadcastTimeout      time.Duration
	RPCAckTimeout         time.Duration
	RPCResponseTimeout    time.Duration
	ListenResponseTimeout time.Duration

	StorageBackendName string
	ClusterBackendName string

	Logger *slog.Logger
}

// Server is the top-level syncd process: one listening socket, one record
// topic and one RPC topic, and the cluster/storage backends behind them.
type Server struct {
	cfg Config
	log *slog.Logger

	socketServer *socket.Server
	recordRegistry *registry.Registry
	rpcRegistry    *registry.Registry

	storage storage.Storage
	cluster cluster.StateMap

	record   *record.Handler
	rpc      *rpc.Handler
	listener *listener.Registry

	startedAt        time.Time
	connectedSockets atomic.Int64
}

// New wires a Server around the given storage and cluster-state backends.
// Both are plugin collaborators per §5 — callers choose Memory, Badger,
// Etcd, or any other implementation of the two plugin interfaces.
func New(cfg Config, st storage.Storage, cl cluster.StateMap) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("server: ServerName is required")
	}

	recordReg := registry.New(wire.TopicRecord, cfg.BroadcastTimeout)
	rpcReg := registry.New(wire.TopicRPC, cfg.BroadcastTimeout)

	listenerReg := listener.New(cfg.ServerName, cl, recordReg, cfg.ListenResponseTimeout, cfg.Logger)

	recHandler, err := record.New(recordReg, st, cfg.CacheCapacity, cfg.StorageExclusion, cfg.TagLength, cfg.Logger, listenerReg)
	if err != nil {
		return nil, fmt.Errorf("server: build record handler: %w", err)
	}
	recordReg.SetListener(recHandler)

	rpcHandler := rpc.New(rpcReg, cfg.RPCAckTimeout, cfg.RPCResponseTimeout, cfg.Logger)

	return &Server{
		cfg:            cfg,
		log:            cfg.Logger,
		socketServer:   socket.NewServer(slogAdapter{cfg.Logger}),
		recordRegistry: recordReg,
		rpcRegistry:    rpcReg,
		storage:        st,
		cluster:        cl,
		record:         recHandler,
		rpc:            rpcHandler,
		listener:       listenerReg,
		startedAt:      time.Now(),
	}, nil
}

// Status reports the server's current state for the local control socket's
// STATUS command.
func (s *Server) Status() api.StatusResponse {
	return api.StatusResponse{
		ServerName:       s.cfg.ServerName,
		Version:          s.cfg.Version,
		ListenAddr:       s.cfg.ListenAddr,
		StorageBackend:   s.cfg.StorageBackendName,
		ClusterBackend:   s.cfg.ClusterBackendName,
		StartedAt:        s.startedAt,
		ConnectedSockets: int(s.connectedSockets.Load()),
	}
}

// slogAdapter satisfies socket.Logger with a *slog.Logger.
type slogAdapter struct{ log *slog.Logger }

func (a slogAdapter) Debug(msg string, args ...any) { a.log.Debug(msg, args...) }
func (a slogAdapter) Info(msg string, args ...any)  { a.log.Info(msg, args...) }
func (a slogAdapter) Error(msg string, args ...any) { a.log.Error(msg, args...) }

// Serve accepts connections on cfg.ListenAddr and blocks until ctx is
// cancelled or the listener fails. Each connection gets its own read loop
// goroutine, mirroring the teacher's one-goroutine-per-peer model.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.socketServer.Close()
	}()

	return s.socketServer.Listen(s.cfg.ListenAddr, func(nc net.Conn, sock socket.Socket) {
		s.connectedSockets.Add(1)
		sock.OnClose(func() {
			s.connectedSockets.Add(-1)
			s.rpc.OnSocketClosed(sock)
			s.recordRegistry.UnsubscribeAll(sock)
		})

		go func() {
			if err := socket.Serve(sock, nc, func(f wire.Frame) { s.dispatch(sock, f) }); err != nil {
				s.log.Debug("connection closed", "socket", sock.UUID(), "error", err)
			}
		}()
	})
}

// dispatch routes one parsed frame to the handler for its topic.
func (s *Server) dispatch(sock socket.Socket, f wire.Frame) {
	switch f.Topic {
	case wire.TopicRecord:
		s.record.Dispatch(sock, f)
	case wire.TopicRPC:
		s.rpc.Dispatch(sock, f)
	default:
		sock.Send(wire.EncodeString(f.Topic, wire.ActionErrUnknownAction, string(f.Topic)))
	}
}

// Close shuts down the listener and every owned collaborator.
func (s *Server) Close() error {
	err := s.socketServer.Close()
	s.recordRegistry.Close()
	s.rpcRegistry.Close()
	s.record.Close()
	if cerr := s.cluster.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.storage.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Addr returns the listener's bound address, or nil before Serve starts
// accepting.
func (s *Server) Addr() net.Addr {
	return s.socketServer.Addr()
}

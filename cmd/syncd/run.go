package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veraticus/syncd/pkg/api"
	"github.com/veraticus/syncd/pkg/client"
	"github.com/veraticus/syncd/pkg/cluster"
	"github.com/veraticus/syncd/pkg/config"
	"github.com/veraticus/syncd/pkg/server"
	"github.com/veraticus/syncd/pkg/storage"
)

var (
	runCfg           config.Config
	clusterEndpoints []string
	controlSocket    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the syncd server",
	Long: `Run the syncd server.

This starts a process that:
  - Accepts client/peer connections on the configured listen address
  - Serves the record (READ/UPDATE/SUBSCRIBE) and RPC (PROVIDE/REQUEST) protocols
  - Reconciles LISTEN assignments against the cluster state backend

Examples:
  # Single-server deployment, everything in memory
  syncd run --listen :9437

  # Durable storage and etcd-coordinated cluster state
  syncd run --listen :9437 --storage-backend badger --storage-path /var/lib/syncd \
    --cluster-backend etcd --cluster-endpoints etcd-1:2379,etcd-2:2379`,
	RunE: runServer,
}

func init() {
	runCfg = *config.NewConfig()
	// Environment values become the flag defaults, so an explicitly given
	// flag still overrides them.
	runCfg.LoadFromEnv()

	runCmd.Flags().StringVar(&runCfg.ServerName, "server-name", runCfg.ServerName, "Unique server identity in the cluster")
	runCmd.Flags().StringVar(&runCfg.ListenAddr, "listen", runCfg.ListenAddr, "Address to listen on")
	runCmd.Flags().IntVar(&runCfg.CacheSize, "cache-size", runCfg.CacheSize, "Upper bound on the record cache, in entries")
	runCmd.Flags().StringVar(&runCfg.StorageExclusion, "storage-exclusion", runCfg.StorageExclusion, "Regex; names matching skip storage")
	runCmd.Flags().DurationVar(&runCfg.RPCAckTimeout, "rpc-ack-timeout", runCfg.RPCAckTimeout, "Time an RPC provider has to ACCEPT a request")
	runCmd.Flags().DurationVar(&runCfg.RPCTimeout, "rpc-timeout", runCfg.RPCTimeout, "Time from ACCEPT until a provider must RESPOND")
	runCmd.Flags().DurationVar(&runCfg.BroadcastTimeout, "broadcast-timeout", runCfg.BroadcastTimeout, "Delay between subscriber broadcast flushes")
	runCmd.Flags().DurationVar(&runCfg.ListenResponseTimeout, "listen-response-timeout", runCfg.ListenResponseTimeout, "Time a listener has to accept a LISTEN offer")
	runCmd.Flags().IntVar(&runCfg.TagLength, "tag-length", runCfg.TagLength, "Fixed length of the version tag suffix")
	runCmd.Flags().StringVar((*string)(&runCfg.StorageBackend), "storage-backend", string(runCfg.StorageBackend), "Storage backend: memory|badger")
	runCmd.Flags().StringVar(&runCfg.StoragePath, "storage-path", runCfg.StoragePath, "Filesystem path for the badger storage backend")
	runCmd.Flags().StringVar((*string)(&runCfg.ClusterBackend), "cluster-backend", string(runCfg.ClusterBackend), "Cluster-state backend: memory|etcd")
	runCmd.Flags().StringSliceVar(&clusterEndpoints, "cluster-endpoints", nil, "etcd endpoints (comma-separated or repeated)")
	runCmd.Flags().StringVar(&runCfg.LogLevel, "log-level", runCfg.LogLevel, "Log level: debug|info|warn|error")
	runCmd.Flags().BoolVarP(&runCfg.Verbose, "verbose", "v", runCfg.Verbose, "Shorthand for --log-level debug")
	runCmd.Flags().StringVar(&controlSocket, "control-socket", client.DefaultSocketPath(), "Unix socket path for the local status control API")
}

func runServer(_ *cobra.Command, _ []string) error {
	if len(clusterEndpoints) > 0 {
		runCfg.ClusterEndpoints = clusterEndpoints
	}
	if runCfg.Verbose {
		runCfg.LogLevel = "debug"
	}

	if err := runCfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log := newLogger(runCfg.LogLevel)
	log.Info("starting syncd", "version", version, "server_name", runCfg.ServerName, "listen", runCfg.ListenAddr)
	log.Debug("configuration", "config", runCfg.String())

	return runWithConfig(&runCfg, controlSocket, log)
}

// runWithConfig constructs the server's backends, starts it, and blocks
// until a shutdown signal or fatal error. Extracted from runServer so tests
// can drive it directly without going through cobra flag parsing.
func runWithConfig(cfg *config.Config, socketPath string, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	st, err := createStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}

	cl, err := createCluster(cfg)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to create cluster backend: %w", err)
	}

	srv, err := server.New(server.Config{
		ServerName:            cfg.ServerName,
		ListenAddr:            cfg.ListenAddr,
		Version:               version,
		CacheCapacity:         cfg.CacheSize,
		StorageExclusion:      cfg.StorageExclusion,
		TagLength:             cfg.TagLength,
		BroadcastTimeout:      cfg.BroadcastTimeout,
		RPCAckTimeout:         cfg.RPCAckTimeout,
		RPCResponseTimeout:    cfg.RPCTimeout,
		ListenResponseTimeout: cfg.ListenResponseTimeout,
		StorageBackendName:    string(cfg.StorageBackend),
		ClusterBackendName:    string(cfg.ClusterBackend),
		Logger:                log,
	}, st, cl)
	if err != nil {
		cl.Close()
		st.Close()
		return fmt.Errorf("failed to build server: %w", err)
	}

	if socketPath != "" {
		controlAPI, err := api.NewServer(&api.ServerConfig{
			SocketPath: socketPath,
			Provider:   srv,
			Logger:     log,
		})
		if err != nil {
			return fmt.Errorf("failed to build control API: %w", err)
		}
		if err := controlAPI.Start(); err != nil {
			return fmt.Errorf("failed to start control API: %w", err)
		}
		defer func() {
			if err := controlAPI.Stop(); err != nil {
				log.Error("failed to stop control API", "error", err)
			}
		}()
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()

	log.Info("syncd is running", "listen", cfg.ListenAddr, "storage", cfg.StorageBackend, "cluster", cfg.ClusterBackend)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	case err := <-serveDone:
		if err != nil {
			log.Error("server stopped with error", "error", err)
			srv.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	closeDone := make(chan error, 1)
	go func() { closeDone <- srv.Close() }()

	select {
	case err := <-closeDone:
		if err != nil {
			log.Error("error during shutdown", "error", err)
		}
	case <-shutdownCtx.Done():
		log.Error("shutdown timed out")
	}

	log.Info("syncd stopped")
	return nil
}

func createStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case config.StorageBadger:
		return storage.NewBadger(cfg.StoragePath)
	default:
		return storage.NewMemory(), nil
	}
}

func createCluster(cfg *config.Config) (cluster.StateMap, error) {
	switch cfg.ClusterBackend {
	case config.ClusterEtcd:
		return cluster.NewEtcd(cfg.ServerName, cfg.ClusterEndpoints)
	default:
		return cluster.NewMemory(cfg.ServerName), nil
	}
}

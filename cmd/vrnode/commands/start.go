package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/vrnode/internal/logger"
	"github.com/marmos91/vrnode/internal/telemetry"
	"github.com/marmos91/vrnode/pkg/adminapi"
	"github.com/marmos91/vrnode/pkg/config"
	"github.com/marmos91/vrnode/pkg/metrics"
	"github.com/marmos91/vrnode/pkg/persist"
	"github.com/marmos91/vrnode/pkg/service/kv"
	"github.com/marmos91/vrnode/pkg/transport"
	"github.com/marmos91/vrnode/pkg/vr"
)

var (
	startTransport string
	pidFile        string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a replica node",
	Long: `Start this node's replica and join the configured cluster.

With the default TCP transport the process runs the single replica named by
replica.index, listening on its cluster address and dialing its peers. With
--transport=memory the process instead simulates the WHOLE cluster in one
process over an in-memory bus — useful for local experimentation without
standing up multiple nodes.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/vrnode/config.yaml.

Examples:
  # Start this node's replica
  vrnode start

  # Start with custom config file
  vrnode start --config /etc/vrnode/config.yaml

  # Simulate the whole cluster in one process
  vrnode start --transport memory

  # Start with environment variable overrides
  VRNODE_LOGGING_LEVEL=DEBUG vrnode start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startTransport, "transport", "tcp", "Replica transport (tcp|memory)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: none)")
}

// checkpointStore is the durable-store surface start needs: the sink the
// replica writes through plus the read side used to bootstrap after a
// restart. Both persist backends satisfy it.
type checkpointStore interface {
	vr.CheckpointSink
	LoadLatest(index vr.ReplicaIndex) (view vr.View, op vr.OpNumber, snapshot []byte, ok bool, err error)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "vrnode",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "vrnode",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	}

	if cfg.Metrics.Enabled {
		reg := metrics.InitRegistry()
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	clusterCfg := vr.Configuration{Addresses: cfg.Cluster.Addresses}
	opts := vr.Options{
		CheckpointInterval: cfg.Replica.CheckpointInterval,
		CheckpointRetain:   cfg.Replica.CheckpointRetain,
		CommitWatchdog:     cfg.Replica.CommitWatchdog,
		PrimaryHeartbeat:   cfg.Replica.PrimaryHeartbeat,
		ViewChangeGrace:    cfg.Replica.ViewChangeGrace,
		Strict:             cfg.Replica.Strict,
	}
	self := vr.ReplicaIndex(cfg.Replica.Index)

	store, closeStore, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serverDone := make(chan error, 1)

	var statusReplica *vr.Replica

	switch startTransport {
	case "memory":
		// Simulate the whole cluster in-process: every configured index gets
		// its own replica and router on one shared bus. Only this node's
		// index carries the durable store; the others are ephemeral peers.
		network := transport.NewNetwork(1024, transport.Fault{})
		for i := 0; i < clusterCfg.N(); i++ {
			idx := vr.ReplicaIndex(i)
			replica := vr.NewReplica(idx, clusterCfg, kv.NewStore(), network.Endpoint(idx), opts)
			if idx == self {
				statusReplica = replica
				if err := bootstrapReplica(ctx, replica, store, self); err != nil {
					return err
				}
			}
			router := vr.NewRouter(replica)
			go func() {
				if err := router.Run(ctx); err != nil && ctx.Err() == nil {
					serverDone <- err
				}
			}()
		}
		logger.Info("Simulated cluster running", "replicas", clusterCfg.N())

	case "tcp":
		tcp := transport.NewTCPTransport(self, clusterCfg, 1024)
		if err := tcp.ListenAndServe(ctx); err != nil {
			return err
		}
		defer func() { _ = tcp.Close() }()

		replica := vr.NewReplica(self, clusterCfg, kv.NewStore(), tcp, opts)
		statusReplica = replica
		if err := bootstrapReplica(ctx, replica, store, self); err != nil {
			return err
		}
		router := vr.NewRouter(replica)
		go func() {
			serverDone <- router.Run(ctx)
		}()
		logger.Info("Replica running", "index", int(self), "address", cfg.Cluster.Addresses[self])

	default:
		return fmt.Errorf("unknown transport %q (want tcp or memory)", startTransport)
	}

	if cfg.AdminAPI.Enabled {
		apiServer, err := adminapi.NewServer(cfg.AdminAPI, statusReplica)
		if err != nil {
			return fmt.Errorf("failed to create admin API server: %w", err)
		}
		token, expiresAt, err := apiServer.Tokens().IssueOperatorToken(cfg.Replica.Index)
		if err != nil {
			return fmt.Errorf("failed to issue operator token: %w", err)
		}
		fmt.Printf("\n*** Admin API operator token (expires %s):\n%s\n\n", expiresAt.Format(time.RFC3339), token)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("admin API error", "error", err)
			}
		}()
	}

	stopWatch := watchConfigFile(cfg)
	defer stopWatch()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Replica is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		logger.Info("Replica stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil && err != context.Canceled {
			logger.Error("Replica error", "error", err)
			return err
		}
		logger.Info("Replica stopped")
	}

	return nil
}

// openCheckpointStore builds the configured durable backing: S3 when the
// backend is "s3", otherwise BadgerDB in the configured directory. The
// returned close function is nil for the S3 store.
func openCheckpointStore(ctx context.Context, cfg *config.Config) (checkpointStore, func(), error) {
	switch cfg.Persistence.Backend {
	case "s3":
		blob, err := persist.NewBlobStore(ctx, persist.BlobStoreConfig{
			Bucket:          cfg.Persistence.S3.Bucket,
			Region:          cfg.Persistence.S3.Region,
			Endpoint:        cfg.Persistence.S3.Endpoint,
			AccessKeyID:     cfg.Persistence.S3.AccessKeyID,
			SecretAccessKey: cfg.Persistence.S3.SecretAccessKey,
			Prefix:          cfg.Persistence.S3.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Checkpoint store ready", "backend", "s3", "bucket", cfg.Persistence.S3.Bucket)
		return blob, nil, nil

	default:
		local, err := persist.OpenSized(cfg.Persistence.Dir, int64(cfg.Persistence.ValueLogSize))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Checkpoint store ready", "backend", "badger", "dir", cfg.Persistence.Dir)
		return local, func() {
			if err := local.Close(); err != nil {
				logger.Error("checkpoint store close error", "error", err)
			}
		}, nil
	}
}

// bootstrapReplica wires the durable store into the replica and, when a
// previous checkpoint exists, restores it so the node resumes from its own
// durable state instead of always rejoining via Recovery.
func bootstrapReplica(ctx context.Context, replica *vr.Replica, store checkpointStore, self vr.ReplicaIndex) error {
	if store == nil {
		return nil
	}
	replica.SetCheckpointSink(store)

	view, op, snapshot, ok, err := store.LoadLatest(self)
	if err != nil {
		return fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	if !ok {
		logger.Info("No durable checkpoint found, starting fresh")
		return nil
	}
	if err := replica.Bootstrap(ctx, view, op, snapshot); err != nil {
		return fmt.Errorf("failed to restore checkpoint at op %d: %w", op, err)
	}
	logger.Info("Restored durable checkpoint", "view", uint64(view), "op_number", uint64(op))
	return nil
}

// watchConfigFile watches the loaded config file for edits. Logging level
// changes are applied live; changes to the replica's identity (cluster
// addresses, replica index) are logged but never applied — those fields are
// fixed for a running replica.
func watchConfigFile(loaded *config.Config) func() {
	path := GetConfigFile()
	if path == "" {
		if !config.DefaultConfigExists() {
			return func() {}
		}
		path = config.GetDefaultConfigPath()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watch unavailable", "error", err)
		return func() {}
	}
	if err := watcher.Add(path); err != nil {
		logger.Warn("config watch unavailable", "path", path, "error", err)
		_ = watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				fresh, err := config.Load(path)
				if err != nil {
					logger.Warn("config reload failed, keeping current configuration", "error", err)
					continue
				}
				if !reflect.DeepEqual(fresh.Cluster.Addresses, loaded.Cluster.Addresses) || fresh.Replica.Index != loaded.Replica.Index {
					logger.Warn("cluster membership or replica index changed on disk; restart required to apply")
				}
				if fresh.Logging.Level != loaded.Logging.Level {
					if err := logger.Init(logger.Config{
						Level:  fresh.Logging.Level,
						Format: loaded.Logging.Format,
						Output: loaded.Logging.Output,
					}); err != nil {
						logger.Warn("failed to apply new log level", "error", err)
						continue
					}
					loaded.Logging.Level = fresh.Logging.Level
					logger.Info("log level updated", "level", fresh.Logging.Level)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

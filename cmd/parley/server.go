package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parleychat/parley/pkg/actions"
	"github.com/parleychat/parley/pkg/api"
	"github.com/parleychat/parley/pkg/client"
	"github.com/parleychat/parley/pkg/config"
	"github.com/parleychat/parley/pkg/dedup"
	"github.com/parleychat/parley/pkg/health"
	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/manager"
	"github.com/parleychat/parley/pkg/metrics"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/parleychat/parley/pkg/queue"
	"github.com/parleychat/parley/pkg/recipients"
	"github.com/parleychat/parley/pkg/substrate/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Parley event server",
	Long: `Run a Parley event server.

Without --join the node bootstraps a new single-node cluster (or resumes the
one in its data directory). With --join it asks the given server to add it as
a raft voter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		join, _ := cmd.Flags().GetString("join")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("node-id"); v != "" {
			cfg.NodeID = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		return runServer(cfg, join)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML configuration file")
	serverCmd.Flags().String("join", "", "URL of a running server to join, e.g. http://10.0.0.1:9991")
	serverCmd.Flags().String("node-id", "", "Override node_id from the configuration")
	serverCmd.Flags().String("data-dir", "", "Override data_dir from the configuration")
}

func runServer(cfg *config.Config, join string) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("server")
	metrics.SetVersion(Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.RaftAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	if join == "" {
		err = mgr.Bootstrap()
	} else {
		err = mgr.Join(ctx, client.NewClient(join, client.WithInternalToken(cfg.InternalToken)))
	}
	if err != nil {
		_ = mgr.Shutdown()
		return fmt.Errorf("failed to start raft: %w", err)
	}
	if err := mgr.WaitForLeader(30 * time.Second); err != nil {
		_ = mgr.Shutdown()
		return err
	}

	registry := queue.NewRegistry(cfg.Queue)
	if _, err := registry.Restore(mgr.Store()); err != nil {
		logger.Warn().Err(err).Msg("Starting with no restored queues")
	}
	metrics.RegisterComponent(metrics.ComponentQueue, true, "")

	var rdb *redis.Client
	if cfg.Substrate.Kind == config.SubstrateRedis || cfg.Dedup.Kind == config.DedupRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Substrate.Redis.Addr,
			Password: cfg.Substrate.Redis.Password,
			DB:       cfg.Substrate.Redis.DB,
		})
		defer rdb.Close()
	}

	errCh := make(chan error, 4)

	var substrate publisher.Substrate
	var probe health.Checker
	switch cfg.Substrate.Kind {
	case config.SubstrateRedis:
		probe = health.NewRedisChecker(rdb)
		substrate = redisstream.NewProducer(rdb, cfg.Substrate.Redis)
		consumer := redisstream.NewConsumer(rdb, cfg.Substrate.Redis, registry)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("stream consumer: %w", err)
			}
		}()
		if cfg.Substrate.Redis.TrimInterval > 0 {
			go consumer.RunTrim(ctx, cfg.Substrate.Redis.TrimInterval)
		}
	case config.SubstrateHTTP:
		var servers []*client.Client
		var probes []health.Checker
		for _, u := range cfg.Substrate.HTTP.URLs {
			servers = append(servers, client.NewClient(u, client.WithInternalToken(cfg.InternalToken)))
			probes = append(probes, health.NewHTTPChecker(strings.TrimRight(u, "/")+"/livez"))
		}
		probe = health.NewAllChecker(probes...)
		substrate = client.NewNotifier(servers...)
	default:
		substrate = registry
	}
	metrics.RegisterComponent(metrics.ComponentSubstrate, true, "")
	if probe != nil {
		go health.NewMonitor(metrics.ComponentSubstrate, probe, health.DefaultConfig()).Run(ctx)
	}

	observer := publisher.NewAsync(0, publisher.RecordMetrics, publisher.AuditLog(log.WithComponent("audit")))
	go observer.Run(ctx)
	pub := publisher.New(substrate, cfg.Publisher, publisher.WithObserver(observer))

	var guard dedup.Guard
	if cfg.Dedup.Kind == config.DedupRedis {
		guard = dedup.NewRedisGuard(rdb, "parley:idem", cfg.Dedup.TTL)
	} else {
		guard = dedup.NewMemoryGuard(cfg.Dedup.TTL)
	}

	svc := actions.NewService(mgr, recipients.NewResolver(mgr), pub, guard)

	apiServer := api.NewServer(api.Options{
		Registry:        registry,
		Actions:         svc,
		State:           mgr,
		Cluster:         mgr,
		InternalToken:   cfg.InternalToken,
		LongPollTimeout: cfg.Queue.HeartbeatInterval,
	})
	go func() {
		if err := apiServer.Start(cfg.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("HTTP API: %w", err)
		}
	}()

	grpcServer := api.NewGRPCServer()
	if cfg.GRPCAddr != "" {
		go func() {
			if err := grpcServer.Start(cfg.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC health: %w", err)
			}
		}()
		go grpcServer.RunHealthSync(ctx, 5*time.Second)
	}

	go registry.RunGC(ctx)
	collector := metrics.NewCollector(registry, mgr, 15*time.Second)
	collector.Start()

	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("http_addr", cfg.HTTPAddr).
		Str("raft_addr", cfg.RaftAddr).
		Str("substrate", cfg.Substrate.Kind).
		Msg("Parley server running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Component failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	// long polls still parked when the deadline passes are cut off; their
	// queues are persisted below and get a restart event on the next start
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP API did not shut down cleanly")
	}
	grpcServer.Stop()
	collector.Stop()

	if err := registry.Persist(mgr.Store()); err != nil {
		logger.Error().Err(err).Msg("Failed to persist event queues")
	}
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/fanout"
	"github.com/droverhq/drover/pkg/httpapi"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/monitor"
	"github.com/droverhq/drover/pkg/placement"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/stream"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	Long: `Run the Drover orchestrator: the REST API, the worker stream
endpoint, the scheduler, and the execution engine in one process.

Configuration is read from --config (or ./drover.yaml, /etc/drover/)
with DROVER_* environment overrides.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to config file")
	serverCmd.Flags().Int("http-port", 0, "REST API port (overrides config)")
	serverCmd.Flags().Int("stream-port", 0, "Worker stream port (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("http-port"); port != 0 {
		cfg.Server.HTTPPort = port
	}
	if port, _ := cmd.Flags().GetInt("stream-port"); port != 0 {
		cfg.Server.StreamPort = port
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Server.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON, Service: "orchestrator"})
	logger := log.WithComponent("server")

	fmt.Println("Starting Drover orchestrator...")
	fmt.Printf("  API Address:    :%d\n", cfg.Server.HTTPPort)
	fmt.Printf("  Stream Address: :%d\n", cfg.Server.StreamPort)
	fmt.Printf("  Data Directory: %s\n", cfg.Server.DataDir)
	fmt.Println()

	store, err := storage.NewBoltStore(cfg.Server.DataDir)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer store.Close()
	fmt.Println("✓ Storage ready")

	pools := registry.NewPoolRegistry(store)
	ledger := registry.NewLedger(store, pools)
	workers := registry.NewWorkerRegistry(store, ledger,
		cfg.Timeouts.Heartbeat, cfg.Timeouts.WorkerEvictionGrace)

	monitors := monitor.NewRegistry()
	monitors.Register(monitor.NewStaticMonitor(ledger))
	monitors.Register(monitor.NewLocalMonitor(ledger, cfg.Server.DataDir))

	strategies := placement.NewRegistry()
	if err := strategies.SetDefault(cfg.Scheduler.DefaultStrategy); err != nil {
		return err
	}
	sched := scheduler.New(pools, ledger, monitors, strategies)

	webhook := fanout.NewWebhookSenderWith(fanout.WebhookConfig{
		Timeout:  cfg.Fanout.WebhookTimeout,
		Attempts: cfg.Fanout.WebhookAttempts,
		Rate:     cfg.Fanout.WebhookRate,
		Burst:    cfg.Fanout.WebhookBurst,
	})
	broker := fanout.NewBrokerSized(webhook, cfg.Fanout.BufferSize)
	defer broker.Close()

	hub := stream.NewHub()

	eng := engine.New(store, sched, workers, ledger, broker, hub, engine.Config{
		WorkerWait:       cfg.Timeouts.WorkerWait,
		StartGrace:       cfg.Timeouts.StartGrace,
		HeartbeatTimeout: cfg.Timeouts.Heartbeat,
		CancelGrace:      cfg.Timeouts.CancelGrace,
		RequeueBackoff:   cfg.Scheduler.RequeueBackoff,
		MaxBackoff:       cfg.Scheduler.MaxBackoff,
		Dispatchers:      cfg.Server.Dispatchers,
	})
	hub.SetHandler(eng)

	workers.Start()
	defer workers.Stop()
	eng.Start()
	defer eng.Stop()
	fmt.Println("✓ Engine started")

	// The stream endpoint lives on its own listener so worker traffic
	// is isolated from API clients.
	var streamUp atomic.Bool
	streamMux := http.NewServeMux()
	streamMux.HandleFunc("/connect", hub.HandleConnection)
	streamSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.StreamPort),
		Handler:           streamMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	api := httpapi.NewServer(httpapi.Config{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Version: Version,
	}, eng, store, pools, workers, ledger, broker)
	api.AddReadyCheck("stream", func() error {
		if !streamUp.Load() {
			return errors.Newf("stream listener is not accepting connections")
		}
		return nil
	})

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Server.HTTPPort).Msg("API listening")
		return api.Start()
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", streamSrv.Addr)
		if err != nil {
			return errors.Wrap(err, "bind stream listener")
		}
		streamUp.Store(true)
		defer streamUp.Store(false)
		logger.Info().Int("port", cfg.Server.StreamPort).Msg("Stream listening")
		if err := streamSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "stream listener")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\nShutting down...")

		// A hard exit backstops a drain that never completes.
		force := time.AfterFunc(cfg.Server.ShutdownGrace+cfg.Server.ShutdownForce, func() {
			logger.Error().Msg("Forced shutdown, connections did not drain")
			os.Exit(1)
		})
		defer force.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		// API first so no new jobs arrive, then the worker streams.
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("API shutdown incomplete")
		}
		hub.Close()
		if err := streamSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Stream shutdown incomplete")
		}
		return nil
	})

	fmt.Println()
	fmt.Println("Orchestrator is running. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

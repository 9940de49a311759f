package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a worker agent",
	Long: `Run the worker-side agent: connect to the orchestrator's stream
endpoint, register into a pool, and execute assigned pipelines.

Capabilities left at zero are probed from the host. Flags override the
config file.

Examples:
  # Join the default pool on a local orchestrator
  drover agent --pool pool-main

  # Pin identity and advertised resources
  drover agent --pool gpu --worker-id bench-01 --cpu-millis 8000`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("config", "", "Path to config file")
	agentCmd.Flags().String("server", "", "Orchestrator stream URL (e.g. ws://host:9090/connect)")
	agentCmd.Flags().String("pool", "", "Pool to register into (required unless configured)")
	agentCmd.Flags().String("worker-id", "", "Worker identity (generated when empty)")
	agentCmd.Flags().Int64("cpu-millis", 0, "Advertised CPU capacity in millicores (0 = probe)")
	agentCmd.Flags().Int64("memory-bytes", 0, "Advertised memory capacity in bytes (0 = probe)")
	agentCmd.Flags().Int64("storage-bytes", 0, "Advertised storage capacity in bytes (0 = probe)")
	agentCmd.Flags().StringSlice("tools", nil, "Extra tools to advertise")
	agentCmd.Flags().String("kotlin-bin", "", "Kotlin script runner binary")
	agentCmd.Flags().String("workdir", "", "Default task working directory")
}

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON, Service: "agent"})

	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Agent.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("pool"); v != "" {
		cfg.Agent.PoolID = v
	}
	if v, _ := cmd.Flags().GetString("worker-id"); v != "" {
		cfg.Agent.WorkerID = v
	}
	if v, _ := cmd.Flags().GetString("kotlin-bin"); v != "" {
		cfg.Agent.KotlinBin = v
	}
	if v, _ := cmd.Flags().GetString("workdir"); v != "" {
		cfg.Agent.WorkDir = v
	}
	if v, _ := cmd.Flags().GetStringSlice("tools"); len(v) > 0 {
		cfg.Agent.Tools = append(cfg.Agent.Tools, v...)
	}
	cpuMillis, _ := cmd.Flags().GetInt64("cpu-millis")
	memoryBytes, _ := cmd.Flags().GetInt64("memory-bytes")
	storageBytes, _ := cmd.Flags().GetInt64("storage-bytes")

	ag, err := agent.New(agent.Config{
		ServerURL: cfg.Agent.ServerURL,
		WorkerID:  cfg.Agent.WorkerID,
		PoolID:    cfg.Agent.PoolID,
		Heartbeat: cfg.Agent.HeartbeatInterval,
		KotlinBin: cfg.Agent.KotlinBin,
		Workdir:   cfg.Agent.WorkDir,
		Capabilities: types.WorkerCapabilities{
			CPUMillis:    cpuMillis,
			MemoryBytes:  memoryBytes,
			StorageBytes: storageBytes,
			Tools:        cfg.Agent.Tools,
		},
	})
	if err != nil {
		return err
	}

	fmt.Printf("Starting agent %s\n", ag.WorkerID())
	fmt.Printf("  Orchestrator: %s\n", cfg.Agent.ServerURL)
	fmt.Printf("  Pool:         %s\n", cfg.Agent.PoolID)
	fmt.Println()

	ag.Start()
	fmt.Println("Agent is running. Press Ctrl+C to stop.")

	ctx, stop := signalContext()
	defer stop()
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	ag.Stop()
	fmt.Println("✓ Shutdown complete")
	return nil
}

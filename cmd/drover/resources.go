package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/quantity"
	"github.com/droverhq/drover/pkg/types"
)

// apiClient builds a client from the group's --server flag.
func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	return client.New(server)
}

func age(t time.Time) string {
	return time.Since(t).Round(time.Second).String()
}

// limitCPU and limitMemory render quota limits, where zero means unlimited.
func limitCPU(millis int64) string {
	if millis == 0 {
		return "-"
	}
	return quantity.FormatCPU(millis)
}

func limitMemory(bytes int64) string {
	if bytes == 0 {
		return "-"
	}
	return quantity.FormatMemory(bytes)
}

// Job commands
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		status, _ := cmd.Flags().GetString("status")

		jobs, err := apiClient(cmd).ListJobs(ctx, status)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tSTATUS\tRETRIES\tAGE")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d/%d\t%s\n",
				j.ID, j.Name, j.Priority, j.Status, j.RetryCount, j.MaxRetries, age(j.CreatedAt))
		}
		return w.Flush()
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		job, err := apiClient(cmd).GetJob(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Name:      %s\n", job.Name)
		fmt.Printf("ID:        %s\n", job.ID)
		fmt.Printf("Status:    %s\n", job.Status)
		fmt.Printf("Priority:  %d\n", job.Priority)
		fmt.Printf("Retries:   %d/%d\n", job.RetryCount, job.MaxRetries)
		if job.LatestExecutionID != "" {
			fmt.Printf("Execution: %s\n", job.LatestExecutionID)
		}
		if job.ErrorMessage != "" {
			fmt.Printf("Error:     %s\n", job.ErrorMessage)
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a job's live execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		reason, _ := cmd.Flags().GetString("reason")

		job, err := apiClient(cmd).CancelJob(ctx, args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Cancel requested: %s (status: %s)\n", job.Name, job.Status)
		return nil
	},
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Print the captured output of a job's latest execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		c := apiClient(cmd)

		job, err := c.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if job.LatestExecutionID == "" {
			return fmt.Errorf("job %s has no execution yet", job.ID)
		}

		logs, err := c.ExecutionLogs(ctx, job.LatestExecutionID)
		if err != nil {
			return err
		}
		for _, chunk := range logs {
			os.Stdout.Write(chunk.Content)
		}
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobLogsCmd)

	jobCmd.PersistentFlags().String("server", "http://localhost:8080", "Orchestrator API address")
	jobListCmd.Flags().String("status", "", "Filter by status (PENDING, QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED)")
	jobCancelCmd.Flags().String("reason", "", "Reason recorded on the execution")

	rootCmd.AddCommand(jobCmd)
}

// Pool commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage resource pools",
}

var poolCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a resource pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		name := args[0]

		cpu, _ := cmd.Flags().GetString("cpu")
		memory, _ := cmd.Flags().GetString("memory")
		maxWorkers, _ := cmd.Flags().GetInt("max-workers")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		poolType, _ := cmd.Flags().GetString("type")

		var quotas types.PoolQuotas
		if cpu != "" {
			millis, err := quantity.ParseCPU(cpu)
			if err != nil {
				return err
			}
			quotas.CPU.Limits = millis
		}
		if memory != "" {
			bytes, err := quantity.ParseMemory(memory)
			if err != nil {
				return err
			}
			quotas.Memory.Limits = bytes
		}
		quotas.MaxWorkers = maxWorkers
		quotas.MaxConcurrentJobs = maxConcurrent

		fmt.Printf("Creating pool: %s\n", name)
		pool, err := apiClient(cmd).CreatePool(ctx, client.PoolRequest{
			Name:   name,
			Type:   poolType,
			Quotas: quotas,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Pool created: %s (ID: %s)\n", pool.Name, pool.ID)
		return nil
	},
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resource pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		pools, err := apiClient(cmd).ListPools(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tCPU-LIMIT\tMEMORY-LIMIT\tAGE")
		for _, p := range pools {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.Name, p.Type, p.Status,
				limitCPU(p.Quotas.CPU.Limits),
				limitMemory(p.Quotas.Memory.Limits),
				age(p.CreatedAt))
		}
		return w.Flush()
	},
}

var poolDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete an empty pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if err := apiClient(cmd).DeletePool(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Pool deleted: %s\n", args[0])
		return nil
	},
}

var poolUsageCmd = &cobra.Command{
	Use:   "usage NAME",
	Short: "Show a pool's live usage against its quotas",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		c := apiClient(cmd)

		usage, err := c.PoolUsage(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Pool:    %s (ID: %s)\n", usage.PoolName, usage.PoolID)
		fmt.Printf("CPU:     %s / %s\n",
			quantity.FormatCPU(usage.Usage.CPUMillis), limitCPU(usage.Quotas.CPU.Limits))
		fmt.Printf("Memory:  %s / %s\n",
			quantity.FormatMemory(usage.Usage.MemoryBytes), limitMemory(usage.Quotas.Memory.Limits))
		fmt.Printf("Jobs:    %d running, %d queued\n", usage.Usage.JobsRunning, usage.Usage.JobsQueued)
		fmt.Printf("Workers: %d\n", usage.Usage.Workers)

		violations, err := c.PoolViolations(ctx, args[0])
		if err != nil {
			return err
		}
		if len(violations) > 0 {
			fmt.Println()
			for _, v := range violations {
				fmt.Printf("! quota exceeded: %s\n", v)
			}
		}
		return nil
	},
}

func init() {
	poolCmd.AddCommand(poolCreateCmd)
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolDeleteCmd)
	poolCmd.AddCommand(poolUsageCmd)

	poolCmd.PersistentFlags().String("server", "http://localhost:8080", "Orchestrator API address")
	poolCreateCmd.Flags().String("cpu", "", "CPU limit, cores or millicores (e.g. 16 or 16000m)")
	poolCreateCmd.Flags().String("memory", "", "Memory limit in bytes or with Ki/Mi/Gi suffix (e.g. 32Gi)")
	poolCreateCmd.Flags().Int("max-workers", 0, "Worker cap, 0 = unlimited")
	poolCreateCmd.Flags().Int("max-concurrent", 0, "Concurrent job cap, 0 = unlimited")
	poolCreateCmd.Flags().String("type", "", "Pool type label")

	rootCmd.AddCommand(poolCmd)
}

// Worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		poolID, _ := cmd.Flags().GetString("pool")

		workers, err := apiClient(cmd).ListWorkers(ctx, poolID)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPOOL\tSTATUS\tACTIVE-EXECUTION\tLAST-HEARTBEAT")
		for _, wk := range workers {
			active := wk.ActiveExecutionID
			if active == "" {
				active = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n",
				wk.ID, wk.PoolID, wk.Status, active, age(wk.LastHeartbeat))
		}
		return w.Flush()
	},
}

var workerDrainCmd = &cobra.Command{
	Use:   "drain ID",
	Short: "Drain a worker: finish its current task, take no new ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		worker, err := apiClient(cmd).DrainWorker(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Worker draining: %s (status: %s)\n", worker.ID, worker.Status)
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerDrainCmd)

	workerCmd.PersistentFlags().String("pool", "", "Filter by pool id")
	workerCmd.PersistentFlags().String("server", "http://localhost:8080", "Orchestrator API address")

	rootCmd.AddCommand(workerCmd)
}

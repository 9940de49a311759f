package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a pipeline job from a YAML file",
	Long: `Submit a job definition to a running orchestrator.

Examples:
  # Submit and return immediately
  drover submit -f job.yaml

  # Submit and stream execution events until the run finishes
  drover submit -f job.yaml --watch`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "YAML job file (required)")
	submitCmd.Flags().String("server", "http://localhost:8080", "Orchestrator API address")
	submitCmd.Flags().Bool("watch", false, "Stream execution events until the run finishes")
	_ = submitCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(submitCmd)
}

// jobFile is the YAML job definition. Spec stays generic; the API is the
// schema authority.
type jobFile struct {
	Name                 string                 `yaml:"name"`
	Priority             interface{}            `yaml:"priority"`
	TemplateID           string                 `yaml:"templateId"`
	TemplateVersion      string                 `yaml:"templateVersion"`
	Strategy             string                 `yaml:"strategy"`
	MaxRetries           int                    `yaml:"maxRetries"`
	ResourceRequirements map[string]string      `yaml:"resourceRequirements"`
	Spec                 map[string]interface{} `yaml:"spec"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	server, _ := cmd.Flags().GetString("server")
	watch, _ := cmd.Flags().GetBool("watch")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}

	priority, err := coercePriority(jf.Priority)
	if err != nil {
		return err
	}
	req := client.JobRequest{
		Name:                 jf.Name,
		Priority:             priority,
		TemplateID:           jf.TemplateID,
		TemplateVersion:      jf.TemplateVersion,
		Strategy:             jf.Strategy,
		MaxRetries:           jf.MaxRetries,
		ResourceRequirements: jf.ResourceRequirements,
	}
	if len(jf.Spec) > 0 {
		req.Spec = jf.Spec
	}

	ctx, cancel := signalContext()
	defer cancel()
	c := client.New(server)

	fmt.Printf("Submitting job: %s\n", jf.Name)
	out, err := c.SubmitJob(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Job submitted: %s (ID: %s)\n", out.Job.Name, out.Job.ID)
	fmt.Printf("  Execution: %s\n", out.Execution.ID)

	if !watch {
		return nil
	}
	fmt.Println()
	return watchExecution(ctx, c, out.Execution.ID)
}

// watchExecution tails the execution's event stream until the final
// update. A failed run becomes the command's error.
func watchExecution(ctx context.Context, c *client.Client, executionID string) error {
	var final types.ExecutionUpdate
	err := c.WatchEvents(ctx, executionID, func(u types.ExecutionUpdate) bool {
		if u.Message != "" {
			fmt.Printf("  [%s] %s\n", u.EventType, u.Message)
		} else {
			fmt.Printf("  [%s]\n", u.EventType)
		}
		if u.Final {
			final = u
		}
		return true
	})
	if err != nil {
		return err
	}

	switch final.EventType {
	case types.EventExecutionCompleted:
		fmt.Println("✓ Execution completed")
		return nil
	case types.EventExecutionCancelled:
		fmt.Println("Execution cancelled")
		return nil
	default:
		if final.Message != "" {
			return fmt.Errorf("execution failed: %s", final.Message)
		}
		return fmt.Errorf("execution failed")
	}
}

// coercePriority accepts a bare number or a named level.
func coercePriority(v interface{}) (int, error) {
	switch p := v.(type) {
	case nil:
		return 0, nil
	case int:
		return p, nil
	case string:
		parsed, err := types.ParsePriority(strings.ToUpper(p))
		if err != nil {
			return 0, err
		}
		return int(parsed), nil
	default:
		return 0, fmt.Errorf("priority must be a number or a level name, got %T", v)
	}
}

package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/types"
)

const logChunkSize = 16 * 1024

// Sink receives execution output as it is produced. Implementations must
// be safe for concurrent use; stdout and stderr are pumped in parallel.
type Sink interface {
	Event(eventType types.EventType, message string)
	Log(stream types.LogStream, content []byte)
}

// Executor runs pipeline definitions on the local host. Tasks run
// sequentially; the first failure stops the pipeline.
type Executor struct {
	shell     string
	kotlinBin string
	workdir   string
	logger    zerolog.Logger
}

// NewExecutor creates an executor. Shell defaults to /bin/sh, the kotlin
// runner to "kotlin", and the working directory to the OS temp dir.
func NewExecutor(shell, kotlinBin, workdir string) *Executor {
	if shell == "" {
		shell = "/bin/sh"
	}
	if kotlinBin == "" {
		kotlinBin = "kotlin"
	}
	if workdir == "" {
		workdir = os.TempDir()
	}
	return &Executor{
		shell:     shell,
		kotlinBin: kotlinBin,
		workdir:   workdir,
		logger:    log.WithComponent("executor"),
	}
}

// Run executes the definition and returns the verdict. Cancelling ctx
// kills the running task; the returned result then reports failure with
// the kill exit code.
func (x *Executor) Run(ctx context.Context, def *protocol.Definition, sink Sink) *protocol.ExecutionResult {
	total := len(def.Tasks)
	sink.Event(types.EventExecutionStarted, fmt.Sprintf("running %s (%d tasks)", def.JobName, total))

	for i, task := range def.Tasks {
		step := fmt.Sprintf("step %d/%d", i+1, total)
		sink.Event(types.EventStepStarted, step+" started")

		code, err := x.runTask(ctx, task, def.Env, sink)
		if ctx.Err() != nil {
			return &protocol.ExecutionResult{
				Success:  false,
				ExitCode: code,
				Details:  step + " interrupted",
			}
		}
		if err != nil || code != 0 {
			detail := step + fmt.Sprintf(" failed (exit %d)", code)
			if err != nil {
				detail = step + " failed: " + err.Error()
			}
			sink.Event(types.EventStatusUpdate, detail)
			return &protocol.ExecutionResult{
				Success:  false,
				ExitCode: code,
				Details:  detail,
			}
		}

		sink.Event(types.EventStepCompleted, step+" completed")
	}

	return &protocol.ExecutionResult{Success: true, ExitCode: 0}
}

// runTask builds and runs the command for one task. The returned exit
// code follows shell conventions: 127 when the command cannot start, 137
// when the kill that backs ctx cancellation terminated it.
func (x *Executor) runTask(ctx context.Context, task types.Task, jobEnv map[string]string, sink Sink) (int, error) {
	cmd, cleanup, err := x.command(ctx, task, jobEnv)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return 127, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 127, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 127, err
	}

	if err := cmd.Start(); err != nil {
		sink.Log(types.LogStreamSystem, []byte(err.Error()+"\n"))
		return 127, err
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go x.pump(&pumps, stdout, types.LogStreamStdout, sink)
	go x.pump(&pumps, stderr, types.LogStreamStderr, sink)
	pumps.Wait()

	err = cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		// CommandContext kills with SIGKILL.
		code = 137
	}
	if _, isExit := err.(*exec.ExitError); isExit {
		// Non-zero exit is a task verdict, not an executor error.
		err = nil
	}
	return code, err
}

// command assembles the exec.Cmd for a task variant. The cleanup removes
// any script file materialized for the run.
func (x *Executor) command(ctx context.Context, task types.Task, jobEnv map[string]string) (*exec.Cmd, func(), error) {
	switch {
	case task.Shell != nil:
		cmd := exec.CommandContext(ctx, x.shell, "-c", task.Shell.Command)
		cmd.Dir = task.Shell.Workdir
		if cmd.Dir == "" {
			cmd.Dir = x.workdir
		}
		cmd.Env = mergeEnv(os.Environ(), jobEnv, task.Shell.Env)
		return cmd, nil, nil

	case task.KotlinScript != nil:
		script, err := os.CreateTemp(x.workdir, "task-*.main.kts")
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() { _ = os.Remove(script.Name()) }
		if _, err := script.WriteString(task.KotlinScript.Content); err != nil {
			script.Close()
			return nil, cleanup, err
		}
		if err := script.Close(); err != nil {
			return nil, cleanup, err
		}

		args := make([]string, 0, 3)
		if libs := task.KotlinScript.Libraries; len(libs) > 0 {
			args = append(args, "-cp", strings.Join(libs, ":"))
		}
		args = append(args, script.Name())
		cmd := exec.CommandContext(ctx, x.kotlinBin, args...)
		cmd.Dir = x.workdir
		cmd.Env = mergeEnv(os.Environ(), jobEnv, nil)
		return cmd, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("task has no runnable variant")
	}
}

// pump forwards process output to the sink in bounded chunks, preserving
// raw bytes.
func (x *Executor) pump(wg *sync.WaitGroup, r io.Reader, stream types.LogStream, sink Sink) {
	defer wg.Done()
	buf := make([]byte, logChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink.Log(stream, chunk)
		}
		if err != nil {
			if err != io.EOF {
				x.logger.Debug().Err(err).Str("stream", string(stream)).Msg("Output pump ended")
			}
			return
		}
	}
}

// mergeEnv layers job env then task env over the base environment; later
// layers win.
func mergeEnv(base []string, layers ...map[string]string) []string {
	out := append([]string(nil), base...)
	for _, layer := range layers {
		for k, v := range layer {
			out = append(out, k+"="+v)
		}
	}
	return out
}

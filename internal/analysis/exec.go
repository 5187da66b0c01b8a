package analysis

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/shlex"
	"github.com/lisa-sandbox/lisa-api/internal/artifact"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const killGracePeriod = 5 * time.Second

// ExecAnalyzer runs the engine as a local process. The command template is
// split without a shell; placeholders are substituted per argument so paths
// with spaces stay intact.
type ExecAnalyzer struct {
	args      []string
	artifacts ArtifactWriter
}

func NewExecAnalyzer(command string, artifacts ArtifactWriter) (*ExecAnalyzer, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid analyzer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("analyzer command is empty")
	}
	return &ExecAnalyzer{args: args, artifacts: artifacts}, nil
}

func (e *ExecAnalyzer) Command(req Request) []string {
	r := placeholders(req, req.InputPath, req.WorkDir)
	out := make([]string, len(e.args))
	for i, a := range e.args {
		out[i] = r.Replace(a)
	}
	return out
}

func (e *ExecAnalyzer) Analyze(ctx context.Context, req Request) (Output, error) {
	argv := e.Command(req)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = killGracePeriod
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	zap.S().Named("analyzer").Infow("running analyzer", "task_id", req.TaskID, "mode", req.Mode, "command", argv)
	runErr := cmd.Run()

	if stderr.Len() > 0 && e.artifacts != nil {
		if err := e.artifacts.Write(req.TaskID, artifact.MachineLogFile, stderr.Bytes()); err != nil {
			zap.S().Named("analyzer").Warnw("failed to store machine log", "task_id", req.TaskID, "error", err)
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "analyzer interrupted")
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, errors.WithStack(&ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()})
		}
		return nil, errors.Wrap(runErr, "starting analyzer")
	}

	return decodeOutput(stdout.Bytes())
}

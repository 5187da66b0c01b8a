package analysis

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/lisa-sandbox/lisa-api/internal/artifact"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	containerTaskDir = "/task"
	containerMemory  = 2 << 30
	containerCPUs    = 2_000_000_000
)

// DockerAnalyzer runs the engine image with the task directory mounted and
// networking disabled. One container per task, removed after the run.
type DockerAnalyzer struct {
	cli       *client.Client
	image     string
	artifacts ArtifactWriter
}

func NewDockerAnalyzer(image string, artifacts ArtifactWriter) (*DockerAnalyzer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerAnalyzer{cli: cli, image: image, artifacts: artifacts}, nil
}

func (d *DockerAnalyzer) Close() error {
	return d.cli.Close()
}

func (d *DockerAnalyzer) Analyze(ctx context.Context, req Request) (Output, error) {
	logger := zap.S().Named("analyzer")
	config, hostConfig := d.containerSpec(req)

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "lisa-"+req.TaskID)
	if err != nil {
		return nil, errors.Wrap(err, "creating analyzer container")
	}
	defer func() {
		// ctx may already be cancelled here
		if err := d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warnw("failed to remove analyzer container", "task_id", req.TaskID, "container", resp.ID, "error", err)
		}
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, errors.Wrap(err, "starting analyzer container")
	}
	logger.Infow("analyzer container started", "task_id", req.TaskID, "container", resp.ID, "image", d.image)

	var exitCode int64
	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, errors.Wrap(err, "waiting for analyzer container")
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "analyzer interrupted")
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, errors.Wrap(err, "reading analyzer logs")
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, errors.Wrap(err, "demultiplexing analyzer logs")
	}

	if stderr.Len() > 0 && d.artifacts != nil {
		if err := d.artifacts.Write(req.TaskID, artifact.MachineLogFile, stderr.Bytes()); err != nil {
			logger.Warnw("failed to store machine log", "task_id", req.TaskID, "error", err)
		}
	}

	if exitCode != 0 {
		return nil, errors.WithStack(&ExitError{Code: int(exitCode), Stderr: stderr.String()})
	}
	return decodeOutput(stdout.Bytes())
}

func (d *DockerAnalyzer) containerSpec(req Request) (*container.Config, *container.HostConfig) {
	input := filepath.Join(containerTaskDir, filepath.Base(req.InputPath))
	return &container.Config{
			Image: d.image,
			Cmd: []string{
				"--mode", req.Mode,
				"--input", input,
				"--output", containerTaskDir,
				"--exec-time", strconv.Itoa(req.ExecTime),
			},
			WorkingDir: containerTaskDir,
			Labels:     map[string]string{"lisa.task_id": req.TaskID},
		}, &container.HostConfig{
			Binds:       []string{req.WorkDir + ":" + containerTaskDir},
			NetworkMode: "none",
			Resources: container.Resources{
				Memory:   containerMemory,
				NanoCPUs: containerCPUs,
			},
		}
}

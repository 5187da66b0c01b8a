package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	ModePcap = "pcap"
	ModeFull = "full"
)

// Request describes one run of the analysis engine.
type Request struct {
	TaskID    string
	Mode      string
	InputPath string
	WorkDir   string
	ExecTime  int
}

// Output is the structured report produced by the engine.
type Output map[string]any

type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Output, error)
}

// ArtifactWriter stores byproduct logs next to the task input.
type ArtifactWriter interface {
	Write(taskID, name string, data []byte) error
}

// ExitError is returned when the engine terminates with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("analyzer exited with status %d", e.Code)
	if tail := lastLine(e.Stderr); tail != "" {
		msg = fmt.Sprintf("%s: %s", msg, tail)
	}
	return msg
}

// InvalidOutputError is returned when the engine output is not a JSON object.
type InvalidOutputError struct {
	Reason string
}

func (e *InvalidOutputError) Error() string {
	return "invalid analyzer output: " + e.Reason
}

// InsufficientResourcesError is returned by the resource guard before a run.
type InsufficientResourcesError struct {
	Resource  string
	Available uint64
	Required  uint64
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("not enough free %s: available %d, required %d", e.Resource, e.Available, e.Required)
}

func IsInsufficientResources(err error) bool {
	var target *InsufficientResourcesError
	return errors.As(err, &target)
}

func decodeOutput(stdout []byte) (Output, error) {
	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return nil, errors.WithStack(&InvalidOutputError{Reason: "empty output"})
	}
	out := Output{}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, errors.WithStack(&InvalidOutputError{Reason: err.Error()})
	}
	return out, nil
}

func placeholders(req Request, input, workdir string) *strings.Replacer {
	return strings.NewReplacer(
		"{mode}", req.Mode,
		"{input}", input,
		"{workdir}", workdir,
		"{exec_time}", strconv.Itoa(req.ExecTime),
		"{task_id}", req.TaskID,
	)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

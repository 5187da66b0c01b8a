package service

import (
	"fmt"
)

// Error codes returned to API clients. They are stable and distinct per cause.
const (
	CodeNotFound       = 1000
	CodeInternal       = 1001
	CodeNoPcapArtifact = 1003
	CodeNoJSONReport   = 1004
	CodeNoMachineLog   = 1005
	CodeNoConsoleLog   = 1006

	CodeBadPretty   = 2000
	CodeTooLarge    = 2001
	CodeNoPcap      = 2010
	CodePcapNoName  = 2011
	CodeNoFileOrURL = 2020
	CodeFileNoName  = 2021
	CodeBadExecTime = 2022
	CodeFileAndURL  = 2023
	CodeUnreachable = 2024
	CodeMalformed   = 2025
	CodeFetchFailed = 2026
	CodeReserved    = 2027

	CodeBadLimit = 3000
)

type ErrInvalidInput struct {
	error
	code int
}

func (e *ErrInvalidInput) Code() int {
	return e.code
}

func NewErrInvalidInput(code int, format string, args ...any) *ErrInvalidInput {
	return &ErrInvalidInput{error: fmt.Errorf(format, args...), code: code}
}

func NewErrBadPretty(value string) *ErrInvalidInput {
	return NewErrInvalidInput(CodeBadPretty, "pretty must be true or false, got %q", value)
}

func NewErrBadLimit(value string) *ErrInvalidInput {
	return NewErrInvalidInput(CodeBadLimit, "limit must be a positive integer, got %q", value)
}

func NewErrBadExecTime(value string, min, max int) *ErrInvalidInput {
	return NewErrInvalidInput(CodeBadExecTime, "exec_time must be an integer between %d and %d, got %q", min, max, value)
}

func NewErrTooLarge(limit int64) *ErrInvalidInput {
	return NewErrInvalidInput(CodeTooLarge, "upload exceeds %d bytes", limit)
}

type ErrUnreachableResource struct {
	error
}

func (e *ErrUnreachableResource) Code() int {
	return CodeUnreachable
}

func NewErrUnreachableResource(url string, cause error) *ErrUnreachableResource {
	return &ErrUnreachableResource{fmt.Errorf("resource %s is unreachable: %w", url, cause)}
}

type ErrFetchFailed struct {
	error
}

func (e *ErrFetchFailed) Code() int {
	return CodeFetchFailed
}

func NewErrFetchFailed(url string, cause error) *ErrFetchFailed {
	return &ErrFetchFailed{fmt.Errorf("failed to fetch %s: %w", url, cause)}
}

type ErrNotFound struct {
	error
	code int
}

func (e *ErrNotFound) Code() int {
	return e.code
}

func NewErrNotFound(code int, taskID, artifact string) *ErrNotFound {
	return &ErrNotFound{error: fmt.Errorf("%s for task %s not found", artifact, taskID), code: code}
}

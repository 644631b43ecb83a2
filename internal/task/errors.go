package task

import "errors"

// Operation errors returned by Manager methods.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskActive   = errors.New("task is already active")
	ErrInvalidState = errors.New("operation not allowed in the current state")
	ErrPathInUse    = errors.New("a download is already using this path")
	ErrFileExists   = errors.New("destination file already exists")
	ErrInvalidURL   = errors.New("invalid download url")
	ErrInvalidPath  = errors.New("invalid destination file name")
	ErrInvalidLimit = errors.New("concurrency limit must be at least 1")
	ErrClosed       = errors.New("manager is shutting down")
)

// Transfer failures. Workers record them on the task instead of returning
// them; they are wrapped together with their cause.
var (
	ErrProbeFailed       = errors.New("probe failed")
	ErrResumeUnsupported = errors.New("server does not support resume")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrFilesystemFailed  = errors.New("filesystem operation failed")
)

// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package defs

import (
	"errors"
	"fmt"
)

// ErrNotFound marks lookups for modules, stacks, versions or deployments
// that do not exist. Never retried.
var ErrNotFound = errors.New("not found")

// ValidationError reports a claim or manifest that fails a contract. The
// message is surfaced to the caller verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// DeprecatedError rejects a new deployment that pins a deprecated version.
type DeprecatedError struct {
	Module  string
	Version string
	Message string
}

func (e *DeprecatedError) Error() string {
	return fmt.Sprintf("module %s version %s is deprecated: %s", e.Module, e.Version, e.Message)
}

// JobAlreadyInProgressError is returned by the in-flight gate; JobID is the
// currently running job.
type JobAlreadyInProgressError struct {
	DeploymentID string
	Environment  string
	JobID        string
}

func (e *JobAlreadyInProgressError) Error() string {
	return fmt.Sprintf(
		"A job for this deployment is already in progress (deployment %s in %s, job id: %s), please wait for it to finish",
		e.DeploymentID, e.Environment, e.JobID,
	)
}

// IntegrityError reports an OCI digest/size mismatch, an attestation or
// policy denial, or a signature mismatch. Never silently downgraded.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string { return e.Msg }

// Integrityf builds an IntegrityError from a format string.
func Integrityf(format string, args ...any) error {
	return &IntegrityError{Msg: fmt.Sprintf(format, args...)}
}

// JobIDMismatchError is fatal: the runner's environment job id differs from
// the job id recorded on the deployment, so its variables cannot be trusted.
type JobIDMismatchError struct {
	EnvJobID      string
	RecordedJobID string
}

func (e *JobIDMismatchError) Error() string {
	return fmt.Sprintf(
		"job id mismatch: running job %q but deployment records %q, refusing to continue since environment variables cannot be trusted",
		e.EnvJobID, e.RecordedJobID,
	)
}

// ExecutionError wraps a non-zero exit from a terraform invocation.
type ExecutionError struct {
	Command string
	Output  string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("terraform %s failed: %v", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

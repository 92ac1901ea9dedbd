/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kinderr carries the stable error-kind vocabulary shared by every
// core component (SSHTransport, LocalForwarder, RemoteBrowser, CDPMux,
// PageAdapter, SessionOrchestrator) so the GUI/CLI boundary can recover a
// machine-checkable code without parsing error text, while internals still
// compose errors with gravitational/trace.
package kinderr

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind is one of the stable error codes named in the error handling design.
type Kind string

const (
	Auth                 Kind = "auth"
	TransportNotConnected Kind = "transport/not-connected"
	Connection           Kind = "connection"
	Timeout              Kind = "timeout"
	Exec                 Kind = "exec"
	PortForward          Kind = "port-forward"
	BrowserNotFound      Kind = "browser/not-found"
	BrowserLaunchFailed  Kind = "browser/launch-failed"
	BrowserLaunchTimeout Kind = "browser/launch-timeout"
	CDPTransportClosed   Kind = "cdp/transport-closed"
	CDPTimeout           Kind = "cdp/timeout"
	CDPProtocol          Kind = "cdp/protocol"
	CDPNoTarget          Kind = "cdp/no-target"
	PageNavFailed        Kind = "page/nav-failed"
	PageNavTimeout       Kind = "page/nav-timeout"
	PageEvalFailed       Kind = "page/eval-failed"
	ConfigInvalid        Kind = "config/invalid"
	ConfigIO             Kind = "config/io"
	Validation           Kind = "validation"
	SessionStartFailed   Kind = "session/start-failed"
	SessionAlreadyActive Kind = "session/already-active"
	SessionNotActive     Kind = "session/not-active"
)

// Error wraps a trace.Error with a stable Kind so HTTP handlers and the CLI
// can switch on the code instead of matching message text.
type Error struct {
	kind   Kind
	detail string
	cause  error
}

// New builds an Error of the given kind, wrapping cause (if any) with
// trace.Wrap so stack traces survive through the usual trace machinery.
func New(kind Kind, detail string, cause error) *Error {
	if cause != nil {
		cause = trace.Wrap(cause)
	}
	return &Error{kind: kind, detail: detail, cause: cause}
}

// Newf is New with a formatted detail string.
func Newf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...), cause)
}

func (e *Error) Error() string {
	if e.cause != nil {
		if e.detail == "" {
			return fmt.Sprintf("%s: %v", e.kind, e.cause)
		}
		return fmt.Sprintf("%s: %s: %v", e.kind, e.detail, e.cause)
	}
	if e.detail == "" {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's stable code.
func (e *Error) Kind() Kind { return e.kind }

// kinded is implemented by *Error and by every error type that embeds it
// (ExecError, ValidationError, ProtocolError).
type kinded interface {
	Kind() Kind
}

// Is reports whether err carries the given Kind, unwrapping trace.TraceErr
// and standard wrapping along the way.
func Is(err error, kind Kind) bool {
	var ke kinded
	if errors.As(err, &ke) {
		return ke.Kind() == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var ke kinded
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return ""
}

// ExecError carries an exec(exitCode,stderr) failure.
type ExecError struct {
	*Error
	ExitCode int
	Stderr   string
}

// NewExecError builds an ExecError for a failed remote command.
func NewExecError(cmd string, exitCode int, stderr string, cause error) *ExecError {
	return &ExecError{
		Error:    New(Exec, fmt.Sprintf("command %q exited %d", cmd, exitCode), cause),
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}

// ValidationError carries a validation(field) failure.
type ValidationError struct {
	*Error
	Field string
}

// NewValidationError builds a ValidationError for a single invalid field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{
		Error: New(Validation, fmt.Sprintf("%s: %s", field, reason), nil),
		Field: field,
	}
}

// ProtocolError carries a cdp/protocol(method,code,message) failure.
type ProtocolError struct {
	*Error
	Method string
	Code   int
}

// NewProtocolError builds a ProtocolError for a CDP error response.
func NewProtocolError(method string, code int, message string) *ProtocolError {
	return &ProtocolError{
		Error:  New(CDPProtocol, fmt.Sprintf("%s: %s (code %d)", method, message, code), nil),
		Method: method,
		Code:   code,
	}
}

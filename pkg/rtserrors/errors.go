// Copyright 2025 East Asian Observatory
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rtserrors defines the status codes and error types used across the
// coordination framework. Every failure a command can surface carries one of
// these codes so that peers waiting on a progress parameter can classify it.
package rtserrors

import (
	"errors"
	"fmt"
)

// Code identifies a failure class in the client's status table.
type Code int32

const (
	// CodeNone is the zero value and never attached to a real error.
	CodeNone Code = 0

	// CodeGeneral covers failures without a more specific code, including
	// cancellation of an in-flight command.
	CodeGeneral Code = iota + 0x5000

	// CodeNotInitialised rejects a command issued before INITIALISE completed.
	CodeNotInitialised

	// CodeNotConfigured rejects a command issued before CONFIGURE completed.
	CodeNotConfigured

	// CodeNotSetup rejects SEQUENCE before SETUP_SEQUENCE completed.
	CodeNotSetup

	// CodeActionWhileSeqActive rejects a command issued while a sequence is
	// still running.
	CodeActionWhileSeqActive

	// CodeCohortFailure reports that a waited-on task published its failure
	// value.
	CodeCohortFailure

	// CodeContinuityBroken reports a gap or reorder in the sequencer's frame
	// numbers. Always fatal to the running sequence.
	CodeContinuityBroken

	// CodeBadArgument reports a command argument outside its documented
	// domain.
	CodeBadArgument
)

// String returns the symbolic name of the code.
func (c Code) String() string {
	switch c {
	case CodeNone:
		return "NONE"
	case CodeGeneral:
		return "GERROR"
	case CodeNotInitialised:
		return "NOT_INITIALISED"
	case CodeNotConfigured:
		return "NOT_CONFIGURED"
	case CodeNotSetup:
		return "NOT_SETUP"
	case CodeActionWhileSeqActive:
		return "ACTION_WHILE_SEQ_ACTIVE"
	case CodeCohortFailure:
		return "COHORT_FAILURE"
	case CodeContinuityBroken:
		return "CONTINUITY_BROKEN"
	case CodeBadArgument:
		return "BAD_ARGUMENT"
	default:
		return fmt.Sprintf("CODE_%d", int32(c))
	}
}

// Status is an error carrying a numeric status code and an optional cause.
type Status struct {
	Cause   error
	Message string
	Code    Code
}

// Error implements the error interface.
func (s *Status) Error() string {
	if s.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", s.Code, s.Message, s.Cause)
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Unwrap returns the underlying cause, if any.
func (s *Status) Unwrap() error {
	return s.Cause
}

// New returns a Status error with the given code and formatted message.
func New(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a Status error with the given code wrapping err.
func Wrap(code Code, err error, message string) *Status {
	return &Status{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the status code from err, or CodeNone if err carries none.
func CodeOf(err error) Code {
	var s *Status
	if errors.As(err, &s) {
		return s.Code
	}
	var cf *CohortFailureError
	if errors.As(err, &cf) {
		return CodeCohortFailure
	}
	var ce *ContinuityError
	if errors.As(err, &ce) {
		return CodeContinuityBroken
	}
	return CodeNone
}

// IsCode reports whether err carries the given status code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsPrecondition reports whether err is a command-ordering rejection.
// Precondition violations are never retried.
func IsPrecondition(err error) bool {
	switch CodeOf(err) {
	case CodeNotInitialised, CodeNotConfigured, CodeNotSetup, CodeActionWhileSeqActive:
		return true
	}
	return false
}

// CohortFailureError reports that a task in a wait cohort published the
// cohort's failure value.
type CohortFailureError struct {
	Task  string
	Param string
	Value int64
}

// Error implements the error interface.
func (e *CohortFailureError) Error() string {
	return fmt.Sprintf("task %s bad %s: %d", e.Task, e.Param, e.Value)
}

// ContinuityError reports a frame-number discontinuity from the sequencer.
type ContinuityError struct {
	Expected int64
	Got      int64
}

// Error implements the error interface.
func (e *ContinuityError) Error() string {
	return fmt.Sprintf("frame continuity broken: expected %d, got %d", e.Expected, e.Got)
}

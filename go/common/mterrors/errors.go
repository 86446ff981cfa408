// Copyright 2026 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mterrors defines the error kinds surfaced by the managed connection
// pool and helpers to classify driver errors.
package mterrors

import (
	"errors"
	"strings"
)

// Error kinds. Every error produced by the pool layers wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	// ErrConfiguration is fatal: the pool is misconfigured (for example the
	// connection supplier produced no connection). It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrCreation means a new connection could not be initialized or wrapped.
	// The partially built connection has already been closed.
	ErrCreation = errors.New("connection creation failed")

	// ErrStatement means a statement could not be prepared or cached. The
	// owning connection should be treated as broken.
	ErrStatement = errors.New("statement error")

	// ErrIllegalState is a transaction protocol violation, such as a direct
	// commit on a connection enlisted in a distributed transaction.
	ErrIllegalState = errors.New("illegal state")
)

// Error is a classified error. Kind is one of the sentinel kinds above, Op
// names the failing operation and Err, if set, is the underlying cause.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
// Format: "<kind>: <op>: <message>: <cause>", skipping empty parts.
func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Kind != nil {
		parts = append(parts, e.Kind.Error())
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewConfigurationError returns an ErrConfiguration error.
func NewConfigurationError(op, msg string, cause error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Message: msg, Err: cause}
}

// NewCreationError returns an ErrCreation error.
func NewCreationError(op, msg string, cause error) error {
	return &Error{Kind: ErrCreation, Op: op, Message: msg, Err: cause}
}

// NewStatementError returns an ErrStatement error.
func NewStatementError(op, msg string, cause error) error {
	return &Error{Kind: ErrStatement, Op: op, Message: msg, Err: cause}
}

// NewIllegalStateError returns an ErrIllegalState error.
func NewIllegalStateError(op, msg string) error {
	return &Error{Kind: ErrIllegalState, Op: op, Message: msg}
}

func IsConfigurationError(err error) bool { return errors.Is(err, ErrConfiguration) }

func IsCreationError(err error) bool { return errors.Is(err, ErrCreation) }

func IsStatementError(err error) bool { return errors.Is(err, ErrStatement) }

func IsIllegalStateError(err error) bool { return errors.Is(err, ErrIllegalState) }

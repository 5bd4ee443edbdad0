// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fwtrust.
//
// go-fwtrust is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package status defines the closed set of outcome codes shared by every
// component of the firmware trust subsystem. Components declare sentinel
// errors with New and wrap internal causes with fmt.Errorf("%w: %w"), so
// callers can use errors.Is against the sentinel and CodeOf to classify
// the failure.
package status

import "errors"

// Code is a firmware trust outcome.
type Code int

const (
	OK Code = iota
	InvalidArgument
	NotFound
	StorageFailure
	HardwareFailure
	VerificationFailure
	OutOfResources
)

var codeNames = map[Code]string{
	OK:                  "ok",
	InvalidArgument:     "invalid_argument",
	NotFound:            "not_found",
	StorageFailure:      "storage_failure",
	HardwareFailure:     "hardware_failure",
	VerificationFailure: "verification_failure",
	OutOfResources:      "out_of_resources",
}

// String returns the snake_case name of the code, used for metric labels
// and CLI output.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Error is a sentinel error carrying a status Code.
type Error struct {
	code Code
	msg  string
}

// New returns a sentinel error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// Code returns the status code of the error.
func (e *Error) Code() Code {
	return e.code
}

// Generic sentinels used where a component has no more specific error.
var (
	ErrInvalidArgument     = New(InvalidArgument, "fwtrust: invalid argument")
	ErrNotFound            = New(NotFound, "fwtrust: not found")
	ErrStorageFailure      = New(StorageFailure, "fwtrust: storage failure")
	ErrHardwareFailure     = New(HardwareFailure, "fwtrust: hardware failure")
	ErrVerificationFailure = New(VerificationFailure, "fwtrust: verification failure")
	ErrOutOfResources      = New(OutOfResources, "fwtrust: out of resources")
)

// CodeOf classifies err. A nil error is OK. Errors that carry no code,
// including context deadline and cancellation errors raised while waiting
// on the hardware root, are hardware failures.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.code
	}
	return HardwareFailure
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

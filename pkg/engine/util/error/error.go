/*
Copyright 2025 The Malloc Authors.

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

package error

import (
	"errors"
	"fmt"
)

// Error is an error struct for errors returned by the adaptation engine.
type Error struct {
	Code string
	Msg  string
}

const (
	Unknown = "Unknown"
	// BadConfiguration marks invalid startup configuration (bad weight
	// table, invalid constants). Fatal: the process refuses to serve.
	BadConfiguration = "BadConfiguration"
	// InvalidInput marks a signal out of range or a stale signal. The
	// offending evaluation fails; the session keeps its previous state.
	InvalidInput = "InvalidInput"
	// Timeout marks a task that exceeded its hard deadline. Non-fatal; the
	// session falls back to its previous adaptation command.
	Timeout = "Timeout"
	// ContractViolation marks a broken internal invariant. Fatal for the
	// task; the session is closed defensively.
	ContractViolation = "ContractViolation"
	// ConnectionError marks a transport failure. Triggers the session's
	// reconnecting state rather than termination.
	ConnectionError = "ConnectionError"
)

// Error returns a string version of the error.
func (e Error) Error() string {
	return fmt.Sprintf("adaptation engine: %s - %s", e.Code, e.Msg)
}

// CanonicalCode returns the error's code, unwrapping as needed.
func CanonicalCode(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

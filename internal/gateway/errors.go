// Copyright 2026 The OpenTrusty Authors
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

package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure. Downstream policy switches on this
// closed set only.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNetwork      Kind = "network"
	KindValidation   Kind = "validation"
	KindUnknown      Kind = "unknown"
)

// Error is the error returned by every Gateway operation
type Error struct {
	Op      string // gateway operation, e.g. "select_tenant"
	Kind    Kind
	Status  int // HTTP status, 0 when no response was received
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("gateway %s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindFromStatus maps an HTTP status to a Kind
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity,
		status == http.StatusNotFound, status == http.StatusConflict:
		return KindValidation
	default:
		return KindUnknown
	}
}

// KindOf returns the Kind of err, KindUnknown for foreign errors
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindUnknown
}

// IsAuth reports whether err means "not authenticated for this context".
// 401 and 403 are treated identically.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindUnauthorized || k == KindForbidden
}

// IsNetwork reports whether err is a connectivity failure
func IsNetwork(err error) bool {
	return err != nil && KindOf(err) == KindNetwork
}

// IsValidation reports whether err rejected the input
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

// Validation creates a client-side validation error; no request is made.
func Validation(op, message string) *Error {
	return &Error{Op: op, Kind: KindValidation, Message: message}
}

// ValidationWrap creates a validation error carrying a domain cause
func ValidationWrap(op string, err error) *Error {
	return &Error{Op: op, Kind: KindValidation, Err: err}
}

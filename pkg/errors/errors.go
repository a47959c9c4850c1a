/*
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

// Package errors defines the pipeline error taxonomy. Errors carry a Kind
// rather than a type hierarchy; stages classify failures by kind to decide
// between retry, fall-through, and surfacing a diagnostic. Only fatal kinds
// ever reach the caller of Process.
package errors

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	// KindConfigInvalid is fatal at pipeline construction, never inside a request.
	KindConfigInvalid Kind = "ConfigInvalid"
	// KindNoModelsAvailable means the NER stage could not pick any model; fatal for the request.
	KindNoModelsAvailable Kind = "NoModelsAvailable"
	// KindStageDeadlineExceeded is recovered: the stage keeps its partial output.
	KindStageDeadlineExceeded Kind = "StageDeadlineExceeded"
	// KindComponentTimeout is recovered per model or per KB; the stage falls through.
	KindComponentTimeout Kind = "ComponentTimeout"
	// KindComponentError is a recoverable transient, retried once before being
	// treated as a timeout.
	KindComponentError Kind = "ComponentError"
	// KindTrustRejected occurs at registration time only.
	KindTrustRejected Kind = "TrustRejected"
	// KindCacheCorrupted drops the entry and falls through to the backend.
	KindCacheCorrupted Kind = "CacheCorrupted"
	// KindCancelRequested returns the current best-effort result.
	KindCancelRequested Kind = "CancelRequested"
)

// Error wraps a cause with its taxonomy kind and, when known, the component
// that produced it.
type Error struct {
	Kind        Kind
	ComponentID string
	Err         error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) WithComponent(id string) *Error {
	e.ComponentID = id
	return e
}

func (e *Error) Error() string {
	if e.ComponentID != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.ComponentID, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the taxonomy kind of err, mapping bare context errors onto
// their kinds. Unclassified errors report KindComponentError since transient
// component failure is the only unclassified failure mode inside a request.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindComponentTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelRequested
	}
	return KindComponentError
}

func hasKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

func IsConfigInvalid(err error) bool         { return hasKind(err, KindConfigInvalid) }
func IsNoModelsAvailable(err error) bool     { return hasKind(err, KindNoModelsAvailable) }
func IsStageDeadlineExceeded(err error) bool { return hasKind(err, KindStageDeadlineExceeded) }
func IsComponentTimeout(err error) bool      { return hasKind(err, KindComponentTimeout) }
func IsComponentError(err error) bool        { return hasKind(err, KindComponentError) }
func IsTrustRejected(err error) bool         { return hasKind(err, KindTrustRejected) }
func IsCacheCorrupted(err error) bool        { return hasKind(err, KindCacheCorrupted) }
func IsCancelRequested(err error) bool       { return hasKind(err, KindCancelRequested) }

// IsFatal reports whether err must fail the request instead of degrading into
// a diagnostic.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfigInvalid, KindNoModelsAvailable:
		return true
	}
	return false
}

// IsRetryable reports whether a component failure should get its single
// in-budget retry. Timeouts and cancellations are not retried; the budget is
// already spent.
func IsRetryable(err error) bool {
	return hasKind(err, KindComponentError)
}

// Package detect queries cluster metadata through an auth-proxy route target
// and reports the outcome as a closed set of results.
//
// A detect call is both a liveness probe and a data refresh. Its outcome is
// one of Success, AuthError or TransientError; the connection health tracker
// switches on that type instead of probing error fields.
package detect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"clusterproxy/internal/suspend"
)

// Metadata is what a successful detect call learns about a cluster.
type Metadata struct {
	Version      string `json:"version"`
	Distribution string `json:"distribution"`
	// Accuracy of the distribution guess, 0-100.
	Accuracy int `json:"accuracy"`
}

// Result is the outcome of a detect call. The concrete types are Success,
// AuthError and TransientError; no other implementation exists.
type Result interface {
	isResult()
}

// Success carries the detected metadata.
type Success struct {
	Metadata Metadata
}

// AuthError means the cluster rejected our credentials, or the credentials
// could not be fetched at all.
type AuthError struct {
	// StatusCode is 401 for an HTTP rejection and 0 for a credential fetch failure.
	StatusCode int
	Err        error
}

// TransientKind narrows down a non-auth failure.
type TransientKind string

const (
	KindTimeout   TransientKind = "timeout"
	KindServer    TransientKind = "server"
	KindNetwork   TransientKind = "network"
	KindSuspended TransientKind = "suspended"
	// KindUnavailable covers a route target that could not be acquired,
	// e.g. the auth proxy failed to start.
	KindUnavailable TransientKind = "unavailable"
)

// TransientError is any failure that must not move the backoff state machine.
type TransientError struct {
	Kind TransientKind
	Err  error
}

func (Success) isResult()        {}
func (AuthError) isResult()      {}
func (TransientError) isResult() {}

func (e AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("credential fetch failed: %v", e.Err)
}

func (e AuthError) Unwrap() error { return e.Err }

func (e TransientError) Error() string {
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// TransportError is reported by transports that distinguish a failed request
// from a timed out one. Failed without TimedOut means the request never got
// credentials attached and counts as an authentication failure.
type TransportError struct {
	Failed   bool
	TimedOut bool
	Err      error
}

func (e *TransportError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("transport timed out: %v", e.Err)
	case e.Failed:
		return fmt.Sprintf("transport failed: %v", e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify maps an error returned by a detect transport onto a Result.
// A nil error is not a valid input; use Success instead.
func Classify(err error) Result {
	if errors.Is(err, suspend.ErrSystemSuspended) {
		return TransientError{Kind: KindSuspended, Err: err}
	}

	var terr *TransportError
	if errors.As(err, &terr) {
		if terr.TimedOut {
			return TransientError{Kind: KindTimeout, Err: err}
		}
		if terr.Failed {
			return AuthError{Err: err}
		}
	}

	var status apierrors.APIStatus
	if errors.As(err, &status) {
		code := int(status.Status().Code)
		switch {
		case code == http.StatusUnauthorized:
			return AuthError{StatusCode: code, Err: err}
		case code >= http.StatusInternalServerError:
			return TransientError{Kind: KindServer, Err: err}
		case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err):
			return TransientError{Kind: KindTimeout, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TransientError{Kind: KindTimeout, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return TransientError{Kind: KindTimeout, Err: err}
	}

	return TransientError{Kind: KindNetwork, Err: err}
}

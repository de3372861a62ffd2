// Package errs defines the error taxonomy shared by the fetch and
// cache layers: invalid requests, transient network faults, parse
// failures, permanent (retry-exhausted) failures, and quadtree shape
// violations.
package errs

import "fmt"

// Invalid wraps a request that failed pre-validation. Never retried.
type Invalid struct{ Reason string }

func (e Invalid) Error() string { return fmt.Sprintf("invalid request: %s", e.Reason) }

// Transient wraps a proxy or upstream fault eligible for backoff retry.
type Transient struct{ Cause error }

func (e Transient) Error() string { return fmt.Sprintf("transient: %v", e.Cause) }
func (e Transient) Unwrap() error { return e.Cause }

// Parse wraps bytes that downloaded but failed content validation
// (wrong dimensions/format, malformed body).
type Parse struct{ Cause error }

func (e Parse) Error() string { return fmt.Sprintf("parse failure: %v", e.Cause) }
func (e Parse) Unwrap() error { return e.Cause }

// Permanent wraps a request whose fail_count reached retry_count(R).
// The negative cache entry is authoritative until the cache is
// versioned out.
type Permanent struct{ Cause error }

func (e Permanent) Error() string { return fmt.Sprintf("permanent failure: %v", e.Cause) }
func (e Permanent) Unwrap() error { return e.Cause }

// Shape wraps a quadtree invariant violation (missing parent,
// duplicate child, vanished collaborator). Recovery is to despawn the
// offending subtree and move on; it is never a panic.
type Shape struct{ Reason string }

func (e Shape) Error() string { return fmt.Sprintf("shape error: %s", e.Reason) }

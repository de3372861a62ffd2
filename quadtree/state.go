package quadtree

import (
	"context"
	"math/rand"
	"time"
)

// DownloadStateKind tags which variant of DownloadState a node holds
// (§3/§4.1). Go has no tagged unions, so DownloadState carries all
// three payloads and Kind says which one is live.
type DownloadStateKind int

const (
	StatePending DownloadStateKind = iota
	StateStarted
	StateFinished
)

// DownloadState is the per-tile download axis, orthogonal to the tree
// shape (§4.1's state diagram).
type DownloadState struct {
	Kind DownloadStateKind

	// Pending fields. FailCount is carried through Started so that Fail
	// keeps counting from the previous Pending state.
	FailCount uint8
	TryAfter  time.Time

	// Started fields. Abort is the exclusive owner of the in-flight
	// download task (§3 "Ownership").
	Abort context.CancelFunc
}

// NewPendingState builds a fresh, immediately-eligible Pending state.
func NewPendingState() DownloadState {
	return DownloadState{Kind: StatePending}
}

// BackoffDelay implements the exponential backoff schedule from §4.1/
// §7: 2^fail_count seconds plus jitter in [0,1)s.
func BackoffDelay(failCount uint8, rng *rand.Rand) time.Duration {
	base := time.Duration(1<<failCount) * time.Second
	jitter := time.Duration(rng.Float64() * float64(time.Second))
	return base + jitter
}

// Start transitions Pending -> Started, per §4.1's state diagram.
func (s *DownloadState) Start(abort context.CancelFunc) {
	*s = DownloadState{Kind: StateStarted, FailCount: s.FailCount, Abort: abort}
}

// Succeed transitions Started -> Finished.
func (s *DownloadState) Succeed() {
	*s = DownloadState{Kind: StateFinished}
}

// Fail transitions Started -> Pending{fail_cnt+1, try_after}, per the
// exponential backoff rule.
func (s *DownloadState) Fail(now time.Time, rng *rand.Rand) {
	failCount := s.FailCount + 1
	*s = DownloadState{
		Kind:      StatePending,
		FailCount: failCount,
		TryAfter:  now.Add(BackoffDelay(failCount, rng)),
	}
}

// Reset forces the state back to a fresh Pending, aborting any running
// task first. Used by planet reconfiguration (§4.7) and by merge
// (§4.1's "abort any Started download in the subtree").
func (s *DownloadState) Reset() (aborted bool) {
	if s.Kind == StateStarted && s.Abort != nil {
		s.Abort()
		aborted = true
	}
	*s = DownloadState{Kind: StatePending}
	return aborted
}

// Ready reports whether a Pending node's backoff window has elapsed.
func (s DownloadState) Ready(now time.Time) bool {
	return s.Kind == StatePending && !s.TryAfter.After(now)
}

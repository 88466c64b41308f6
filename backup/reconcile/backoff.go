// Package reconcile implements the three control loops that drive a
// persistent task table toward a terminal state through bounded
// retry/backoff (C8): notifications, incomplete-run cleanup, and
// artifact deletion. All three share loop.go's claim/process/sleep
// shape and backoff.go's per-kind retry schedule.
package reconcile

import (
	"hash/fnv"
	"time"

	"github.com/relaybackup/engine/internal/errkind"
)

// Params is a per-error-kind backoff schedule: delay = base *
// 2^(attempts-1), capped at cap, plus a deterministic jitter in
// [0, maxJitter) derived from hash(run_id)+attempts (§4.8, §8
// "Backoff monotonicity ... stable (deterministic jitter)").
type Params struct {
	Base      time.Duration
	Cap       time.Duration
	MaxJitter time.Duration
}

// defaultParams is the aggressive network/HTTP retry schedule.
var defaultParams = Params{Base: 5 * time.Second, Cap: 10 * time.Minute, MaxJitter: 10 * time.Second}

// blockedParams is the long-backoff schedule for error kinds that
// retrying will not resolve without human intervention (auth,
// config): hours, not minutes.
var blockedParams = Params{Base: 1 * time.Hour, Cap: 12 * time.Hour, MaxJitter: 5 * time.Minute}

// ParamsFor selects the backoff schedule for an error kind.
func ParamsFor(kind errkind.Kind) Params {
	switch kind {
	case errkind.Auth, errkind.Config:
		return blockedParams
	default:
		return defaultParams
	}
}

// IsBlocking reports whether kind is one of the error kinds (auth,
// config) that ParamsFor gives the long blocked schedule. Loop does
// not call it: a task failing with these kinds is marked `retrying`
// with that schedule, not `blocked`.
func IsBlocking(kind errkind.Kind) bool {
	switch kind {
	case errkind.Auth, errkind.Config:
		return true
	default:
		return false
	}
}

// Delay computes the backoff duration for the given attempt count
// (1-indexed: the attempt that just failed), using a deterministic
// jitter derived from runID and attempts so repeated calls with the
// same inputs return the same delay (§8 "Backoff monotonicity").
func Delay(p Params, runID string, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := float64(p.Base)
	mult := 1 << uint(min(attempts-1, 30))
	d := time.Duration(base * float64(mult))
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	if p.MaxJitter > 0 {
		d += jitter(runID, attempts, p.MaxJitter)
	}
	return d
}

// jitter derives a value in [0, maxJitter) from hash(runID)+attempts,
// stable across calls (no randomness), so repeated backoff
// computations for the same run/attempt are reproducible in tests.
func jitter(runID string, attempts int, maxJitter time.Duration) time.Duration {
	h := fnv.New64a()
	h.Write([]byte(runID))
	sum := h.Sum64() + uint64(attempts)
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(sum % uint64(maxJitter))
}

// Abandoned reports whether a task should give up entirely: attempts
// >= 20 or age >= 30 days (§4.8).
func Abandoned(attempts int, createdAt time.Time, now time.Time) bool {
	return attempts >= 20 || now.Sub(createdAt) >= 30*24*time.Hour
}

package sending

import (
	"sync"
	"time"
)

// backoffState is "Destination state" from spec §3: absence means no
// recent failure.
type backoffState struct {
	consecutiveFailures uint32
	lastAttempt         time.Time
}

// backoffTracker owns the in-memory per-destination failure map. It
// is exclusive to the dispatcher task: no other component reads or
// writes it (spec §5).
type backoffTracker struct {
	mu    sync.Mutex
	state map[string]*backoffState
	now   func() time.Time
}

func newBackoffTracker(now func() time.Time) *backoffTracker {
	return &backoffTracker{state: make(map[string]*backoffState), now: now}
}

// delay implements spec invariant 6: min(60*failures^2 seconds, 24h).
func delay(failures uint32) time.Duration {
	d := time.Duration(60*failures*failures) * time.Second
	const max = 24 * time.Hour
	if d > max {
		return max
	}
	return d
}

// ShouldSkip reports whether destKey is still within its backoff
// window and the attempt should be dropped (spec §4.6 step (a).2).
func (b *backoffTracker) ShouldSkip(destKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[destKey]
	if !ok {
		return false
	}
	return b.now().Sub(s.lastAttempt) < delay(s.consecutiveFailures)
}

// RecordFailure increments the failure count and stamps last_attempt.
func (b *backoffTracker) RecordFailure(destKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[destKey]
	if !ok {
		s = &backoffState{}
		b.state[destKey] = s
	}
	s.consecutiveFailures++
	s.lastAttempt = b.now()
	backoffDestinations.Set(float64(len(b.state)))
}

// RecordSuccess clears destKey's failure record.
func (b *backoffTracker) RecordSuccess(destKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, destKey)
	backoffDestinations.Set(float64(len(b.state)))
}

package skill

import (
	"sync"
	"time"

	"openclaw/internal/domain"
)

// slidingWindow is a rolling-window call counter. It keeps the timestamp of
// every call inside the window; allow is an atomic check-and-record so
// concurrent executions cannot overshoot the limit.
type slidingWindow struct {
	mu    sync.Mutex
	limit domain.RateLimit
	calls []time.Time
}

func newSlidingWindow(limit domain.RateLimit) *slidingWindow {
	if limit.MaxCalls > 0 && limit.Window <= 0 {
		// The one limit the protocol states explicitly: 100 calls/hour.
		limit.Window = time.Hour
	}
	return &slidingWindow{limit: limit}
}

// allow records a call if the window has room and reports whether it did.
func (w *slidingWindow) allow(now time.Time) bool {
	if w.limit.MaxCalls <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	if len(w.calls) >= w.limit.MaxCalls {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}

// nextReset returns when the oldest in-window call ages out, which is the
// earliest instant a limited caller can retry. Zero time when unlimited or
// under the limit.
func (w *slidingWindow) nextReset(now time.Time) time.Time {
	if w.limit.MaxCalls <= 0 {
		return time.Time{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	if len(w.calls) < w.limit.MaxCalls {
		return time.Time{}
	}
	return w.calls[0].Add(w.limit.Window)
}

// evict drops calls older than the window. Callers hold w.mu.
func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.limit.Window)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

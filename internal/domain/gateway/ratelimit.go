package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Entries whose window expired this long ago are removed by the sweep.
const sweepGrace = time.Minute

type limiterKey struct {
	subject uuid.UUID
	kind    string
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// Limiter admits or rejects events with fixed-window counting per
// (subject, event kind). Fixed windows allow up to 2x the limit across a
// window boundary in exchange for O(1) time and memory per check; that burst
// is an accepted trade-off, not a bug. A periodic sweep bounds memory to
// active subjects.
type Limiter struct {
	mu      sync.Mutex
	entries map[limiterKey]*rateWindow

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// NewLimiter creates a rate limiter sweeping stale entries on the given
// interval. Call Start to launch the sweep and Stop on shutdown.
func NewLimiter(sweepEvery time.Duration) *Limiter {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	return &Limiter{
		entries:    make(map[limiterKey]*rateWindow),
		sweepEvery: sweepEvery,
		done:       make(chan struct{}),
	}
}

// Allow reports whether the subject may perform another event of the given
// kind. Limits are caller-supplied, not limiter policy. The window check and
// increment happen under one lock; a rejection never extends the window.
func (l *Limiter) Allow(subject uuid.UUID, kind string, max int, window time.Duration) bool {
	now := time.Now()
	key := limiterKey{subject: subject, kind: kind}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = &rateWindow{count: 1, resetAt: now.Add(window)}
		return true
	}

	if entry.count < max {
		entry.count++
		return true
	}
	return false
}

// Start launches the background sweep (call in goroutine owner's lifecycle)
func (l *Limiter) Start() {
	go l.runSweeper()
}

// Stop terminates the background sweep. Safe to call more than once.
func (l *Limiter) Stop() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Len returns the number of live rate windows
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// DropSubject removes every window held by the subject. Called opportunistically
// when a user's last connection goes away; the periodic sweep would catch the
// entries anyway.
func (l *Limiter) DropSubject(subject uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.entries {
		if key.subject == subject {
			delete(l.entries, key)
		}
	}
}

func (l *Limiter) runSweeper() {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, entry := range l.entries {
		if now.Sub(entry.resetAt) > sweepGrace {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(l.entries)).Msg("Rate limit sweep")
	}
}

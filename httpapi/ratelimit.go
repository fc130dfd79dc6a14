package httpapi

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// remoteLimiter enforces a per-remote token bucket on ingestion routes. One
// misbehaving device firmware must not starve the rest of the fleet.
type remoteLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	remotes map[string]*remoteEntry
}

type remoteEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const remoteIdleEviction = 10 * time.Minute

func newRemoteLimiter(perSecond float64, burst int) *remoteLimiter {
	return &remoteLimiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		remotes: make(map[string]*remoteEntry),
	}
}

// Allow reports whether the remote may proceed, creating its bucket on first
// sight and evicting idle ones opportunistically.
func (l *remoteLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.remotes[host]
	if !ok {
		entry = &remoteEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.remotes[host] = entry
	}
	entry.lastSeen = now

	if len(l.remotes) > 1024 {
		for h, e := range l.remotes {
			if now.Sub(e.lastSeen) > remoteIdleEviction {
				delete(l.remotes, h)
			}
		}
	}

	return entry.limiter.Allow()
}

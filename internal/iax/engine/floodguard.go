package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// floodGuardConfig mirrors the teacher's per-IP HTTP rate limit config,
// applied instead to inbound New/RegReq/Poke transactions per source
// address (§4.3 "floodguard" — a spoofed-source flood must not be able to
// exhaust call-number space or CPU on frame parsing).
type floodGuardConfig struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func defaultFloodGuardConfig() floodGuardConfig {
	return floodGuardConfig{
		Rate:            rate.Limit(10),
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type floodGuardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// floodGuard rate-limits new-transaction attempts by remote address,
// grounded on the teacher's IPRateLimiter (internal/api/middleware/ratelimit.go).
type floodGuard struct {
	mu         sync.Mutex
	entries    map[string]*floodGuardEntry
	cfg        floodGuardConfig
	stopCh     chan struct{}
	rejections atomic.Uint64
}

func newFloodGuard(cfg floodGuardConfig) *floodGuard {
	fg := &floodGuard{
		entries: make(map[string]*floodGuardEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go fg.cleanupLoop()
	return fg
}

// Allow reports whether a new transaction attempt from addr should proceed.
func (fg *floodGuard) Allow(addr string) bool {
	fg.mu.Lock()
	entry, ok := fg.entries[addr]
	if !ok {
		entry = &floodGuardEntry{limiter: rate.NewLimiter(fg.cfg.Rate, fg.cfg.Burst)}
		fg.entries[addr] = entry
	}
	entry.lastSeen = time.Now()
	fg.mu.Unlock()
	allowed := entry.limiter.Allow()
	if !allowed {
		fg.rejections.Add(1)
	}
	return allowed
}

// Rejections returns the running total of Allow calls that returned false.
func (fg *floodGuard) Rejections() uint64 {
	return fg.rejections.Load()
}

func (fg *floodGuard) Stop() {
	close(fg.stopCh)
}

func (fg *floodGuard) cleanupLoop() {
	ticker := time.NewTicker(fg.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fg.cleanup()
		case <-fg.stopCh:
			return
		}
	}
}

func (fg *floodGuard) cleanup() {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	cutoff := time.Now().Add(-fg.cfg.MaxAge)
	removed := 0
	for addr, entry := range fg.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(fg.entries, addr)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("iax floodguard cleanup", "removed", removed, "remaining", len(fg.entries))
	}
}

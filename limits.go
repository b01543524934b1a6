package drowsynet

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// historyWindow is the longest window any limit looks at.
const historyWindow = time.Hour

// AcceptLimitsConfig configures accept rate limiting on a Listener.
// All limit values of 0 mean disabled (unlimited).
type AcceptLimitsConfig struct {
	// Per-address limits
	MaxConnsPerMinute int
	MaxConnsPerHour   int

	// Limits across all addresses
	MaxTotalConnsPerMinute int
	MaxTotalConnsPerHour   int

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool
}

// DefaultAcceptLimitsConfig returns the default (unlimited) configuration.
func DefaultAcceptLimitsConfig() *AcceptLimitsConfig {
	return &AcceptLimitsConfig{}
}

// LimitExceededError is returned when an accept would exceed a rate limit.
type LimitExceededError struct {
	Addr   netip.Addr
	Limit  string
	Max    int
	Global bool
}

func (e *LimitExceededError) Error() string {
	if e.Global {
		return fmt.Sprintf("total connections per %s limit exceeded (%d)", e.Limit, e.Max)
	}
	return fmt.Sprintf("connections per %s from %s exceeded (%d)", e.Limit, e.Addr, e.Max)
}

// AcceptLimiter tracks accepted connections per peer address and in total
// over sliding windows. It is safe for concurrent use.
type AcceptLimiter struct {
	mu     sync.Mutex
	config *AcceptLimitsConfig
	now    func() time.Time

	peerHistory  map[netip.Addr]*acceptHistory
	totalHistory *acceptHistory
}

// acceptHistory holds accept timestamps in ascending order.
type acceptHistory struct {
	timestamps []time.Time
}

// NewAcceptLimiter creates a limiter. A nil config disables every limit.
func NewAcceptLimiter(config *AcceptLimitsConfig) *AcceptLimiter {
	if config == nil {
		config = DefaultAcceptLimitsConfig()
	}
	return &AcceptLimiter{
		config:       config,
		now:          time.Now,
		peerHistory:  make(map[netip.Addr]*acceptHistory),
		totalHistory: &acceptHistory{},
	}
}

// SetConfig updates the limiter configuration. History is kept.
func (al *AcceptLimiter) SetConfig(config *AcceptLimitsConfig) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if config == nil {
		config = DefaultAcceptLimitsConfig()
	}
	al.config = config
}

// Config returns a copy of the current configuration.
func (al *AcceptLimiter) Config() *AcceptLimitsConfig {
	al.mu.Lock()
	defer al.mu.Unlock()
	cfg := *al.config
	return &cfg
}

// CheckAndRecord checks whether a new connection from addr is allowed.
// If allowed, it records the connection and returns nil; otherwise it
// returns a *LimitExceededError naming the first limit hit.
func (al *AcceptLimiter) CheckAndRecord(addr netip.Addr) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	addr = addr.Unmap()

	if err := al.checkTotalLocked(now); err != nil {
		al.logRejectedLocked(addr, err)
		return err
	}
	if err := al.checkPeerLocked(addr, now); err != nil {
		al.logRejectedLocked(addr, err)
		return err
	}

	al.recordLocked(addr, now)
	return nil
}

// checkTotalLocked must be called with al.mu held.
func (al *AcceptLimiter) checkTotalLocked(now time.Time) error {
	al.totalHistory.pruneBefore(now.Add(-historyWindow))

	if limit := al.config.MaxTotalConnsPerMinute; limit > 0 {
		if al.totalHistory.countSince(now.Add(-time.Minute)) >= limit {
			return &LimitExceededError{Limit: "minute", Max: limit, Global: true}
		}
	}
	if limit := al.config.MaxTotalConnsPerHour; limit > 0 {
		if al.totalHistory.countSince(now.Add(-time.Hour)) >= limit {
			return &LimitExceededError{Limit: "hour", Max: limit, Global: true}
		}
	}
	return nil
}

// checkPeerLocked must be called with al.mu held.
func (al *AcceptLimiter) checkPeerLocked(addr netip.Addr, now time.Time) error {
	if !addr.IsValid() {
		return nil
	}
	if al.config.MaxConnsPerMinute <= 0 && al.config.MaxConnsPerHour <= 0 {
		return nil
	}

	history, ok := al.peerHistory[addr]
	if !ok {
		return nil
	}
	history.pruneBefore(now.Add(-historyWindow))

	if limit := al.config.MaxConnsPerMinute; limit > 0 {
		if history.countSince(now.Add(-time.Minute)) >= limit {
			return &LimitExceededError{Addr: addr, Limit: "minute", Max: limit}
		}
	}
	if limit := al.config.MaxConnsPerHour; limit > 0 {
		if history.countSince(now.Add(-time.Hour)) >= limit {
			return &LimitExceededError{Addr: addr, Limit: "hour", Max: limit}
		}
	}
	return nil
}

// recordLocked must be called with al.mu held.
func (al *AcceptLimiter) recordLocked(addr netip.Addr, now time.Time) {
	al.totalHistory.timestamps = append(al.totalHistory.timestamps, now)
	if !addr.IsValid() {
		return
	}
	history, ok := al.peerHistory[addr]
	if !ok {
		history = &acceptHistory{}
		al.peerHistory[addr] = history
	}
	history.timestamps = append(history.timestamps, now)
}

func (al *AcceptLimiter) logRejectedLocked(addr netip.Addr, err error) {
	if al.config.DisableRejectLogging {
		return
	}
	log.Warn().
		Err(err).
		Str("peer", addr.String()).
		Msg("incoming connection rejected due to rate limit")
}

// CleanupStaleHistory drops per-address histories with no accept inside
// the longest window. Listeners with limits call it periodically.
func (al *AcceptLimiter) CleanupStaleHistory() {
	al.mu.Lock()
	defer al.mu.Unlock()

	cutoff := al.now().Add(-historyWindow)
	removed := 0
	for addr, history := range al.peerHistory {
		history.pruneBefore(cutoff)
		if len(history.timestamps) == 0 {
			delete(al.peerHistory, addr)
			removed++
		}
	}
	al.totalHistory.pruneBefore(cutoff)

	log.Debug().
		Int("removed", removed).
		Int("remaining", len(al.peerHistory)).
		Msg("stale accept history cleanup complete")
}

// trackedPeers returns the number of addresses with history.
func (al *AcceptLimiter) trackedPeers() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.peerHistory)
}

// pruneBefore drops timestamps at or before cutoff.
func (h *acceptHistory) pruneBefore(cutoff time.Time) {
	i := 0
	for i < len(h.timestamps) && !h.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		h.timestamps = append(h.timestamps[:0], h.timestamps[i:]...)
	}
}

// countSince counts timestamps after since.
func (h *acceptHistory) countSince(since time.Time) int {
	count := 0
	for j := len(h.timestamps) - 1; j >= 0 && h.timestamps[j].After(since); j-- {
		count++
	}
	return count
}

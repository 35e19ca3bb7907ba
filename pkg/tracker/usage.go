package tracker

import (
	"sync"
	"time"

	"github.com/entrhq/autocoder/pkg/logging"
)

const (
	// UsageWindow is the sliding window API calls are counted over.
	UsageWindow = time.Hour
	// DefaultRateLimit is the backend's hourly request allowance.
	DefaultRateLimit = 1500
	// DefaultWarnThreshold is the call count above which a warning is logged.
	DefaultWarnThreshold = 1200
)

// UsageStats is a snapshot of API usage.
type UsageStats struct {
	TotalCalls  int     `json:"total_calls"`
	CallsInHour int     `json:"calls_last_hour"`
	CacheHits   int     `json:"cache_hits"`
	Limit       int     `json:"rate_limit"`
	PercentUsed float64 `json:"percentage_used"`
}

// Usage counts API calls over a sliding window.
type Usage struct {
	mu     sync.Mutex
	limit  int
	warn   int
	window time.Duration
	calls  []time.Time
	total  int
	hits   int
	now    func() time.Time
	log    *logging.Logger
}

// NewUsage returns a tracker using the default limit and threshold.
func NewUsage(log *logging.Logger) *Usage {
	return &Usage{
		limit:  DefaultRateLimit,
		warn:   DefaultWarnThreshold,
		window: UsageWindow,
		now:    time.Now,
		log:    log.With("linear"),
	}
}

// Track records one API call and returns the number of calls in the window.
func (u *Usage) Track() int {
	if u == nil {
		return 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	u.total++
	u.calls = append(u.calls, now)
	u.prune(now)

	n := len(u.calls)
	if n > u.warn {
		u.log.Warnf("%d API calls in the last hour (limit: %d)", n, u.limit)
	}
	return n
}

// CacheHit records a request served without an API call.
func (u *Usage) CacheHit() {
	if u == nil {
		return
	}
	u.mu.Lock()
	u.hits++
	u.mu.Unlock()
}

// NearLimit reports whether usage is above the warning threshold.
func (u *Usage) NearLimit() bool {
	if u == nil {
		return false
	}
	return u.Stats().CallsInHour > u.warn
}

// Stats returns current usage.
func (u *Usage) Stats() UsageStats {
	if u == nil {
		return UsageStats{Limit: DefaultRateLimit}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prune(u.now())
	n := len(u.calls)
	return UsageStats{
		TotalCalls:  u.total,
		CallsInHour: n,
		CacheHits:   u.hits,
		Limit:       u.limit,
		PercentUsed: float64(n) / float64(u.limit) * 100,
	}
}

func (u *Usage) prune(now time.Time) {
	cutoff := now.Add(-u.window)
	i := 0
	for i < len(u.calls) && !u.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		u.calls = append(u.calls[:0], u.calls[i:]...)
	}
}

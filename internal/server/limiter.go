package server

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ConsultLimiter guards the intake endpoint: a per-client sliding window
// on request rate plus a global cap on concurrently active consultations.
// The window is one minute; both limits come from RateLimitConfig.
type ConsultLimiter struct {
	mu        sync.Mutex
	rpm       int
	maxActive int
	records   map[string][]time.Time
	active    int
}

var errTooManyActive = errors.New("too many active consultations")

func NewConsultLimiter(cfg RateLimitConfig) *ConsultLimiter {
	rpm := cfg.ConsultRPM
	if rpm <= 0 {
		rpm = 10
	}
	maxActive := cfg.MaxActiveConsults
	if maxActive <= 0 {
		maxActive = 8
	}
	return &ConsultLimiter{
		rpm:       rpm,
		maxActive: maxActive,
		records:   map[string][]time.Time{},
	}
}

// Allow records one intake attempt for the given client key and reports
// whether it fits in the sliding window.
func (l *ConsultLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := filterRecentTime(l.records[key], cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

// Acquire claims one active-consultation slot. Callers must Release
// exactly once per successful Acquire.
func (l *ConsultLimiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.maxActive {
		return errTooManyActive
	}
	l.active++
	return nil
}

func (l *ConsultLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// Active reports the current number of claimed slots.
func (l *ConsultLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}

package execution

import "time"

const (
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffMax  = 5 * time.Second
)

// Backoff returns base*2^retry capped at max.
func Backoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if retry < 0 {
		return base
	}
	// 2^30 * base is already past any sane cap
	if retry > 30 {
		return max
	}
	d := base * time.Duration(1<<retry)
	if d > max || d <= 0 {
		return max
	}
	return d
}

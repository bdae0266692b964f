package syncer

import (
	"math"
	"time"
)

// Backoff returns the delay before the retry that follows the retry-th
// transient failure (retry counts from 0):
//
//	raw   = base * 2^retry
//	delay = min(max, raw + raw*jitter*rnd)
//
// rnd must be in [0,1) and jitter in [0,1). Because the jittered delay of
// retry k is below 2*raw(k) = raw(k+1), delays never decrease until they
// reach max.
func Backoff(retry int, base, max time.Duration, jitter, rnd float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry < 0 {
		retry = 0
	}
	raw := float64(base) * math.Pow(2, float64(retry))
	if raw >= float64(max) {
		return max
	}
	d := raw + raw*jitter*rnd
	if d >= float64(max) {
		return max
	}
	return time.Duration(d)
}

package torrent

import (
	"time"

	"golang.org/x/time/rate"
)

// ThrottleControl holds one global upload/download token-bucket pair plus
// per-peer limiters derived from it. Grounded on uber-kraken's
// lib/torrent/scheduler/conn/bandwidth.Limiter (egress/ingress rate.Limiter
// pair) and on the teacher's own issue211_test.go, which exercises
// cfg.DownloadRateLimiter/UploadRateLimiter directly — adapted here to a
// non-blocking acquire: a send refused now is retried later by the caller
// instead of blocking a goroutine on Reservation.Delay().
type ThrottleControl struct {
	globalUp   *rate.Limiter
	globalDown *rate.Limiter

	perPeerUpLimit   rate.Limit
	perPeerDownLimit rate.Limit
}

// ThrottleConfig mirrors root_const_rate-style configuration: a byte/sec cap
// per direction, 0 meaning unlimited (mapped to rate.Inf).
type ThrottleConfig struct {
	GlobalUpBytesPerSec    int
	GlobalDownBytesPerSec  int
	PerPeerUpBytesPerSec   int
	PerPeerDownBytesPerSec int
}

func rateLimitFor(bytesPerSec int) rate.Limit {
	if bytesPerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(bytesPerSec)
}

func burstFor(bytesPerSec int) int {
	if bytesPerSec <= 0 || bytesPerSec > BlockSize {
		return maxInt(bytesPerSec, BlockSize)
	}
	return BlockSize
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// NewThrottleControl builds the global limiters from cfg. Burst is sized to
// at least one block so a single RequestBlock-sized send never starves
// itself against its own bucket.
func NewThrottleControl(cfg ThrottleConfig) *ThrottleControl {
	return &ThrottleControl{
		globalUp:         rate.NewLimiter(rateLimitFor(cfg.GlobalUpBytesPerSec), burstFor(cfg.GlobalUpBytesPerSec)),
		globalDown:       rate.NewLimiter(rateLimitFor(cfg.GlobalDownBytesPerSec), burstFor(cfg.GlobalDownBytesPerSec)),
		perPeerUpLimit:   rateLimitFor(cfg.PerPeerUpBytesPerSec),
		perPeerDownLimit: rateLimitFor(cfg.PerPeerDownBytesPerSec),
	}
}

// PeerLimiters returns a fresh pair of upload/download limiters for one
// peer connection, capped at the per-peer rate from config.
func (tc *ThrottleControl) PeerLimiters() (up, down *rate.Limiter) {
	burst := burstFor(int(tc.perPeerUpLimit))
	up = rate.NewLimiter(tc.perPeerUpLimit, burst)
	burst = burstFor(int(tc.perPeerDownLimit))
	down = rate.NewLimiter(tc.perPeerDownLimit, burst)
	return
}

// TryAcquire attempts to reserve n bytes from both l and the relevant global
// limiter without blocking. On success it returns true and the reservation
// is already committed. On failure (insufficient budget right now) it
// cancels any reservation it took and returns false — the caller is
// expected to retry later via the Scheduler rather than sleep in place.
func TryAcquire(global, peer *rate.Limiter, n int) bool {
	now := time.Now()
	gr := global.ReserveN(now, n)
	if !gr.OK() || gr.Delay() > 0 {
		if gr.OK() {
			gr.Cancel()
		}
		return false
	}
	pr := peer.ReserveN(now, n)
	if !pr.OK() || pr.Delay() > 0 {
		if pr.OK() {
			pr.Cancel()
		}
		gr.Cancel()
		return false
	}
	return true
}

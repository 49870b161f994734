package torrent

import "testing"

func TestThrottleUnlimitedByDefault(t *testing.T) {
	tc := NewThrottleControl(ThrottleConfig{})
	up, down := tc.PeerLimiters()
	if !TryAcquire(tc.globalUp, up, BlockSize*8) {
		t.Fatal("unlimited throttle should never refuse a reservation")
	}
	if !TryAcquire(tc.globalDown, down, BlockSize*8) {
		t.Fatal("unlimited throttle should never refuse a reservation")
	}
}

func TestThrottleRejectsOverBudgetReservation(t *testing.T) {
	tc := NewThrottleControl(ThrottleConfig{
		GlobalUpBytesPerSec:  BlockSize,
		PerPeerUpBytesPerSec: BlockSize,
	})
	up, _ := tc.PeerLimiters()

	if !TryAcquire(tc.globalUp, up, BlockSize) {
		t.Fatal("first block-sized reservation within burst should succeed")
	}
	if TryAcquire(tc.globalUp, up, BlockSize*10) {
		t.Fatal("a reservation far exceeding the available budget must be refused, not block")
	}
}

func TestThrottlePerPeerCapIndependentOfGlobal(t *testing.T) {
	tc := NewThrottleControl(ThrottleConfig{
		GlobalUpBytesPerSec:  BlockSize * 100,
		PerPeerUpBytesPerSec: BlockSize,
	})
	up, _ := tc.PeerLimiters()

	if !TryAcquire(tc.globalUp, up, BlockSize) {
		t.Fatal("expected first reservation to succeed")
	}
	if TryAcquire(tc.globalUp, up, BlockSize*5) {
		t.Fatal("per-peer cap should refuse even though global budget is ample")
	}
}

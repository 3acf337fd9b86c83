// ABOUTME: Tests for relay clock estimation
// ABOUTME: Tests RTT calculation, offset tracking, drift and time conversion
package sync

import (
	"testing"
)

type fakeNow struct{ us int64 }

func (f *fakeNow) now() int64 { return f.us }

func TestRTTCalculation(t *testing.T) {
	// 5 ms round trip with 0.5 ms relay processing
	t1 := int64(1000000)
	t2 := int64(2000)
	t3 := int64(2500)
	t4 := int64(1005000)

	cs := NewClockSync()
	cs.ProcessSyncResponse(t1, t2, t3, t4)

	_, rtt, quality := cs.GetStats()
	if rtt != 4500 {
		t.Errorf("expected RTT 4500µs, got %dµs", rtt)
	}
	if quality != QualityGood {
		t.Errorf("expected QualityGood, got %v", quality)
	}
}

func TestNotSyncedBeforeFirstSample(t *testing.T) {
	cs := NewClockSync()
	if cs.Synced() {
		t.Error("expected not synced initially")
	}
	if _, ok := cs.RelayMicros(); ok {
		t.Error("expected no relay time before sync")
	}
	if cs.RelayToLocal(1234) != 1234 {
		t.Error("expected identity conversion before sync")
	}
}

func TestHighRTTDiscarded(t *testing.T) {
	cs := NewClockSync()
	cs.ProcessSyncResponse(0, 100, 200, 200000)
	if cs.Synced() {
		t.Error("sample with 200 ms RTT should be discarded")
	}
}

func TestOffsetAndConversion(t *testing.T) {
	clk := &fakeNow{}
	cs := NewClockSyncWith(clk.now)

	// Relay is 1 s behind local, symmetric 1 ms path
	cs.ProcessSyncResponse(10_000_000, 9_001_000, 9_001_000, 10_002_000)

	offset, _, _ := cs.GetStats()
	if offset != -1_000_000 {
		t.Fatalf("expected offset -1000000µs, got %d", offset)
	}

	clk.us = 10_500_000
	relay, ok := cs.RelayMicros()
	if !ok {
		t.Fatal("expected synced clock")
	}
	if relay != 9_500_000 {
		t.Errorf("expected relay time 9500000, got %d", relay)
	}

	if local := cs.RelayToLocal(9_600_000); local != 10_600_000 {
		t.Errorf("expected local 10600000, got %d", local)
	}
}

func TestDriftEstimation(t *testing.T) {
	clk := &fakeNow{}
	cs := NewClockSyncWith(clk.now)

	// Relay runs 100 ppm fast: offset grows by 100 µs per second
	cs.ProcessSyncResponse(0, 500, 500, 1000)
	cs.ProcessSyncResponse(1_000_000, 1_000_600, 1_000_600, 1_001_000)

	ppm := cs.Drift()
	if ppm < 99 || ppm > 101 {
		t.Errorf("expected ~100 ppm drift, got %.3f", ppm)
	}

	// Converting there and back is stable.
	clk.us = 2_000_000
	relay, _ := cs.RelayMicros()
	back := cs.RelayToLocal(relay)
	if d := back - clk.us; d < -1 || d > 1 {
		t.Errorf("round trip off by %dµs", d)
	}
}

func TestLargeResidualRejected(t *testing.T) {
	clk := &fakeNow{}
	cs := NewClockSyncWith(clk.now)
	cs.ProcessSyncResponse(0, 500, 500, 1000)
	cs.ProcessSyncResponse(1_000_000, 1_000_500, 1_000_500, 1_001_000)
	before, _, _ := cs.GetStats()

	// 200 ms jump
	cs.ProcessSyncResponse(2_000_000, 2_200_500, 2_200_500, 2_001_000)

	after, _, _ := cs.GetStats()
	if before != after {
		t.Errorf("offset moved on rejected sample: %d -> %d", before, after)
	}
}

func TestQualityString(t *testing.T) {
	if QualityGood.String() != "good" || QualityLost.String() != "lost" {
		t.Error("unexpected quality names")
	}
}

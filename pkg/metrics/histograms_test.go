package metrics

import (
	"testing"
	"time"
)

func TestHistogramObserveAndSnapshot(t *testing.T) {
	h := NewHistogram("turn")
	for _, d := range []time.Duration{
		20 * time.Millisecond,
		800 * time.Millisecond,
		3 * time.Second,
		45 * time.Second,
	} {
		h.Observe(d)
	}
	snap := h.Snapshot()
	if snap.Name != "turn" || snap.Count != 4 {
		t.Fatalf("unexpected snapshot: name=%q count=%d", snap.Name, snap.Count)
	}
	if snap.Sum < 48 || snap.Sum > 50 {
		t.Fatalf("expected sum near 48.8s, got %f", snap.Sum)
	}
	last := snap.Buckets[len(snap.Buckets)-1]
	if last.Count != 4 {
		t.Fatalf("expected all observations under the top bucket, got %d", last.Count)
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("turn")
	// a typical debate: most turns finish fast, a few wait on retries
	for i := 0; i < 90; i++ {
		h.Observe(400 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(20 * time.Second)
	}
	snap := h.Snapshot()
	if snap.P50 > 0.5 {
		t.Fatalf("p50 = %f, want <= 0.5", snap.P50)
	}
	if snap.P99 < 10 {
		t.Fatalf("p99 = %f, want slow-tail bucket", snap.P99)
	}
	if got := h.Percentile(0.50); got != snap.P50 {
		t.Fatalf("Percentile and snapshot disagree: %f vs %f", got, snap.P50)
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := NewHistogram("empty")
	if p := h.Percentile(0.95); p != 0 {
		t.Fatalf("empty p95 = %f, want 0", p)
	}
	if snap := h.Snapshot(); snap.Count != 0 || snap.P50 != 0 {
		t.Fatalf("unexpected empty snapshot: %+v", snap)
	}
}

func TestHistogramRegistryReusesInstances(t *testing.T) {
	reg := NewHistogramRegistry()
	reg.ObserveDuration("GET /v1/debates/{debate_id}/events", 10*time.Millisecond)
	reg.ObserveDuration("GET /v1/debates/{debate_id}/events", 15*time.Millisecond)
	reg.ObserveDuration("turn", 2*time.Second)

	if snaps := reg.Snapshots(); len(snaps) != 2 {
		t.Fatalf("expected 2 histograms, got %d", len(snaps))
	}
	if reg.Get("turn") != reg.Get("turn") {
		t.Fatal("expected the same histogram instance per name")
	}
}

func TestRegistryObserveLatencyFeedsHistograms(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveLatency("GET /healthz", 10*time.Millisecond)
	reg.ObserveLatency("GET /healthz", 20*time.Millisecond)

	snap := reg.Snapshot()
	if len(snap.Histograms) != 1 || snap.Histograms[0].Count != 2 {
		t.Fatalf("unexpected histograms: %+v", snap.Histograms)
	}
}

package carp

import (
	"encoding/json"
	"testing"
)

func approxEqual(t *testing.T, got, want float32, msg string) {
	t.Helper()
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	if diff >= 1e-6 {
		t.Fatalf("%s: got %v, want %v (diff %v)", msg, got, want, diff)
	}
}

// S1: rebalance math, 3 nodes.
func TestRebalanceThreeNodes(t *testing.T) {
	r := New([]Entry{
		{Addr: "0", Load: 0.4},
		{Addr: "1", Load: 0.4},
		{Addr: "2", Load: 0.2},
	}, 0)

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	wantOrder := []string{"2", "0", "1"}
	for i, addr := range wantOrder {
		if r.Nodes[i].Addr != addr {
			t.Fatalf("Nodes[%d].Addr = %s, want %s", i, r.Nodes[i].Addr, addr)
		}
	}
	wantLoad := []float32{0.2, 0.4, 0.4}
	for i, load := range wantLoad {
		approxEqual(t, r.Nodes[i].RelativeLoad, load, "RelativeLoad")
	}
	wantFactor := []float32{0.843433, 1.088866, 1.088866}
	for i, f := range wantFactor {
		approxEqual(t, r.Nodes[i].LoadFactor, f, "LoadFactor")
	}
}

// S2: selection stability (P5).
func TestGetStableAcrossCalls(t *testing.T) {
	r := New([]Entry{
		{Addr: "0", Load: 0.4},
		{Addr: "1", Load: 0.4},
		{Addr: "2", Load: 0.2},
	}, 0)

	first, err := r.Get("foo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	valid := map[string]bool{"0": true, "1": true, "2": true}
	if !valid[first] {
		t.Fatalf("Get returned unknown address %q", first)
	}
	for i := 0; i < 10; i++ {
		got, err := r.Get("foo")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != first {
			t.Fatalf("Get not stable: call %d returned %q, first call returned %q", i, got, first)
		}
	}
}

// S3: empty and single-node rings.
func TestEmptyRing(t *testing.T) {
	r := New(nil, 0)
	if !r.IsEmpty() || r.Len() != 0 {
		t.Fatalf("empty ring not empty: IsEmpty=%v Len=%d", r.IsEmpty(), r.Len())
	}
	if _, err := r.Get("anything"); err != ErrEmptyRing {
		t.Fatalf("Get on empty ring: err = %v, want ErrEmptyRing", err)
	}
}

func TestSingleNodeRing(t *testing.T) {
	r := New([]Entry{{Addr: "A", Load: 1.0}}, 0)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	approxEqual(t, r.Nodes[0].RelativeLoad, 1.0, "RelativeLoad")
	approxEqual(t, r.Nodes[0].LoadFactor, 1.0, "LoadFactor")
	addr, err := r.Get("any-key")
	if err != nil || addr != "A" {
		t.Fatalf("Get() = (%q, %v), want (\"A\", nil)", addr, err)
	}
}

// P2: normalization invariant after mutation.
func TestNormalizationAfterAddRemove(t *testing.T) {
	r := New([]Entry{{Addr: "a", Load: 0.1}, {Addr: "b", Load: 0.1}}, 0)
	r.Add("c", 0.3)
	var sum float64
	for _, n := range r.Nodes {
		sum += float64(n.RelativeLoad)
	}
	if diff := sum - 1.0; diff < -1e-6 || diff > 1e-6 {
		t.Fatalf("sum(relative_load) = %v, want ~1.0", sum)
	}

	r.Remove("a")
	sum = 0
	for _, n := range r.Nodes {
		sum += float64(n.RelativeLoad)
	}
	if diff := sum - 1.0; diff < -1e-6 || diff > 1e-6 {
		t.Fatalf("sum(relative_load) after remove = %v, want ~1.0", sum)
	}
}

func TestConfigIDIncrementsOnMutation(t *testing.T) {
	r := New([]Entry{{Addr: "a", Load: 1.0}}, 0)
	if r.ConfigID != 0 {
		t.Fatalf("ConfigID = %d, want 0", r.ConfigID)
	}
	r.Add("b", 1.0)
	if r.ConfigID != 1 {
		t.Fatalf("ConfigID after Add = %d, want 1", r.ConfigID)
	}
	r.Remove("a")
	if r.ConfigID != 2 {
		t.Fatalf("ConfigID after Remove = %d, want 2", r.ConfigID)
	}
	r.SetFallback("b", "c")
	if r.ConfigID != 3 {
		t.Fatalf("ConfigID after SetFallback = %d, want 3", r.ConfigID)
	}
}

// P4: round-trip serialization reproduces derived fields.
func TestJSONRoundTrip(t *testing.T) {
	r := New([]Entry{
		{Addr: "0", Load: 0.8},
		{Addr: "1", Load: 0.2},
	}, 5)

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Ring
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.ConfigID != r.ConfigID || decoded.ListTTL != r.ListTTL {
		t.Fatalf("metadata mismatch: got %+v, want %+v", decoded, r)
	}
	if len(decoded.Nodes) != len(r.Nodes) {
		t.Fatalf("node count mismatch: got %d, want %d", len(decoded.Nodes), len(r.Nodes))
	}
	for i := range r.Nodes {
		if decoded.Nodes[i].Addr != r.Nodes[i].Addr {
			t.Fatalf("node %d addr mismatch: got %s, want %s", i, decoded.Nodes[i].Addr, r.Nodes[i].Addr)
		}
		approxEqual(t, decoded.Nodes[i].RelativeLoad, r.Nodes[i].RelativeLoad, "RelativeLoad round-trip")
		approxEqual(t, decoded.Nodes[i].LoadFactor, r.Nodes[i].LoadFactor, "LoadFactor round-trip")
		if decoded.Nodes[i].Hash != r.Nodes[i].Hash {
			t.Fatalf("node %d hash mismatch: got %d, want %d", i, decoded.Nodes[i].Hash, r.Nodes[i].Hash)
		}
	}
}

// P1: determinism across two independently-constructed rings.
func TestDeterministicConstruction(t *testing.T) {
	entries := []Entry{{Addr: "x", Load: 0.3}, {Addr: "y", Load: 0.7}}
	a := New(entries, 0)
	b := New(entries, 0)
	for i := range a.Nodes {
		if a.Nodes[i].Addr != b.Nodes[i].Addr {
			t.Fatalf("addr mismatch at %d", i)
		}
		approxEqual(t, a.Nodes[i].RelativeLoad, b.Nodes[i].RelativeLoad, "RelativeLoad determinism")
		approxEqual(t, a.Nodes[i].LoadFactor, b.Nodes[i].LoadFactor, "LoadFactor determinism")
	}
}

func TestFallbacksAndClone(t *testing.T) {
	r := New([]Entry{{Addr: "a", Load: 0.5}, {Addr: "b", Load: 0.5}}, 0)
	r.SetFallback("a", "b")
	if fb := r.Fallbacks("a"); len(fb) != 1 || fb[0] != "b" {
		t.Fatalf("Fallbacks(a) = %v, want [b]", fb)
	}

	clone := r.Clone()
	clone.SetFallback("a", "c")
	if len(r.Fallbacks("a")) != 1 {
		t.Fatalf("mutating clone leaked into original: %v", r.Fallbacks("a"))
	}
}

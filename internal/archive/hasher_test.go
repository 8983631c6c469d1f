package archive

import (
	"testing"
	"time"
)

func TestComputeEventID_Deterministic(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	h1 := ComputeEventID(7, "ipv4u", "update", "203.0.113.0/24", ts)
	h2 := ComputeEventID(7, "ipv4u", "update", "203.0.113.0/24", ts)

	if len(h1) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(h1))
	}
	for i := range h1 {
		if h1[i] != h2[i] {
			t.Fatal("event ids differ for identical inputs")
		}
	}
}

func TestComputeEventID_DifferentKeyDiffers(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	h1 := ComputeEventID(7, "ipv4u", "update", "203.0.113.0/24", ts)
	h2 := ComputeEventID(7, "ipv4u", "update", "198.51.100.0/24", ts)

	same := true
	for i := range h1 {
		if h1[i] != h2[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different route keys should produce different event ids")
	}
}

func TestComputeEventID_DifferentKindDiffers(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	h1 := ComputeEventID(7, "ipv4u", "update", "203.0.113.0/24", ts)
	h2 := ComputeEventID(7, "ipv4u", "withdraw", "203.0.113.0/24", ts)

	same := true
	for i := range h1 {
		if h1[i] != h2[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("update and withdraw of the same key should produce different event ids")
	}
}

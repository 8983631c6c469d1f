package intern

import (
	"runtime"
	"strconv"
	"testing"
)

func keyOfInt(v int) string { return strconv.Itoa(v) }

func TestInternIdempotence(t *testing.T) {
	s := New(keyOfInt)
	a := s.Intern(42)
	b := s.Intern(42)
	if a != b {
		t.Fatalf("Intern(42) returned distinct pointers: %p != %p", a, b)
	}
	if *a != *b {
		t.Fatalf("payload mismatch: %d != %d", *a, *b)
	}
}

func TestPurgeReclaimsDeadHandles(t *testing.T) {
	s := New(keyOfInt)
	func() {
		// Handle goes out of scope at the end of this function; nothing
		// else retains it.
		_ = s.Intern(7)
	}()

	// Weak pointers only clear once the GC has actually run.
	for i := 0; i < 5 && s.Len() > 0; i++ {
		runtime.GC()
		s.Purge()
	}

	if s.Len() != 0 {
		t.Fatalf("expected interner to be empty after purge, got %d entries", s.Len())
	}
}

func TestPurgeKeepsLiveHandles(t *testing.T) {
	s := New(keyOfInt)
	held := s.Intern(9)
	runtime.GC()
	s.Purge()
	if s.Len() != 1 {
		t.Fatalf("expected live handle to survive purge, got %d entries", s.Len())
	}
	if *held != 9 {
		t.Fatalf("live handle payload corrupted: %d", *held)
	}
}

func TestClear(t *testing.T) {
	s := New(keyOfInt)
	s.Intern(1)
	s.Intern(2)
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("expected 0 after Clear, got %d", s.Len())
	}
}

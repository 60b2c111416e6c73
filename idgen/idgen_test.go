package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_UniqueAndSortable(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 100; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if len(id) != 36 {
			t.Fatalf("unexpected length %d for %q", len(id), id)
		}
		// UUIDv7 is millisecond-prefixed; within one run ids never sort
		// before their predecessor.
		if prev != "" && id < prev {
			t.Fatalf("id %q sorts before predecessor %q", id, prev)
		}
		prev = id
	}
}

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	gen := NanoID(12)
	for i := 0; i < 50; i++ {
		id := gen()
		if len(id) != 12 {
			t.Fatalf("length = %d, want 12", len(id))
		}
		for _, r := range id {
			if !strings.ContainsRune("0123456789abcdefghijklmnopqrstuvwxyz", r) {
				t.Fatalf("unexpected rune %q in %q", r, id)
			}
		}
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("bnd_", NanoID(8))
	id := gen()
	if !strings.HasPrefix(id, "bnd_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if len(id) != len("bnd_")+8 {
		t.Fatalf("unexpected length %d", len(id))
	}
}

func TestNew_UsesDefault(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("New returned duplicate ids")
	}
}

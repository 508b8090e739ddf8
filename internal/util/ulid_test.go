package util

import "testing"

func TestNew_SortsInCreationOrder(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("expected 26 chars, got %q", id)
		}
		if id <= prev {
			t.Fatalf("expected %q > %q", id, prev)
		}
		prev = id
	}
}

package ids

import (
	"testing"
	"time"
)

func TestNewULID_SortsByTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := NewULID(t0)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, _ := NewULID(t0.Add(time.Millisecond))
	if len(a) != 26 || !(a < b) {
		t.Fatalf("expected ordered 26-char ids, got %q %q", a, b)
	}
	if !Valid(a) {
		t.Fatalf("expected %q to be valid", a)
	}
	if Valid("not-a-ulid") {
		t.Fatalf("garbage must be invalid")
	}
}

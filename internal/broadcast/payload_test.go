package broadcast

import (
	"errors"
	"testing"
)

func TestChoosePayload(t *testing.T) {
	t.Parallel()

	first := func(int) int { return 0 }
	last := func(n int) int { return n - 1 }

	single := NewSchedule("t1", "Cheers")
	if got, err := ChoosePayload(single, nil, first); err != nil || got != "Cheers" {
		t.Fatalf("single = (%q, %v), want Cheers", got, err)
	}

	random := single.Clone()
	random.Mode = ModeRandom
	random.SetPayload("a", false)
	random.SetPayload("c", false)
	avail := []PayloadRef{"c", "b", "a", "d"}

	if got, _ := ChoosePayload(random, avail, first); got != "b" {
		t.Fatalf("random first = %q, want b", got)
	}
	if got, _ := ChoosePayload(random, avail, last); got != "d" {
		t.Fatalf("random last = %q, want d", got)
	}

	// With every payload disabled the full catalog is eligible again.
	for _, p := range avail {
		random.SetPayload(p, false)
	}
	if got, _ := ChoosePayload(random, avail, first); got != "a" {
		t.Fatalf("fallback = %q, want a", got)
	}

	if _, err := ChoosePayload(random, nil, first); !errors.Is(err, ErrNoPayload) {
		t.Fatalf("empty catalog err = %v, want ErrNoPayload", err)
	}
	single.DefaultPayload = ""
	if _, err := ChoosePayload(single, avail, first); !errors.Is(err, ErrNoPayload) {
		t.Fatalf("single without default err = %v, want ErrNoPayload", err)
	}
}

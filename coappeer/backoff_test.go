package coappeer

import (
	"math/rand"
	"testing"
	"time"
)

// TestBackoffBounds implements spec.md §8's "Backoff numeric semantics"
// property test: for 1000 seeds, the nominal deadlines from send time 0 are
// [I0, 3*I0, 7*I0, 15*I0] with I0 in [5000ms, 7500ms].
func TestBackoffBounds(t *testing.T) {
	for seed := int64(0); seed < 1000; seed++ {
		rng := rand.New(rand.NewSource(seed))
		i0 := ackTimeoutJitter(rng)
		if i0 < 5000*time.Millisecond || i0 >= 7500*time.Millisecond {
			t.Fatalf("seed %d: I0 = %v, want [5000ms, 7500ms)", seed, i0)
		}

		interval := i0
		deadline := interval
		wantMultiples := []int64{1, 3, 7, 15}
		for i, want := range wantMultiples {
			gotDeadline := deadline
			wantDeadline := time.Duration(want) * i0
			if gotDeadline != wantDeadline {
				t.Fatalf("seed %d: deadline[%d] = %v, want %v", seed, i, gotDeadline, wantDeadline)
			}
			interval *= 2
			deadline += interval
		}
	}
}

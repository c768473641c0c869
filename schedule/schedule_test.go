// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: schedule_test.go - Script construction tests
//
// Purpose:
//   - Verifies clock selection, per-stage frequency, block load spreading,
//     ordering and the cycle cap.
// ─────────────────────────────────────────────────────────────────────────────

package schedule

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"stageflow/constants"
)

func blocksOf(s Schedule) [][]int {
	var out [][]int
	cur := []int{}
	for _, v := range s.Script {
		if v == constants.BlockEnd {
			out = append(out, cur)
			cur = []int{}
			continue
		}
		cur = append(cur, v)
	}
	return out
}

func TestFairnessProducerAndRates(t *testing.T) {
	s := Build([]int64{0, 2000, 4000}, []bool{true, false, false}, false)

	if s.CommonClock != 2000 {
		t.Fatalf("clock = %d, want 2000", s.CommonClock)
	}
	if s.Blocks != 2 {
		t.Fatalf("blocks = %d, want 2", s.Blocks)
	}
	for stage, want := range []int{2, 2, 1} {
		if got := s.Occurrences(stage); got != want {
			t.Fatalf("stage %d runs %d times per cycle, want %d", stage, got, want)
		}
	}
	for i, b := range blocksOf(s) {
		if len(b) == 0 || b[0] != 0 {
			t.Fatalf("block %d does not start with the producer: %v", i, b)
		}
	}
	want := []int{0, 1, 2, -1, 0, 1, -1}
	if !reflect.DeepEqual(s.Script, want) {
		t.Fatalf("script = %v, want %v", s.Script, want)
	}
	if s.DeepSleepCycleLimit != constants.HumanLimitNs/2000 {
		t.Fatalf("deep sleep limit = %d", s.DeepSleepCycleLimit)
	}
}

func TestReverseOrder(t *testing.T) {
	s := Build([]int64{0, 0, 0}, nil, true)
	if !reflect.DeepEqual(s.Script, []int{2, 1, 0, -1}) {
		t.Fatalf("script = %v", s.Script)
	}
}

func TestUnscheduledStagesOmitted(t *testing.T) {
	s := Build([]int64{1000, -1, 3000}, nil, false)
	if s.Occurrences(1) != 0 {
		t.Fatal("unscheduled stage in script")
	}
	if s.Occurrences(0) != 3 || s.Occurrences(2) != 1 {
		t.Fatalf("occurrences %d %d", s.Occurrences(0), s.Occurrences(2))
	}
}

func TestAllZeroUsesFloor(t *testing.T) {
	s := Build([]int64{0, 0}, nil, false)
	if s.CommonClock != constants.ClockFloorNs || s.Blocks != 1 {
		t.Fatalf("clock=%d blocks=%d", s.CommonClock, s.Blocks)
	}
	empty := Build(nil, nil, false)
	if !reflect.DeepEqual(empty.Script, []int{constants.BlockEnd}) {
		t.Fatalf("empty script = %v", empty.Script)
	}
}

func TestClockSelection(t *testing.T) {
	cases := []struct {
		rates []int64
		want  int64
	}{
		{[]int64{2_000_000, 3_000_000}, 1_000_000},
		{[]int64{500}, constants.ClockFloorNs},
		{[]int64{1_000_001, 2_000_000}, 1_000_001}, // gcd 1, near-even clock keeps both within 10%
		{[]int64{1_000, 1_001}, 1_000},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.rates), func(t *testing.T) {
			if got := CommonClock(tc.rates); got != tc.want {
				t.Fatalf("CommonClock(%v) = %d, want %d", tc.rates, got, tc.want)
			}
			for _, r := range tc.rates {
				p := (r + tc.want - 1) / tc.want
				if tc.want > constants.ClockFloorNs && (p*tc.want-r)*100 > r*constants.ClockJitterPct {
					t.Fatalf("rate %d off by more than jitter", r)
				}
			}
		})
	}
}

func TestSpreadingLevelsLoad(t *testing.T) {
	// Four stages each running every fourth block land in distinct blocks.
	s := Build([]int64{4000, 4000, 4000, 4000, 1000}, nil, false)
	if s.Blocks != 4 {
		t.Fatalf("blocks = %d", s.Blocks)
	}
	for i, b := range blocksOf(s) {
		if len(b) != 2 {
			t.Fatalf("block %d carries %v, want 2 stages", i, b)
		}
	}
}

func TestCycleCap(t *testing.T) {
	s := Build([]int64{1000, 97_000, 89_000, 83_000}, nil, false)
	if s.Blocks > constants.MaxScriptBlocks {
		t.Fatalf("blocks = %d exceeds cap", s.Blocks)
	}
	if s.Blocks%97 != 0 {
		t.Fatalf("blocks = %d not a multiple of the largest period", s.Blocks)
	}
	for stage := 1; stage < 4; stage++ {
		if s.Occurrences(stage) == 0 {
			t.Fatalf("stage %d never runs", stage)
		}
	}
	if s.Occurrences(0) != s.Blocks {
		t.Fatal("rate-floor stage skipped blocks")
	}
}

func TestDeterministic(t *testing.T) {
	rates := []int64{0, 3000, 5000, 7000, 1000}
	a := Build(rates, []bool{true}, false)
	b := Build(rates, []bool{true}, false)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("build not deterministic")
	}
	if !strings.Contains(a.String(), "clock=1000ns") {
		t.Fatalf("String() = %q", a.String())
	}
}

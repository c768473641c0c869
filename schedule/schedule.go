// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: schedule.go - Rate-driven script construction
//
// Purpose:
//   - Turns per-stage target rates into a repeating script of blocks that a
//     single scheduler thread plays back on a common clock.
//   - Every scheduled stage appears in roughly 1 of every rate/clock blocks;
//     producers and rate-0 stages appear in every block.
//
// Notes:
//   - The script is flat: stage indices with BlockEnd terminating each block.
//   - Construction is deterministic for a given input so split schedulers
//     can be rebuilt and compared.
//
// ⚠️ Build runs at startup and on split only: never on the run path
// ─────────────────────────────────────────────────────────────────────────────

package schedule

import (
	"fmt"
	"sort"
	"strings"

	"stageflow/constants"
)

// Schedule is a compiled script for one scheduler.
type Schedule struct {
	CommonClock         int64 // ns between block due times
	Script              []int // stage indices, constants.BlockEnd after each block
	Blocks              int
	DeepSleepCycleLimit int64 // idle cycles after which deep sleep is allowed
}

// Build compiles a schedule. rates[i] < 0 leaves stage i out of the script,
// 0 runs it in every block. producers[i] forces stage i into every block.
// Within a block stages run in ascending index order, or descending when
// reverse is set.
func Build(rates []int64, producers []bool, reverse bool) Schedule {
	clock := CommonClock(rates)

	periods := make([]int, len(rates))
	maxPeriod := 1
	for i, r := range rates {
		switch {
		case r < 0:
			periods[i] = 0
		case r == 0 || (i < len(producers) && producers[i]):
			periods[i] = 1
		default:
			periods[i] = int((r + clock - 1) / clock)
		}
		if periods[i] > maxPeriod {
			maxPeriod = periods[i]
		}
	}

	cycle := cycleLength(periods, maxPeriod)
	blocks := spread(periods, cycle)

	script := make([]int, 0, cycle*2)
	for _, members := range blocks {
		if reverse {
			sort.Sort(sort.Reverse(sort.IntSlice(members)))
		} else {
			sort.Ints(members)
		}
		script = append(script, members...)
		script = append(script, constants.BlockEnd)
	}

	limit := int64(constants.HumanLimitNs) / clock
	if limit < 1 {
		limit = 1
	}
	return Schedule{
		CommonClock:         clock,
		Script:              script,
		Blocks:              cycle,
		DeepSleepCycleLimit: limit,
	}
}

// CommonClock picks the block interval for rates: their gcd when at least
// the clock floor, else the largest divisor-like clock of the smallest rate
// that keeps every rate within the jitter bound, else the floor.
func CommonClock(rates []int64) int64 {
	var g, minRate int64
	for _, r := range rates {
		if r <= 0 {
			continue
		}
		g = gcd(g, r)
		if minRate == 0 || r < minRate {
			minRate = r
		}
	}
	if g == 0 {
		return constants.ClockFloorNs
	}
	if g >= constants.ClockFloorNs {
		return g
	}

	for k := int64(1); minRate/k >= constants.ClockFloorNs; k++ {
		c := minRate / k
		if withinJitter(rates, c) {
			return c
		}
	}
	return constants.ClockFloorNs
}

func withinJitter(rates []int64, clock int64) bool {
	for _, r := range rates {
		if r <= 0 {
			continue
		}
		p := (r + clock - 1) / clock
		if (p*clock-r)*100 > r*constants.ClockJitterPct {
			return false
		}
	}
	return true
}

// cycleLength is the lcm of every period, capped at MaxScriptBlocks and then
// rounded down to a multiple of the largest period.
func cycleLength(periods []int, maxPeriod int) int {
	l := 1
	for _, p := range periods {
		if p <= 1 {
			continue
		}
		l = l / int(gcd(int64(l), int64(p))) * p
		if l > constants.MaxScriptBlocks {
			l = constants.MaxScriptBlocks / maxPeriod * maxPeriod
			if l == 0 {
				l = maxPeriod
			}
			break
		}
	}
	return l
}

// spread assigns each stage an offset within its period. Stages are placed
// longest period first; each takes the offset whose blocks carry the least
// maximum load, smallest offset on ties.
func spread(periods []int, cycle int) [][]int {
	order := make([]int, 0, len(periods))
	for i, p := range periods {
		if p > 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return periods[order[a]] > periods[order[b]]
	})

	load := make([]int, cycle)
	blocks := make([][]int, cycle)
	for _, stage := range order {
		p := periods[stage]
		if p > cycle {
			p = cycle
		}
		best, bestLoad := 0, -1
		for off := 0; off < p; off++ {
			worst := 0
			for b := off; b < cycle; b += p {
				if load[b] > worst {
					worst = load[b]
				}
			}
			if bestLoad < 0 || worst < bestLoad {
				best, bestLoad = off, worst
			}
		}
		for b := best; b < cycle; b += p {
			load[b]++
			blocks[b] = append(blocks[b], stage)
		}
	}
	return blocks
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Occurrences counts how many blocks of one cycle run stage.
func (s Schedule) Occurrences(stage int) int {
	n := 0
	for _, v := range s.Script {
		if v == stage {
			n++
		}
	}
	return n
}

func (s Schedule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "clock=%dns blocks=%d deepSleep=%d", s.CommonClock, s.Blocks, s.DeepSleepCycleLimit)
	block := 0
	b.WriteString("\n  0:")
	for i, v := range s.Script {
		if v == constants.BlockEnd {
			block++
			if i < len(s.Script)-1 {
				fmt.Fprintf(&b, "\n  %d:", block)
			}
			continue
		}
		fmt.Fprintf(&b, " %d", v)
	}
	return b.String()
}

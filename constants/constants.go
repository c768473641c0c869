// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go - Runtime tunables for channels and schedulers
//
// Purpose:
//   - Defines default channel geometry and the variable-length fragment cap.
//   - Defines the timing thresholds the scheduler uses to pick a wait strategy.
//   - Defines the bounds used by the schedule builder when choosing a clock.
//
// Notes:
//   - Every value is compile-time resolvable; runtime overrides live in config.
//   - Geometry values are expressed as bit counts so power-of-two sizing holds.
//
// ⚠️ No runtime logic here: all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Channel Geometry ─────────────────────────────

const (
	// DefaultSlotBits sizes the structured ring: 2^10 = 1024 32-bit slots = 4 KiB.
	// Enough for a few hundred small messages between two stages while staying
	// inside L1 on most cores.
	DefaultSlotBits = 10

	// DefaultBlobBits sizes the payload ring: 2^16 = 64 KiB.
	DefaultBlobBits = 16

	// MinRingBits is the smallest accepted ring (2 slots / 2 bytes).
	MinRingBits = 1

	// MaxRingBits caps a single ring at 1 GiB of slots or bytes.
	MaxRingBits = 30

	// EOFSize is the slot count of the end-of-stream marker: msgIdx + trailer.
	EOFSize = 2

	// EOFMsgIdx is the message index written for end of stream.
	EOFMsgIdx = -1
)

// ─────────────────────────── Schedule Construction ──────────────────────────

const (
	// ClockFloorNs is the smallest common clock the builder will emit (1µs).
	// Below this the wait step costs more than the work it paces.
	ClockFloorNs = 1_000

	// ClockJitterPct bounds the rounding error a near-even clock may introduce
	// on any single stage rate, in percent of that rate.
	ClockJitterPct = 10

	// MaxScriptBlocks caps the cycle length of a script so that pathological
	// rate combinations cannot produce an unbounded lcm.
	MaxScriptBlocks = 1 << 12

	// BlockEnd terminates one block inside a script.
	BlockEnd = -1
)

// ───────────────────────────── Wait Strategy ────────────────────────────────

const (
	// HumanLimitNs is the deep-sleep granularity (10ms): below human
	// perception, coarse enough to let an idle core drop into low power.
	HumanLimitNs = 10_000_000

	// SpinThresholdNs is the sleep debt under which the scheduler does nothing.
	SpinThresholdNs = 200

	// YieldFloorNs is the debt the busy-yield loop drains down to.
	YieldFloorNs = 400

	// ParkThresholdNs switches the wait from yielding to a timed park (500µs).
	ParkThresholdNs = 500_000

	// IdleCycleThreshold is the number of consecutive idle cycles before the
	// deep-sleep path is considered at all.
	IdleCycleThreshold = 1_000

	// SpinBudget sets the number of busy-yield rounds before a cpu relax hint.
	SpinBudget = 224

	// DefaultLongRunThresholdNs flags a stage whose Run has not returned in 60s.
	DefaultLongRunThresholdNs = 60_000_000_000
)

// ───────────────────────────── Run-time Histogram ───────────────────────────

const (
	// HistogramBuckets covers 1ns .. 2^47ns (~39h) in power-of-two buckets.
	HistogramBuckets = 48

	// SplitPercentile is the percentile used to rank stages when splitting.
	SplitPercentile = 0.80
)

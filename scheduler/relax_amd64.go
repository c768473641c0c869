// ════════════════════════════════════════════════════════════════════════════════════════════════
// CPU Relaxation - AMD64 Architecture
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: stageflow
// Component: Scheduler busy-yield hint
//
// Description:
//   Emits PAUSE between busy-yield rounds of the scheduler wait step so a sibling hyperthread
//   can make progress while the scheduler drains sub-park sleep debt.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

//go:build amd64 && cgo && !noasm && !nocgo

package scheduler

/*
#ifdef __x86_64__
static inline void cpu_pause() {
    __asm__ __volatile__("pause" ::: "memory");
}
#else
#error "This file requires x86-64 architecture"
#endif
*/
import "C"

// cpuRelax emits x86-64 PAUSE.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
func cpuRelax() {
	C.cpu_pause()
}

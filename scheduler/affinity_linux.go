// affinity_linux.go - Linux CPU affinity via sched_setaffinity(2)

//go:build linux && !tinygo

package scheduler

import (
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"
)

// setAffinity pins the calling OS thread to cpu. The caller must hold the
// thread with runtime.LockOSThread.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	if cpu < 0 || cpu >= len(set)*bits.UintSize {
		return fmt.Errorf("scheduler: cpu %d out of range", cpu)
	}
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("scheduler: pin to cpu %d: %w", cpu, err)
	}
	return nil
}

//go:build (!amd64 && !arm64) || !cgo || noasm || nocgo

package scheduler

// cpuRelax is a no-op where no spin-wait hint is available.
//
//go:nosplit
//go:inline
func cpuRelax() {}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ STRIPED SLOT POOL
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: stageflow
// Component: Key → slot reservation table
//
// Description:
//   Maps opaque 64-bit keys (connection ids, session ids) onto a bounded set of slot indices.
//   A key keeps its slot until released; acquiring the same key again returns the same slot.
//   Slots are partitioned into equal stripes so a caller can map a slot to a downstream lane
//   with Group.
//
// Design Principles:
//   - Fixed capacity, no allocation after construction
//   - Linear scan: pools are small (tens to hundreds of slots)
//   - Exhaustion is reported as -1, never as a panic
//   - Single-threaded: owned by one stage
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package slotpool

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPE DEFINITIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Pool reserves slots for keys.
//
//go:notinheap
//go:align 64
type Pool struct {
	keys     []uint64
	locked   []bool
	groups   int
	step     int
	taken    uint64 // reservations ever made
	released uint64 // reservations ever returned

	firstUse func()
	idle     func()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New creates a pool of length slots split into groups stripes.
//
// Panics when length is not a positive multiple of groups.
func New(length, groups int) *Pool {
	if groups <= 0 || length <= 0 || groups > length || length%groups != 0 {
		panic(fmt.Sprintf("slotpool: length %d must be a positive multiple of groups %d", length, groups))
	}
	return &Pool{
		keys:   make([]uint64, length),
		locked: make([]bool, length),
		groups: groups,
		step:   length / groups,
	}
}

// OnFirstUse registers fn to run when the held count goes from 0 to 1.
func (p *Pool) OnFirstUse(fn func()) { p.firstUse = fn }

// OnIdle registers fn to run when the held count returns to 0.
func (p *Pool) OnIdle(fn func()) { p.idle = fn }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CORE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Acquire returns the slot held by key, reserving the first free slot when
// key holds none. Returns -1 when the pool is exhausted.
func (p *Pool) Acquire(key uint64) int {
	return p.AcquireWith(key, nil)
}

// AcquireWith is Acquire restricted to new slots accepted by accept.
// A slot key already holds is returned regardless of accept.
func (p *Pool) AcquireWith(key uint64, accept func(slot int) bool) int {
	free := -1
	for g := 0; g < p.groups; g++ {
		base := g * p.step
		for j := 0; j < p.step; j++ {
			i := base + j
			if p.locked[i] {
				if p.keys[i] == key {
					return i
				}
				continue
			}
			if free < 0 && (accept == nil || accept(i)) {
				free = i
			}
		}
	}
	if free < 0 {
		return -1
	}

	if p.taken == p.released && p.firstUse != nil {
		p.firstUse()
	}
	p.taken++
	p.locked[free] = true
	p.keys[free] = key
	return free
}

// AcquireIfExisting returns the slot key holds, or -1. Never reserves.
func (p *Pool) AcquireIfExisting(key uint64) int {
	for i, k := range p.keys {
		if p.locked[i] && k == key {
			return i
		}
	}
	return -1
}

// Release frees the slot key holds and returns it, or -1 when key holds
// nothing. Releasing twice is harmless.
func (p *Pool) Release(key uint64) int {
	for i, k := range p.keys {
		if !p.locked[i] || k != key {
			continue
		}
		p.locked[i] = false
		p.released++
		if p.released == p.taken && p.idle != nil {
			p.idle()
		}
		return i
	}
	return -1
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INSPECTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Locks returns the number of slots currently held.
func (p *Pool) Locks() int { return int(p.taken - p.released) }

// Len returns the number of slots.
func (p *Pool) Len() int { return len(p.keys) }

// Groups returns the number of stripes.
func (p *Pool) Groups() int { return p.groups }

// Group returns the stripe slot belongs to.
func (p *Pool) Group(slot int) int { return slot / p.step }

func (p *Pool) String() string {
	var b strings.Builder
	for i := range p.keys {
		fmt.Fprintf(&b, " I:%d K:%d L:%t\n", i, p.keys[i], p.locked[i])
	}
	return b.String()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// KEY DERIVATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// KeyFromBytes derives a pool key from an external identity such as a
// remote address. The first eight bytes of its SHA3-256 digest are used.
func KeyFromBytes(id []byte) uint64 {
	sum := sha3.Sum256(id)
	return binary.BigEndian.Uint64(sum[:8])
}

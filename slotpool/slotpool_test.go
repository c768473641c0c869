// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🧪 SLOT POOL TEST SUITE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: stageflow
// Component: Striped Slot Pool
//
// Description:
//   Reservation semantics, uniqueness of held keys, predicate filtering, stripe mapping,
//   lifecycle callbacks and key derivation.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package slotpool

import (
	"math/rand"
	"testing"
)

func TestNewValidation(t *testing.T) {
	for _, tc := range []struct{ length, groups int }{
		{10, 3}, {2, 4}, {0, 1}, {4, 0},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("New(%d, %d) did not panic", tc.length, tc.groups)
				}
			}()
			New(tc.length, tc.groups)
		}()
	}
	p := New(12, 3)
	if p.Len() != 12 || p.Groups() != 3 {
		t.Fatalf("Len=%d Groups=%d", p.Len(), p.Groups())
	}
}

func TestAcquireSameKeySameSlot(t *testing.T) {
	p := New(4, 2)
	a := p.Acquire(100)
	b := p.Acquire(200)
	if a < 0 || b < 0 || a == b {
		t.Fatalf("slots %d %d", a, b)
	}
	if again := p.Acquire(100); again != a {
		t.Fatalf("re-acquire got %d, want %d", again, a)
	}
	if p.Locks() != 2 {
		t.Fatalf("locks = %d", p.Locks())
	}
	if p.AcquireIfExisting(200) != b || p.AcquireIfExisting(300) != -1 {
		t.Fatal("AcquireIfExisting mismatch")
	}
	if p.Locks() != 2 {
		t.Fatal("AcquireIfExisting reserved a slot")
	}
}

func TestExhaustion(t *testing.T) {
	p := New(3, 1)
	for k := uint64(1); k <= 3; k++ {
		if p.Acquire(k) < 0 {
			t.Fatalf("key %d refused", k)
		}
	}
	if p.Acquire(4) != -1 {
		t.Fatal("exhausted pool handed out a slot")
	}
	slot := p.Release(2)
	if got := p.Acquire(4); got != slot {
		t.Fatalf("freed slot %d not reused, got %d", slot, got)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := New(2, 1)
	p.Acquire(7)
	if p.Release(7) < 0 {
		t.Fatal("release of held key failed")
	}
	if p.Release(7) != -1 {
		t.Fatal("second release succeeded")
	}
	if p.Release(99) != -1 {
		t.Fatal("release of unknown key succeeded")
	}
	if p.Locks() != 0 {
		t.Fatalf("locks = %d", p.Locks())
	}
}

func TestAcquireWithPredicate(t *testing.T) {
	p := New(8, 4)
	odd := func(slot int) bool { return slot%2 == 1 }
	s := p.AcquireWith(1, odd)
	if s != 1 {
		t.Fatalf("first odd slot = %d", s)
	}
	if p.AcquireWith(1, func(int) bool { return false }) != s {
		t.Fatal("held key refused by predicate")
	}
	if p.AcquireWith(2, func(int) bool { return false }) != -1 {
		t.Fatal("predicate ignored")
	}
	if p.Group(s) != 0 || p.Group(7) != 3 {
		t.Fatal("group mapping wrong")
	}
}

func TestCallbacks(t *testing.T) {
	p := New(4, 2)
	first, idle := 0, 0
	p.OnFirstUse(func() { first++ })
	p.OnIdle(func() { idle++ })

	p.Acquire(1)
	p.Acquire(2)
	p.Acquire(1)
	if first != 1 || idle != 0 {
		t.Fatalf("first=%d idle=%d", first, idle)
	}
	p.Release(1)
	if idle != 0 {
		t.Fatal("idle fired with a key still held")
	}
	p.Release(2)
	if idle != 1 {
		t.Fatalf("idle=%d after last release", idle)
	}
	p.Release(2)
	if idle != 1 {
		t.Fatal("idle fired on redundant release")
	}
	p.Acquire(3)
	if first != 2 {
		t.Fatalf("first=%d after pool reused", first)
	}
}

func TestUniquenessRandomized(t *testing.T) {
	p := New(16, 4)
	rng := rand.New(rand.NewSource(42))
	held := map[uint64]int{}

	for i := 0; i < 20000; i++ {
		k := uint64(rng.Intn(40))
		if rng.Intn(3) == 0 {
			want, ok := held[k]
			got := p.Release(k)
			if ok != (got >= 0) || (ok && got != want) {
				t.Fatalf("release %d: got %d held=%v", k, got, ok)
			}
			delete(held, k)
			continue
		}
		s := p.Acquire(k)
		if prev, ok := held[k]; ok && prev != s {
			t.Fatalf("key %d moved from %d to %d", k, prev, s)
		}
		if s < 0 {
			if len(held) != p.Len() {
				t.Fatalf("refused with %d held", len(held))
			}
			continue
		}
		held[k] = s

		seen := map[int]uint64{}
		for key, slot := range held {
			if other, dup := seen[slot]; dup {
				t.Fatalf("slot %d held by %d and %d", slot, key, other)
			}
			seen[slot] = key
		}
		if p.Locks() != len(held) {
			t.Fatalf("locks %d, held %d", p.Locks(), len(held))
		}
	}
}

func TestKeyFromBytes(t *testing.T) {
	a := KeyFromBytes([]byte("10.0.0.1:443"))
	b := KeyFromBytes([]byte("10.0.0.1:443"))
	c := KeyFromBytes([]byte("10.0.0.2:443"))
	if a != b {
		t.Fatal("key derivation not deterministic")
	}
	if a == c {
		t.Fatal("distinct identities collided")
	}
	if s := New(2, 1).String(); s == "" {
		t.Fatal("empty String()")
	}
}

func BenchmarkAcquireRelease(b *testing.B) {
	p := New(64, 4)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		k := uint64(i & 31)
		p.Acquire(k)
		if i&1 == 1 {
			p.Release(k)
		}
	}
}

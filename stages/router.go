package stages

import (
	"fmt"

	"stageflow/channel"
	"stageflow/constants"
	"stageflow/debug"
	"stageflow/slotpool"
)

// SessionRouter forwards SessionSchema traffic from one input to several
// outputs so that every packet of a session reaches the same output. Sessions
// hold a pool slot from their first packet until Close; the slot's group is
// the output lane.
//
// A packet of a new session that finds the pool full is moved aside. While it
// waits the router keeps consuming Close messages, which free slots, and
// stops at the next Packet or EOF.
type SessionRouter struct {
	handle

	in   *channel.Channel
	outs []*channel.Channel
	pool *slotpool.Pool
	buf  []byte

	held heldPacket

	routed    []uint64 // per output
	firstUses int
	idles     int
}

// NewSessionRouter routes in onto outs with slotsPerOutput concurrent
// sessions per output.
//
// Panics when outs is empty or slotsPerOutput < 1.
func NewSessionRouter(in *channel.Channel, outs []*channel.Channel, slotsPerOutput int) *SessionRouter {
	if len(outs) == 0 || slotsPerOutput < 1 {
		panic(fmt.Sprintf("stages: router needs outputs (%d) and slots per output (%d)", len(outs), slotsPerOutput))
	}
	r := &SessionRouter{
		in:     in,
		outs:   outs,
		pool:   slotpool.New(len(outs)*slotsPerOutput, len(outs)),
		routed: make([]uint64, len(outs)),
	}
	r.pool.OnFirstUse(func() {
		r.firstUses++
		debug.DropMessage("ROUTER", "sessions active")
	})
	r.pool.OnIdle(func() {
		r.idles++
		debug.DropMessage("ROUTER", "sessions idle")
	})
	return r
}

// heldPacket is the packet waiting for a free slot.
type heldPacket struct {
	ok      bool
	key     uint64
	payload []byte
	n       int
	closed  bool // its own Close was consumed behind it
}

func (r *SessionRouter) Startup() error {
	r.buf = make([]byte, r.in.MaxVarLength())
	r.held = heldPacket{payload: make([]byte, r.in.MaxVarLength())}
	return nil
}

func (r *SessionRouter) Run() error {
	for r.outputsHaveRoom() {
		if r.held.ok {
			if r.flushHeld() {
				continue
			}
			if r.in.PeekMsgIdx() != MsgClose {
				return nil
			}
			r.closeSession()
			continue
		}

		switch r.in.PeekMsgIdx() {
		case channel.NoMessage:
			return nil

		case constants.EOFMsgIdx:
			r.in.TakeMsgIdx()
			r.in.ConfirmLowLevelRead(constants.EOFSize)
			r.in.ReleaseReadLock()
			for _, out := range r.outs {
				out.PublishEOF()
			}
			r.requestShutdown()
			return nil

		case MsgPacket:
			r.routePacket()

		case MsgClose:
			r.closeSession()

		default:
			return fmt.Errorf("stages: router: unknown message %d", r.in.PeekMsgIdx())
		}
	}
	return nil
}

// outputsHaveRoom is true when every output can take the largest packet the
// input can deliver followed by a Close, so whatever is read or flushed next
// can be forwarded.
func (r *SessionRouter) outputsHaveRoom() bool {
	pair := SessionSchema.SizeOf(MsgPacket) + SessionSchema.SizeOf(MsgClose)
	for _, out := range r.outs {
		if !out.HasRoomForMessage(MsgPacket, r.in.MaxVarLength()) || !out.HasRoomForWrite(pair) {
			return false
		}
	}
	return true
}

// routePacket consumes one packet. A new session that finds the pool full is
// parked in r.held.
func (r *SessionRouter) routePacket() {
	r.in.TakeMsgIdx()
	key := uint64(r.in.TakeLong())
	slot := r.pool.Acquire(key)
	if slot < 0 {
		r.held.n = r.in.TakeBytes(r.held.payload)
		r.held.key = key
		r.held.ok = true
		r.held.closed = false
	} else {
		n := r.in.TakeBytes(r.buf)
		r.forwardPacket(slot, key, r.buf[:n])
	}
	r.in.ConfirmLowLevelRead(SessionSchema.SizeOf(MsgPacket))
	r.in.ReleaseReadLock()
}

// flushHeld forwards the parked packet once a slot is free, followed by its
// Close when that was already consumed.
func (r *SessionRouter) flushHeld() bool {
	slot := r.pool.Acquire(r.held.key)
	if slot < 0 {
		return false
	}
	r.held.ok = false
	r.forwardPacket(slot, r.held.key, r.held.payload[:r.held.n])
	if r.held.closed {
		r.forwardClose(r.held.key)
	}
	return true
}

func (r *SessionRouter) forwardPacket(slot int, key uint64, payload []byte) {
	lane := r.pool.Group(slot)
	out := r.outs[lane]
	size := out.AddMsgIdx(MsgPacket)
	out.AddLong(int64(key))
	out.AddBytes(payload)
	out.ConfirmLowLevelWrite(size)
	out.Publish()
	r.routed[lane]++
}

func (r *SessionRouter) closeSession() {
	r.in.TakeMsgIdx()
	key := uint64(r.in.TakeLong())
	r.in.ConfirmLowLevelRead(SessionSchema.SizeOf(MsgClose))
	r.in.ReleaseReadLock()

	if r.held.ok && r.held.key == key {
		r.held.closed = true
		return
	}
	r.forwardClose(key)
}

func (r *SessionRouter) forwardClose(key uint64) {
	slot := r.pool.Release(key)
	if slot < 0 {
		return
	}
	out := r.outs[r.pool.Group(slot)]
	size := out.AddMsgIdx(MsgClose)
	out.AddLong(int64(key))
	out.ConfirmLowLevelWrite(size)
	out.Publish()
}

func (r *SessionRouter) Shutdown() error {
	r.in.ReleaseAllPendingReadLock()
	return nil
}

// Holding reports whether a packet is waiting for a free slot.
func (r *SessionRouter) Holding() bool { return r.held.ok }

// Lane returns the output index session key is pinned to, or -1.
func (r *SessionRouter) Lane(key uint64) int {
	slot := r.pool.AcquireIfExisting(key)
	if slot < 0 {
		return -1
	}
	return r.pool.Group(slot)
}

// Routed returns the packets forwarded to output lane.
func (r *SessionRouter) Routed(lane int) uint64 { return r.routed[lane] }

// Sessions returns the number of sessions holding a slot.
func (r *SessionRouter) Sessions() int { return r.pool.Locks() }

// FirstUses and Idles count the pool's busy and idle transitions.
func (r *SessionRouter) FirstUses() int { return r.firstUses }
func (r *SessionRouter) Idles() int     { return r.idles }

package stages

import (
	"fmt"
	"sync/atomic"

	"stageflow/channel"
	"stageflow/constants"
	"stageflow/slotpool"
)

// SessionKey derives the SessionSchema key of a peer address.
func SessionKey(peer string) int64 {
	return int64(slotpool.KeyFromBytes([]byte(peer)))
}

// Packet is one record played by a PacketSource. Close ends the peer's
// session after the payload.
type Packet struct {
	Peer    string
	Payload []byte
	Close   bool
}

// PacketSource writes a fixed list of packets on a SessionSchema channel,
// then end of stream. It asks to be shut down once its reader has released
// everything, so a scheduler it shares with downstream stages keeps running
// until end of stream has left the channel.
type PacketSource struct {
	handle

	out     *channel.Channel
	packets []Packet
	next    int
	closing bool // packets[next] was written, its Close was not
	eof     bool
	stopped bool
}

// NewPacketSource returns a source playing packets onto out.
func NewPacketSource(out *channel.Channel, packets []Packet) *PacketSource {
	return &PacketSource{out: out, packets: packets}
}

func (p *PacketSource) Startup() error {
	p.next = 0
	p.closing = false
	p.eof = false
	p.stopped = false
	return nil
}

func (p *PacketSource) Run() error {
	for p.next < len(p.packets) {
		pk := p.packets[p.next]
		key := SessionKey(pk.Peer)
		if !p.closing {
			if !p.out.HasRoomForMessage(MsgPacket, len(pk.Payload)) {
				break
			}
			size := p.out.AddMsgIdx(MsgPacket)
			p.out.AddLong(key)
			p.out.AddBytes(pk.Payload)
			p.out.ConfirmLowLevelWrite(size)
			if !pk.Close {
				p.next++
				continue
			}
			p.closing = true
		}
		if !p.out.HasRoomForMessage(MsgClose, 0) {
			break
		}
		size := p.out.AddMsgIdx(MsgClose)
		p.out.AddLong(key)
		p.out.ConfirmLowLevelWrite(size)
		p.closing = false
		p.next++
	}
	p.out.Publish()

	if p.next == len(p.packets) && !p.eof && p.out.HasRoomForWrite(constants.EOFSize) {
		p.out.PublishEOF()
		p.eof = true
	}
	if p.eof && !p.stopped && p.out.IsEmpty() {
		p.stopped = true
		p.requestShutdown()
	}
	return nil
}

func (p *PacketSource) Shutdown() error { return nil }

// Done reports whether end of stream was published.
func (p *PacketSource) Done() bool { return p.eof }

// PacketCounter consumes a SessionSchema channel and counts what it sees.
type PacketCounter struct {
	handle

	in  *channel.Channel
	buf []byte

	packets atomic.Int64
	closes  atomic.Int64
	bytes   atomic.Int64
	eof     atomic.Bool
}

// NewPacketCounter returns a counter reading in.
func NewPacketCounter(in *channel.Channel) *PacketCounter {
	return &PacketCounter{in: in}
}

func (c *PacketCounter) Startup() error {
	c.buf = make([]byte, c.in.MaxVarLength())
	return nil
}

func (c *PacketCounter) Run() error {
	for c.in.HasContentToRead() {
		idx := c.in.TakeMsgIdx()
		switch idx {
		case constants.EOFMsgIdx:
			c.in.ConfirmLowLevelRead(constants.EOFSize)
			c.in.ReleaseReadLock()
			c.eof.Store(true)
			c.requestShutdown()
			return nil
		case MsgPacket:
			c.in.TakeLong()
			c.bytes.Add(int64(c.in.TakeBytes(c.buf)))
			c.packets.Add(1)
		case MsgClose:
			c.in.TakeLong()
			c.closes.Add(1)
		default:
			return fmt.Errorf("stages: counter: unknown message %d", idx)
		}
		c.in.ConfirmLowLevelRead(c.in.SizeOf(idx))
		c.in.ReleaseReadLock()
	}
	return nil
}

func (c *PacketCounter) Shutdown() error {
	c.in.ReleaseAllPendingReadLock()
	return nil
}

// Packets, Closes and Bytes return the totals so far.
func (c *PacketCounter) Packets() int64 { return c.packets.Load() }
func (c *PacketCounter) Closes() int64  { return c.closes.Load() }
func (c *PacketCounter) Bytes() int64   { return c.bytes.Load() }

// SawEOF reports whether end of stream was read.
func (c *PacketCounter) SawEOF() bool { return c.eof.Load() }

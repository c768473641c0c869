package channel

import "fmt"

// NoMessage is returned by PeekMsgIdx when nothing is committed.
const NoMessage int32 = -2

// ============================================================================
// AVAILABILITY
// ============================================================================

// HasContentToRead reports whether a committed message is waiting past the
// reader's working tail.
//
//go:nosplit
//go:inline
func (c *Channel) HasContentToRead() bool {
	if c.workingTail < c.cachedHead {
		return true
	}
	c.cachedHead = c.head.Load()
	return c.workingTail < c.cachedHead
}

// PeekMsgIdx returns the type of the next message without consuming it,
// or NoMessage.
func (c *Channel) PeekMsgIdx() int32 {
	if !c.HasContentToRead() {
		return NoMessage
	}
	return int32(c.slots[c.workingTail&c.mask])
}

// ============================================================================
// FIELD READS
// ============================================================================

// TakeMsgIdx consumes the message type of the next message.
//
// Panics if no committed content is available.
func (c *Channel) TakeMsgIdx() int32 {
	if !c.HasContentToRead() {
		panic(fmt.Sprintf("channel %s: read past head %d", c.name, c.cachedHead))
	}
	c.readStart = c.workingTail
	v := int32(c.slots[c.workingTail&c.mask])
	c.workingTail++
	return v
}

// TakeInt consumes a 32-bit field.
func (c *Channel) TakeInt() int32 {
	v := int32(c.slots[c.workingTail&c.mask])
	c.workingTail++
	return v
}

// TakeLong consumes a 64-bit field.
func (c *Channel) TakeLong() int64 {
	hi := uint64(c.slots[c.workingTail&c.mask])
	lo := uint64(c.slots[(c.workingTail+1)&c.mask])
	c.workingTail += 2
	return int64(hi<<32 | lo)
}

// TakeBytes copies the next Bytes field into dst and returns its length.
//
// Panics if dst is shorter than the payload.
func (c *Channel) TakeBytes(dst []byte) int {
	a, b := c.TakeBytesView()
	n := len(a) + len(b)
	if len(dst) < n {
		panic(fmt.Sprintf("channel %s: destination of %d bytes for payload of %d", c.name, len(dst), n))
	}
	copy(dst, a)
	copy(dst[len(a):], b)
	return n
}

// TakeBytesView consumes the next Bytes field and returns it as views into
// the payload ring. b is non-empty only when the payload wraps. The views are
// valid until the message is released.
func (c *Channel) TakeBytesView() (a, b []byte) {
	pos := uint64(c.slots[c.workingTail&c.mask])
	n := uint64(c.slots[(c.workingTail+1)&c.mask])
	c.workingTail += 2
	if n == 0 {
		return c.blob[pos:pos], nil
	}
	if pos+n > c.byteSize {
		first := c.byteSize - pos
		return c.blob[pos:c.byteSize], c.blob[:n-first]
	}
	return c.blob[pos : pos+n], nil
}

// AbandonRead rewinds to the start of the message opened by the last
// TakeMsgIdx so that it is read again. Valid only before ConfirmLowLevelRead.
func (c *Channel) AbandonRead() {
	c.workingTail = c.readStart
}

// ============================================================================
// RELEASE
// ============================================================================

// ConfirmLowLevelRead consumes the payload trailer of the current message.
// size must equal the value SizeOf returns for the message type.
func (c *Channel) ConfirmLowLevelRead(size int) {
	consumed := int(c.workingTail-c.readStart) + 1
	if consumed != size {
		panic(fmt.Sprintf("channel %s: confirmed read of %d slots but consumed %d", c.name, size, consumed))
	}
	c.workingByteTail += uint64(c.slots[c.workingTail&c.mask])
	c.workingTail++
	c.pending++
}

// SetReleaseBatch makes ReleaseReadLock commit only every n messages.
// Values below 1 disable batching.
func (c *Channel) SetReleaseBatch(n int) {
	if n < 1 {
		n = 1
	}
	c.releaseBatch = n
}

// ReleaseReadLock hands consumed slots back to the writer, honouring the
// release batch.
func (c *Channel) ReleaseReadLock() {
	if c.pending >= c.releaseBatch {
		c.commitRelease()
	}
}

// ReleaseAllPendingReadLock hands back every consumed slot regardless of
// the release batch.
func (c *Channel) ReleaseAllPendingReadLock() {
	if c.pending > 0 {
		c.commitRelease()
	}
}

// PendingRelease returns messages consumed but not yet handed back.
func (c *Channel) PendingRelease() int { return c.pending }

func (c *Channel) commitRelease() {
	c.byteTail.Store(c.workingByteTail)
	c.tail.Store(c.workingTail)
	c.released.Add(uint64(c.pending))
	c.pending = 0
	if c.releaseMonitor != nil {
		c.releaseMonitor.Mark()
	}
}

// ============================================================================
// CONVENIENCE
// ============================================================================

// ReadChunk consumes one RawSchema message into dst. It returns the payload
// length, or -1 when the message was end of stream. ok is false when nothing
// was available.
func (c *Channel) ReadChunk(dst []byte) (n int, ok bool) {
	if !c.HasContentToRead() {
		return 0, false
	}
	idx := c.TakeMsgIdx()
	if idx < 0 {
		c.ConfirmLowLevelRead(c.schema.SizeOf(idx))
		c.ReleaseReadLock()
		return -1, true
	}
	n = c.TakeBytes(dst)
	c.ConfirmLowLevelRead(c.schema.SizeOf(idx))
	c.ReleaseReadLock()
	return n, true
}

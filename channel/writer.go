package channel

import (
	"fmt"

	"stageflow/constants"
)

// ============================================================================
// ROOM CHECKS
// ============================================================================

// HasRoomForWrite reports whether n more slots fit behind the working head.
// The cached tail is refreshed only when the cached view says no.
//
//go:nosplit
//go:inline
func (c *Channel) HasRoomForWrite(n int) bool {
	need := c.workingHead + uint64(n)
	if need-c.cachedTail <= c.size {
		return true
	}
	c.cachedTail = c.tail.Load()
	return need-c.cachedTail <= c.size
}

// HasRoomForBytes reports whether n more payload bytes fit behind the
// working byte head.
//
//go:nosplit
//go:inline
func (c *Channel) HasRoomForBytes(n int) bool {
	need := c.workingByteHead + uint64(n)
	if need-c.cachedByteTail <= c.byteSize {
		return true
	}
	c.cachedByteTail = c.byteTail.Load()
	return need-c.cachedByteTail <= c.byteSize
}

// HasRoomForMessage reports whether a whole message of type msgIdx carrying
// bytes payload bytes can be written now.
func (c *Channel) HasRoomForMessage(msgIdx int32, bytes int) bool {
	return c.HasRoomForWrite(c.schema.SizeOf(msgIdx)) && c.HasRoomForBytes(bytes)
}

// ============================================================================
// FIELD WRITES
// ============================================================================

// AddMsgIdx opens a message of type idx and returns its slot count.
//
// Panics:
//   - A previous message is still open (not confirmed)
//   - The structured ring has no room for the whole message
func (c *Channel) AddMsgIdx(idx int32) int {
	if c.msgOpen {
		panic(fmt.Sprintf("channel %s: AddMsgIdx(%d) while message %d unconfirmed",
			c.name, idx, int32(c.slots[c.msgStart&c.mask])))
	}
	size := c.schema.SizeOf(idx)
	if !c.HasRoomForWrite(size) {
		panic(fmt.Sprintf("channel %s: no room for %d slots (head=%d tail=%d cap=%d)",
			c.name, size, c.workingHead, c.cachedTail, c.size))
	}

	c.msgStart = c.workingHead
	c.msgByteStart = c.workingByteHead
	c.msgOpen = true
	c.msgField = 0
	c.msgDef = nil
	if idx != constants.EOFMsgIdx {
		c.msgDef = c.schema.Message(idx)
	}

	c.slots[c.workingHead&c.mask] = uint32(idx)
	c.workingHead++
	return size
}

// AddInt writes a 32-bit field.
func (c *Channel) AddInt(v int32) {
	c.nextField(Int)
	c.slots[c.workingHead&c.mask] = uint32(v)
	c.workingHead++
}

// AddLong writes a 64-bit field as two slots, high word first.
func (c *Channel) AddLong(v int64) {
	c.nextField(Long)
	c.slots[c.workingHead&c.mask] = uint32(uint64(v) >> 32)
	c.slots[(c.workingHead+1)&c.mask] = uint32(v)
	c.workingHead += 2
}

// AddBytes copies src into the payload ring and records its position and
// length. A payload that crosses the end of the ring is written as two copies.
//
// Panics:
//   - len(src) > MaxVarLength
//   - len(src) == 0 and the field does not allow empty payloads
//   - Not enough payload room
func (c *Channel) AddBytes(src []byte) {
	f := c.nextField(Bytes)
	n := len(src)
	if n > c.maxVar {
		panic(fmt.Sprintf("channel %s: payload of %d bytes exceeds max %d", c.name, n, c.maxVar))
	}
	if n == 0 && !f.AllowEmpty {
		panic(fmt.Sprintf("channel %s: empty payload for field %s", c.name, f.Name))
	}
	if !c.HasRoomForBytes(n) {
		panic(fmt.Sprintf("channel %s: no room for %d payload bytes (byteHead=%d byteTail=%d cap=%d)",
			c.name, n, c.workingByteHead, c.cachedByteTail, c.byteSize))
	}

	pos := c.workingByteHead
	if n > 0 {
		start := pos & c.byteMask
		if start > (pos+uint64(n)-1)&c.byteMask {
			first := c.byteSize - start
			copy(c.blob[start:], src[:first])
			copy(c.blob, src[first:])
		} else {
			copy(c.blob[start:start+uint64(n)], src)
		}
	}

	c.slots[c.workingHead&c.mask] = uint32(pos & c.byteMask)
	c.slots[(c.workingHead+1)&c.mask] = uint32(n)
	c.workingHead += 2
	c.workingByteHead += uint64(n)
}

// nextField validates the next field of the open message against kind.
func (c *Channel) nextField(kind Kind) *Field {
	if c.msgDef == nil {
		panic(fmt.Sprintf("channel %s: %s field written without an open message", c.name, kind))
	}
	if c.msgField >= len(c.msgDef.Fields) {
		panic(fmt.Sprintf("channel %s: message %s has only %d fields",
			c.name, c.msgDef.Name, len(c.msgDef.Fields)))
	}
	f := &c.msgDef.Fields[c.msgField]
	if f.Kind != kind {
		panic(fmt.Sprintf("channel %s: field %s.%s is %s, written as %s",
			c.name, c.msgDef.Name, f.Name, f.Kind, kind))
	}
	c.msgField++
	return f
}

// ============================================================================
// COMMIT
// ============================================================================

// ConfirmLowLevelWrite closes the open message by writing its payload
// trailer. size must equal the value returned by AddMsgIdx.
func (c *Channel) ConfirmLowLevelWrite(size int) {
	if !c.msgOpen {
		panic(fmt.Sprintf("channel %s: confirm without an open message", c.name))
	}
	written := int(c.workingHead-c.msgStart) + 1
	if written != size {
		panic(fmt.Sprintf("channel %s: confirmed size %d but wrote %d slots", c.name, size, written))
	}

	c.slots[c.workingHead&c.mask] = uint32(c.workingByteHead - c.msgByteStart)
	c.workingHead++
	c.msgOpen = false
	c.msgDef = nil
	c.confirmed++
}

// Publish makes every confirmed message visible to the reader. The payload
// head is stored before the structured head so a reader that observes a
// message also observes its bytes. Publishing with nothing written is a no-op.
func (c *Channel) Publish() {
	if c.msgOpen {
		panic(fmt.Sprintf("channel %s: publish with an unconfirmed message", c.name))
	}
	if c.confirmed == 0 {
		return
	}
	c.byteHead.Store(c.workingByteHead)
	c.head.Store(c.workingHead)
	c.published.Add(c.confirmed)
	c.confirmed = 0
	if c.publishMonitor != nil {
		c.publishMonitor.Mark()
	}
}

// Abandon discards everything written since the last Publish.
func (c *Channel) Abandon() {
	c.workingHead = c.head.Load()
	c.workingByteHead = c.byteHead.Load()
	c.msgOpen = false
	c.msgDef = nil
	c.msgField = 0
	c.confirmed = 0
}

// PublishEOF writes and publishes the end-of-stream marker.
func (c *Channel) PublishEOF() {
	size := c.AddMsgIdx(constants.EOFMsgIdx)
	c.ConfirmLowLevelWrite(size)
	c.Publish()
}

// IsInWrite reports whether the writer holds slots that are not published.
func (c *Channel) IsInWrite() bool {
	return c.workingHead != c.head.Load()
}

// ============================================================================
// CONVENIENCE
// ============================================================================

// WriteChunk writes and publishes one RawSchema message carrying payload.
// Returns false without writing when there is no room.
func (c *Channel) WriteChunk(payload []byte) bool {
	if !c.HasRoomForMessage(0, len(payload)) {
		return false
	}
	size := c.AddMsgIdx(0)
	c.AddBytes(payload)
	c.ConfirmLowLevelWrite(size)
	c.Publish()
	return true
}

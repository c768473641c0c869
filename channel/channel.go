// ============================================================================
// STRUCTURED SPSC CHANNEL
// ============================================================================
//
// Single-writer/single-reader ring pair carrying typed, variable-length
// messages between two stages without per-message allocation.
//
// Core capabilities:
//   - Structured ring of 32-bit slots for fixed-size fields
//   - Parallel byte ring for variable-length payloads with wrap-around copies
//   - Transactional writes: fields accumulate behind a working head and
//     become visible only on Publish; Abandon discards them
//   - Batched read release for decoders that consume several messages
//
// Architecture overview:
//   - Committed cursors (head, byteHead / tail, byteTail) on isolated cache
//     lines, written with atomic stores and read with atomic loads
//   - Writer-local and reader-local working cursors never shared
//   - Cached copies of the opposite cursor avoid cross-core loads on the
//     common path
//
// Safety model:
//   - SPSC discipline required: one writer stage, one reader stage
//   - Capacity and schema violations panic; they are programmer errors
//   - Views returned by TakeBytesView stay valid until ReleaseReadLock

package channel

import (
	"fmt"
	"sync/atomic"

	"stageflow/constants"
	"stageflow/control"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config fixes the geometry of a channel. Zero values select defaults.
type Config struct {
	Name         string
	SlotBits     uint8   // structured ring holds 1<<SlotBits slots
	BlobBits     uint8   // payload ring holds 1<<BlobBits bytes
	MaxVarLength int     // largest single Bytes field; 0 means the payload ring size
	Schema       *Schema // nil selects RawSchema
}

func (c Config) withDefaults() Config {
	if c.SlotBits == 0 {
		c.SlotBits = constants.DefaultSlotBits
	}
	if c.BlobBits == 0 {
		c.BlobBits = constants.DefaultBlobBits
	}
	if c.Schema == nil {
		c.Schema = RawSchema
	}
	if c.MaxVarLength == 0 {
		c.MaxVarLength = 1 << c.BlobBits
	}
	return c
}

// ============================================================================
// CORE DATA STRUCTURE
// ============================================================================

// Channel is a structured ring-buffer channel.
//
// Memory layout:
//   - Cache line 1: committed write cursors (writer stores, reader loads)
//   - Cache line 2: committed read cursors (reader stores, writer loads)
//   - Writer block: working cursors, open message bookkeeping
//   - Reader block: working cursors, pending release bookkeeping
//   - Cold block: geometry and backing arrays
//
//go:notinheap
//go:align 64
type Channel struct {
	_        [64]byte
	head     atomic.Uint64 // committed structured head
	byteHead atomic.Uint64 // committed payload head

	_        [48]byte
	tail     atomic.Uint64 // committed structured tail
	byteTail atomic.Uint64 // committed payload tail

	_ [48]byte

	// Writer side
	workingHead     uint64
	workingByteHead uint64
	cachedTail      uint64
	cachedByteTail  uint64
	msgStart        uint64   // workingHead at AddMsgIdx
	msgByteStart    uint64   // workingByteHead at AddMsgIdx
	msgDef          *Message // open message definition, nil when none
	msgField        int      // next field index within msgDef
	msgOpen         bool
	confirmed       uint64 // complete messages written since last Publish
	published       atomic.Uint64
	publishMonitor  *control.Monitor

	_ [64]byte

	// Reader side
	workingTail     uint64
	workingByteTail uint64
	cachedHead      uint64
	readStart       uint64
	pending         int // messages released but not yet committed
	releaseBatch    int
	released        atomic.Uint64
	releaseMonitor  *control.Monitor

	_ [64]byte

	// Geometry
	id       int
	name     string
	slots    []uint32
	blob     []byte
	mask     uint64
	byteMask uint64
	size     uint64
	byteSize uint64
	maxVar   int
	schema   *Schema
	slotBits uint8
	blobBits uint8
}

// ============================================================================
// CONSTRUCTION
// ============================================================================

// New creates a channel with the given geometry. Buffers are not allocated
// until InitBuffers so that a stage can allocate on the thread that runs it.
//
// Panics:
//   - SlotBits or BlobBits outside [MinRingBits, MaxRingBits]
//   - MaxVarLength larger than the payload ring
func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	if cfg.SlotBits < constants.MinRingBits || cfg.SlotBits > constants.MaxRingBits {
		panic(fmt.Sprintf("channel: slot bits %d out of range", cfg.SlotBits))
	}
	if cfg.BlobBits < constants.MinRingBits || cfg.BlobBits > constants.MaxRingBits {
		panic(fmt.Sprintf("channel: blob bits %d out of range", cfg.BlobBits))
	}
	if cfg.MaxVarLength < 0 || cfg.MaxVarLength > 1<<cfg.BlobBits {
		panic(fmt.Sprintf("channel: max var length %d exceeds payload ring %d", cfg.MaxVarLength, 1<<cfg.BlobBits))
	}
	if cfg.Schema.MaxSize() > 1<<cfg.SlotBits {
		panic(fmt.Sprintf("channel: schema %s message of %d slots cannot fit %d slots",
			cfg.Schema.Name(), cfg.Schema.MaxSize(), 1<<cfg.SlotBits))
	}

	return &Channel{
		id:           -1,
		name:         cfg.Name,
		size:         1 << cfg.SlotBits,
		byteSize:     1 << cfg.BlobBits,
		mask:         (1 << cfg.SlotBits) - 1,
		byteMask:     (1 << cfg.BlobBits) - 1,
		maxVar:       cfg.MaxVarLength,
		schema:       cfg.Schema,
		slotBits:     cfg.SlotBits,
		blobBits:     cfg.BlobBits,
		releaseBatch: 1,
	}
}

// InitBuffers allocates the rings. Safe to call more than once.
func (c *Channel) InitBuffers() {
	if c.slots != nil {
		return
	}
	c.slots = make([]uint32, c.size)
	c.blob = make([]byte, c.byteSize)
}

// IsInit reports whether InitBuffers has run.
func (c *Channel) IsInit() bool {
	return c.slots != nil
}

// Release drops the backing arrays. The channel must not be used afterwards
// until InitBuffers is called again.
func (c *Channel) Release() {
	c.slots = nil
	c.blob = nil
	c.Reset()
}

// Reset returns every cursor to zero. Only valid while neither side is active.
func (c *Channel) Reset() {
	c.head.Store(0)
	c.byteHead.Store(0)
	c.tail.Store(0)
	c.byteTail.Store(0)
	c.workingHead, c.workingByteHead = 0, 0
	c.cachedTail, c.cachedByteTail = 0, 0
	c.msgStart, c.msgByteStart = 0, 0
	c.msgDef, c.msgField, c.msgOpen = nil, 0, false
	c.confirmed = 0
	c.workingTail, c.workingByteTail = 0, 0
	c.cachedHead, c.readStart = 0, 0
	c.pending = 0
	c.published.Store(0)
	c.released.Store(0)
}

// ============================================================================
// IDENTITY AND GEOMETRY
// ============================================================================

// SetID assigns the registry identity. Called once by the topology.
func (c *Channel) SetID(id int) { c.id = id }

// ID returns the registry identity, -1 when unregistered.
func (c *Channel) ID() int { return c.id }

// Name returns the configured name.
func (c *Channel) Name() string { return c.name }

// Schema returns the message schema.
func (c *Channel) Schema() *Schema { return c.schema }

// SizeOf returns the slot count of message msgIdx on this channel.
func (c *Channel) SizeOf(msgIdx int32) int { return c.schema.SizeOf(msgIdx) }

// SlotCapacity returns N.
func (c *Channel) SlotCapacity() int { return int(c.size) }

// ByteCapacity returns B.
func (c *Channel) ByteCapacity() int { return int(c.byteSize) }

// MaxVarLength returns the largest accepted Bytes field.
func (c *Channel) MaxVarLength() int { return c.maxVar }

// Config returns a config that reproduces this channel's geometry.
func (c *Channel) Config() Config {
	return Config{
		Name:         c.name,
		SlotBits:     c.slotBits,
		BlobBits:     c.blobBits,
		MaxVarLength: c.maxVar,
		Schema:       c.schema,
	}
}

// ============================================================================
// ACTIVITY MONITORS
// ============================================================================

// SetPublishMonitor attaches the monitor of the scheduler running the writer.
func (c *Channel) SetPublishMonitor(m *control.Monitor) { c.publishMonitor = m }

// SetReleaseMonitor attaches the monitor of the scheduler running the reader.
func (c *Channel) SetReleaseMonitor(m *control.Monitor) { c.releaseMonitor = m }

// Published returns the number of messages made visible to the reader.
func (c *Channel) Published() uint64 { return c.published.Load() }

// Released returns the number of messages whose slots were handed back.
func (c *Channel) Released() uint64 { return c.released.Load() }

// ============================================================================
// CURSORS
// ============================================================================

// Head returns the committed structured head.
func (c *Channel) Head() uint64 { return c.head.Load() }

// Tail returns the committed structured tail.
func (c *Channel) Tail() uint64 { return c.tail.Load() }

// ByteHead returns the committed payload head.
func (c *Channel) ByteHead() uint64 { return c.byteHead.Load() }

// ByteTail returns the committed payload tail.
func (c *Channel) ByteTail() uint64 { return c.byteTail.Load() }

// WorkingHead returns the writer's uncommitted structured head.
func (c *Channel) WorkingHead() uint64 { return c.workingHead }

// WorkingByteHead returns the writer's uncommitted payload head.
func (c *Channel) WorkingByteHead() uint64 { return c.workingByteHead }

// WorkingTail returns the reader's uncommitted structured tail.
func (c *Channel) WorkingTail() uint64 { return c.workingTail }

// ContentRemaining returns committed slots not yet released by the reader.
// Safe from any goroutine.
func (c *Channel) ContentRemaining() int {
	return int(c.head.Load() - c.tail.Load())
}

// IsEmpty reports whether no committed content remains.
func (c *Channel) IsEmpty() bool {
	return c.ContentRemaining() == 0
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel#%d %s[%s] slots=%d/%d bytes=%d/%d",
		c.id, c.name, c.schema.Name(),
		c.head.Load()-c.tail.Load(), c.size,
		c.byteHead.Load()-c.byteTail.Load(), c.byteSize)
}

package channel

import "stageflow/constants"

// Kind is the wire shape of one message field inside the structured ring.
type Kind uint8

const (
	// Int occupies one 32-bit slot.
	Int Kind = iota
	// Long occupies two slots, high word first.
	Long
	// Bytes occupies two slots (start position, length) plus payload bytes.
	Bytes
)

// Slots returns the number of structured slots a field of this kind uses.
//
//go:nosplit
//go:inline
func (k Kind) Slots() int {
	if k == Int {
		return 1
	}
	return 2
}

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Long:
		return "long"
	case Bytes:
		return "bytes"
	}
	return "unknown"
}

// Field describes one field of a message.
type Field struct {
	Name string
	Kind Kind
	// AllowEmpty permits a zero-length payload for a Bytes field.
	AllowEmpty bool
}

// Message describes one message type. Its index in the Schema is the value
// written by AddMsgIdx.
type Message struct {
	Name   string
	Fields []Field
}

// Schema is the ordered set of message types a channel carries.
// Sizes are computed once at construction so SizeOf is a table lookup.
type Schema struct {
	name     string
	messages []Message
	sizes    []int
}

// NewSchema builds a schema. Message i is addressed by msgIdx i.
func NewSchema(name string, messages ...Message) *Schema {
	s := &Schema{
		name:     name,
		messages: messages,
		sizes:    make([]int, len(messages)),
	}
	for i, m := range messages {
		size := 2 // msgIdx + blob trailer
		for _, f := range m.Fields {
			size += f.Kind.Slots()
		}
		s.sizes[i] = size
	}
	return s
}

// RawSchema carries opaque byte fragments: message 0 with one Bytes field.
var RawSchema = NewSchema("raw", Message{
	Name:   "Chunk",
	Fields: []Field{{Name: "Payload", Kind: Bytes}},
})

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Len returns the number of message types.
func (s *Schema) Len() int { return len(s.messages) }

// Message returns the definition for msgIdx.
func (s *Schema) Message(msgIdx int32) *Message {
	return &s.messages[msgIdx]
}

// SizeOf returns the slot count of a complete message of type msgIdx,
// including the msgIdx slot and the blob trailer. End of stream is EOFSize.
//
//go:nosplit
//go:inline
func (s *Schema) SizeOf(msgIdx int32) int {
	if msgIdx == constants.EOFMsgIdx {
		return constants.EOFSize
	}
	return s.sizes[msgIdx]
}

// MaxSize returns the largest message size in the schema.
func (s *Schema) MaxSize() int {
	max := constants.EOFSize
	for _, v := range s.sizes {
		if v > max {
			max = v
		}
	}
	return max
}

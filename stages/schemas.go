// Package stages holds small reference stages: an integer producer, a summing
// consumer, and a session router that pins keys to output lanes.
package stages

import (
	"stageflow/channel"
	"stageflow/topology"
)

// IntSchema carries one 32-bit value per message.
var IntSchema = channel.NewSchema("int", channel.Message{
	Name:   "Value",
	Fields: []channel.Field{{Name: "Value", Kind: channel.Int}},
})

// Message indexes of SessionSchema.
const (
	MsgPacket int32 = 0
	MsgClose  int32 = 1
)

// SessionSchema carries packets tagged with a session key. Close ends a
// session and frees its lane.
var SessionSchema = channel.NewSchema("session",
	channel.Message{
		Name: "Packet",
		Fields: []channel.Field{
			{Name: "Session", Kind: channel.Long},
			{Name: "Payload", Kind: channel.Bytes, AllowEmpty: true},
		},
	},
	channel.Message{
		Name:   "Close",
		Fields: []channel.Field{{Name: "Session", Kind: channel.Long}},
	},
)

// handle is embedded by stages that stop themselves.
type handle struct {
	graph *topology.Graph
	id    topology.StageID
}

// Bind implements topology.Binder.
func (h *handle) Bind(g *topology.Graph, id topology.StageID) {
	h.graph = g
	h.id = id
}

func (h *handle) requestShutdown() {
	if h.graph != nil {
		h.graph.RequestShutdown(h.id)
	}
}

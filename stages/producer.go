package stages

import (
	"stageflow/channel"
	"stageflow/constants"
)

// IntProducer writes 1..Count on an IntSchema channel, then end of stream,
// then asks to be shut down. Each Run writes as many values as fit.
type IntProducer struct {
	handle

	out   *channel.Channel
	count int32
	next  int32
	eof   bool
}

// NewIntProducer returns a producer of count values on out.
func NewIntProducer(out *channel.Channel, count int32) *IntProducer {
	return &IntProducer{out: out, count: count}
}

func (p *IntProducer) Startup() error {
	p.next = 1
	p.eof = false
	return nil
}

func (p *IntProducer) Run() error {
	size := p.out.SizeOf(0)
	for p.next <= p.count && p.out.HasRoomForWrite(size) {
		p.out.AddMsgIdx(0)
		p.out.AddInt(p.next)
		p.out.ConfirmLowLevelWrite(size)
		p.next++
	}
	p.out.Publish()

	if p.next > p.count && !p.eof && p.out.HasRoomForWrite(constants.EOFSize) {
		p.out.PublishEOF()
		p.eof = true
		p.requestShutdown()
	}
	return nil
}

func (p *IntProducer) Shutdown() error { return nil }

// Done reports whether end of stream was published.
func (p *IntProducer) Done() bool { return p.eof }

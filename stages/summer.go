package stages

import (
	"sync/atomic"

	"stageflow/channel"
	"stageflow/constants"
)

// Summer adds up the values of an IntSchema channel and asks to be shut down
// at end of stream.
type Summer struct {
	handle

	in    *channel.Channel
	sum   atomic.Int64
	count atomic.Int64
	eof   atomic.Bool
}

// NewSummer returns a consumer of in.
func NewSummer(in *channel.Channel) *Summer {
	return &Summer{in: in}
}

func (s *Summer) Startup() error { return nil }

func (s *Summer) Run() error {
	for s.in.HasContentToRead() {
		idx := s.in.TakeMsgIdx()
		if idx == constants.EOFMsgIdx {
			s.in.ConfirmLowLevelRead(constants.EOFSize)
			s.in.ReleaseReadLock()
			s.eof.Store(true)
			s.requestShutdown()
			return nil
		}
		v := s.in.TakeInt()
		s.in.ConfirmLowLevelRead(s.in.SizeOf(idx))
		s.in.ReleaseReadLock()
		s.sum.Add(int64(v))
		s.count.Add(1)
	}
	return nil
}

func (s *Summer) Shutdown() error {
	s.in.ReleaseAllPendingReadLock()
	return nil
}

// Sum returns the total so far.
func (s *Summer) Sum() int64 { return s.sum.Load() }

// Count returns the number of values read.
func (s *Summer) Count() int64 { return s.count.Load() }

// SawEOF reports whether end of stream was read.
func (s *Summer) SawEOF() bool { return s.eof.Load() }

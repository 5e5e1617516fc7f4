// Package exchange implements the pull-style single-slot handoff used to
// feed audio buffers to a codec that requests input on demand rather than
// accepting it pushed.
//
// A producer writes one buffer with [Slot.Put] and then runs one fill cycle
// on the codec. During the cycle the codec calls [Slot.Pull] one or more
// times: the first call hands over the buffer and reports one packet; every
// later call reports zero packets and end of data, which tells the codec to
// finalize what it already has instead of waiting for more.
package exchange

import (
	"sync"

	"github.com/zsiec/avpipe/internal/codecerr"
)

// PacketDescription locates one compressed packet inside a pulled buffer.
// It is only produced for slots that carry compressed input.
type PacketDescription struct {
	StartOffset            int64
	VariableFramesInPacket uint32
	DataByteSize           uint32
}

// Pull is the answer to one codec input request.
type Pull struct {
	Data      []byte
	Channels  uint32
	Packets   int
	Desc      *PacketDescription
	EndOfData bool
}

// Slot is a single-buffer handoff between one producer and one codec fill
// cycle. It is safe for the pull callback to run on a different goroutine
// than the producer.
type Slot struct {
	channels uint32
	describe bool

	mu      sync.Mutex
	data    []byte
	pending bool
	pulls   int
}

// NewSlot returns an empty Slot. Pulled buffers report channels as their
// channel count. If describe is set, each supplied packet also carries a
// PacketDescription, as compressed input requires.
func NewSlot(channels uint32, describe bool) *Slot {
	return &Slot{channels: channels, describe: describe}
}

// Put stores data for the next fill cycle. It fails with
// ErrProtocolViolation if the previous buffer has not been consumed.
func (s *Slot) Put(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		return codecerr.Newf(codecerr.ErrProtocolViolation, "slot put",
			"previous %d-byte buffer not consumed", len(s.data))
	}
	s.data = data
	s.pending = true
	s.pulls = 0
	return nil
}

// Pull consumes the pending buffer. See the package comment for the
// contract.
func (s *Slot) Pull() Pull {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++
	if !s.pending || len(s.data) == 0 {
		s.data = nil
		s.pending = false
		return Pull{Channels: s.channels, EndOfData: true}
	}

	p := Pull{
		Data:     s.data,
		Channels: s.channels,
		Packets:  1,
	}
	if s.describe {
		p.Desc = &PacketDescription{DataByteSize: uint32(len(s.data))}
	}
	s.data = nil
	s.pending = false
	return p
}

// Pulls reports how many times Pull has been called since the last Put.
func (s *Slot) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

// Reset ends the current cycle, discarding anything the codec did not pull.
// It returns the number of discarded bytes.
func (s *Slot) Reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	if s.pending {
		n = len(s.data)
	}
	s.data = nil
	s.pending = false
	return n
}

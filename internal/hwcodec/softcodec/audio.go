package softcodec

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/avpipe/internal/hwcodec"
)

// Packet layout of the toy AAC stream: marker, channel count, kept frame
// count (big-endian uint16), then every other PCM frame.
const (
	packetMarker     = 0xA1
	packetHeaderSize = 4
	maxPullsPerFill  = 64
)

type audioSession struct {
	log    *slog.Logger
	decode bool
	req    hwcodec.AudioRequest

	mu     sync.Mutex
	closed bool
	cycles int
}

// OpenAudio implements hwcodec.Service. The direction follows the
// description's kind; a decoder requires an AudioSpecificConfig cookie
// that agrees with the requested output.
func (s *Service) OpenAudio(desc hwcodec.Description, req hwcodec.AudioRequest) (hwcodec.AudioSession, error) {
	if desc.Codec != hwcodec.CodecAAC {
		return nil, &hwcodec.StatusError{Code: StatusBadParam, Op: "open audio"}
	}
	as := &audioSession{decode: desc.Kind == hwcodec.KindDecoder, req: req}

	if as.decode {
		var asc mpeg4audio.AudioSpecificConfig
		if err := asc.Unmarshal(req.MagicCookie); err != nil {
			return nil, &hwcodec.StatusError{Code: StatusBadParam, Op: "open audio decoder"}
		}
		if asc.ChannelCount != req.Output.Channels || asc.SampleRate != req.Output.SampleRate {
			return nil, &hwcodec.StatusError{Code: StatusBadParam, Op: "open audio decoder"}
		}
	} else if req.Input.Channels <= 0 || req.Input.BitsPerSample != 16 {
		return nil, &hwcodec.StatusError{Code: StatusBadParam, Op: "open audio encoder"}
	}

	as.log = s.log.With("session", desc.Name)
	s.audioOpens.Add(1)
	as.log.Debug("audio session opened", "kind", desc.Kind)
	return as, nil
}

func (as *audioSession) Fill(ctx context.Context, pull hwcodec.PullFunc, req hwcodec.FillRequest) (hwcodec.FillResult, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.closed {
		return hwcodec.FillResult{}, &hwcodec.StatusError{Code: StatusInvalidated, Op: "fill"}
	}
	as.cycles++

	var in []byte
	for i := 0; i < maxPullsPerFill; i++ {
		if err := ctx.Err(); err != nil {
			return hwcodec.FillResult{}, err
		}
		p := pull()
		if p.EndOfData || p.Packets == 0 {
			break
		}
		if as.decode && p.Desc == nil {
			return hwcodec.FillResult{}, &hwcodec.StatusError{Code: StatusBadParam, Op: "fill"}
		}
		in = append(in, p.Data...)
	}
	if len(in) == 0 {
		return hwcodec.FillResult{}, nil
	}
	if as.decode {
		return as.expand(in, req)
	}
	return as.compress(in, req)
}

func (as *audioSession) compress(pcm []byte, req hwcodec.FillRequest) (hwcodec.FillResult, error) {
	channels := as.req.Input.Channels
	frameSize := 2 * channels
	frames := len(pcm) / frameSize
	kept := (frames + 1) / 2

	size := packetHeaderSize + kept*frameSize
	if req.OutputCapacity > 0 && size > req.OutputCapacity {
		return hwcodec.FillResult{}, &hwcodec.StatusError{Code: StatusBufferTooSmall, Op: "fill", Recoverable: true}
	}
	out := make([]byte, 0, size)
	out = append(out, packetMarker, byte(channels))
	out = binary.BigEndian.AppendUint16(out, uint16(kept))
	for f := 0; f < frames; f += 2 {
		out = append(out, pcm[f*frameSize:(f+1)*frameSize]...)
	}
	return hwcodec.FillResult{Data: out, Packets: 1}, nil
}

func (as *audioSession) expand(pkt []byte, req hwcodec.FillRequest) (hwcodec.FillResult, error) {
	if len(pkt) < packetHeaderSize || pkt[0] != packetMarker {
		return hwcodec.FillResult{}, &hwcodec.StatusError{Code: StatusRejected, Op: "fill", Recoverable: true}
	}
	channels := int(pkt[1])
	kept := int(binary.BigEndian.Uint16(pkt[2:]))
	frameSize := 2 * channels
	body := pkt[packetHeaderSize:]
	if channels == 0 || len(body) < kept*frameSize {
		return hwcodec.FillResult{}, &hwcodec.StatusError{Code: StatusRejected, Op: "fill", Recoverable: true}
	}

	frames := kept * 2
	if req.OutputPackets > 0 && frames > req.OutputPackets {
		frames = req.OutputPackets
	}
	if req.OutputCapacity > 0 && frames*frameSize > req.OutputCapacity {
		frames = req.OutputCapacity / frameSize
	}
	out := make([]byte, 0, frames*frameSize)
	for f := 0; f < frames; f++ {
		src := body[(f/2)*frameSize : (f/2+1)*frameSize]
		out = append(out, src...)
	}
	return hwcodec.FillResult{Data: out, Packets: frames}, nil
}

// Flush waits for a running fill cycle. Cycles are synchronous, so nothing
// else is ever outstanding.
func (as *audioSession) Flush(context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return nil
}

func (as *audioSession) Close() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.closed {
		as.closed = true
		as.log.Debug("audio session closed", "cycles", as.cycles)
	}
	return nil
}

package nalu

import (
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/media"
)

// ParameterSetSource answers parameter-set queries against an encode
// session's output format. Index 0 is the SPS, index 1 the PPS.
type ParameterSetSource interface {
	ParameterSet(index int) ([]byte, error)
}

// Encoder reframes encode-session output into Annex B units. One Encoder
// belongs to one session; it is not safe for concurrent use.
type Encoder struct {
	sent bool
}

// ParameterSetsSent reports whether SPS and PPS have been emitted.
func (e *Encoder) ParameterSetsSent() bool { return e.sent }

// Reset forgets that parameter sets were emitted. Call it when the session
// behind the encoder is replaced.
func (e *Encoder) Reset() { e.sent = false }

// Reframe splits one length-prefixed buffer into Annex B units. On the
// first key frame the SPS and PPS from params are emitted ahead of the
// slices. Units carry Payload, Kind, IsKeyFrame and StreamType; the caller
// assigns sequence numbers and timestamps.
//
// A malformed buffer yields the units parsed before the fault together with
// an ErrProtocolViolation. If the parameter sets cannot be read, the slices
// are still returned and emission is retried on the next key frame.
func (e *Encoder) Reframe(buf []byte, keyFrame bool, params ParameterSetSource) ([]media.EncodedUnit, error) {
	var units []media.EncodedUnit
	var psErr error

	if keyFrame && !e.sent && params != nil {
		sps, spsErr := params.ParameterSet(0)
		pps, ppsErr := params.ParameterSet(1)
		switch {
		case spsErr != nil:
			psErr = codecerr.New(codecerr.ErrProtocolViolation, "reframe sps", spsErr)
		case ppsErr != nil:
			psErr = codecerr.New(codecerr.ErrProtocolViolation, "reframe pps", ppsErr)
		default:
			units = append(units,
				unit(sps, media.UnitSPS, true),
				unit(pps, media.UnitPPS, true),
			)
			e.sent = true
		}
	}

	total := len(buf)
	offset := 0
	for offset < total {
		if total-offset < LengthSize {
			return units, codecerr.Newf(codecerr.ErrProtocolViolation, "reframe",
				"%d trailing bytes at offset %d", total-offset, offset)
		}
		n := int(binary.BigEndian.Uint32(buf[offset:]))
		offset += LengthSize
		if n > total-offset {
			return units, codecerr.Newf(codecerr.ErrProtocolViolation, "reframe",
				"unit length %d overruns buffer at offset %d (%d left)", n, offset-LengthSize, total-offset)
		}
		if n > 0 {
			units = append(units, unit(buf[offset:offset+n], media.UnitSlice, keyFrame))
		}
		offset += n
	}
	return units, psErr
}

func unit(nal []byte, kind media.UnitKind, key bool) media.EncodedUnit {
	return media.EncodedUnit{
		Payload:    WithStartCode(nal),
		IsKeyFrame: key,
		StreamType: media.StreamVideo,
		Kind:       kind,
	}
}

// Decoded is the result of reframing one Annex B unit for a decode session.
type Decoded struct {
	Type h264.NALUType
	// Payload is the length-prefixed unit. It is nil for parameter sets,
	// which are diverted to the cache and never forwarded.
	Payload []byte
	// Conflict is set when a parameter set differs from the cached one.
	Conflict bool
}

// Decoder reframes Annex B units for a decode session.
type Decoder struct {
	Cache *ParameterSetCache
}

// Reframe strips the start code, classifies the unit and either caches it
// (SPS, PPS) or re-prefixes it with its big-endian 32-bit length.
func (d *Decoder) Reframe(unit []byte) (Decoded, error) {
	nal, ok := StripStartCode(unit)
	if !ok {
		return Decoded{}, codecerr.Newf(codecerr.ErrProtocolViolation, "reframe",
			"unit of %d bytes has no start code", len(unit))
	}
	if len(nal) == 0 {
		return Decoded{}, codecerr.Newf(codecerr.ErrProtocolViolation, "reframe", "empty unit")
	}

	t := Type(nal)
	switch t {
	case h264.NALUTypeSPS:
		return Decoded{Type: t, Conflict: !d.Cache.SetSPS(nal)}, nil
	case h264.NALUTypePPS:
		return Decoded{Type: t, Conflict: !d.Cache.SetPPS(nal)}, nil
	}

	payload, err := h264.AVCC{nal}.Marshal()
	if err != nil {
		return Decoded{}, codecerr.New(codecerr.ErrProtocolViolation, "reframe", fmt.Errorf("length prefix: %w", err))
	}
	return Decoded{Type: t, Payload: payload}, nil
}

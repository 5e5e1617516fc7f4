// Package nalu converts H.264 NAL units between the length-prefixed form
// codec sessions produce and consume and the Annex B start-code form used
// for transport and storage. It is the only package that converts between
// the two.
//
// [Encoder] walks a length-prefixed codec output buffer and emits one Annex B
// unit per NAL, prefixed on the first key frame by the session's SPS and PPS.
// [Decoder] reverses that for a decode session, diverting SPS and PPS into a
// [ParameterSetCache].
package nalu

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// StartCode is the 4-byte Annex B delimiter.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// LengthSize is the size of the big-endian length prefix in the
// codec-native form.
const LengthSize = 4

// Type returns the NAL unit type from the low 5 bits of the header byte.
// nal must not include a start code or length prefix.
func Type(nal []byte) h264.NALUType {
	if len(nal) == 0 {
		return 0
	}
	return h264.NALUType(nal[0] & 0x1F)
}

// IsParameterSet reports whether t is an SPS or PPS.
func IsParameterSet(t h264.NALUType) bool {
	return t == h264.NALUTypeSPS || t == h264.NALUTypePPS
}

// WithStartCode returns a fresh Annex B unit: the start code followed by nal.
func WithStartCode(nal []byte) []byte {
	out := make([]byte, 0, len(StartCode)+len(nal))
	out = append(out, StartCode...)
	return append(out, nal...)
}

// StripStartCode removes a 4-byte or 3-byte start code prefix. ok is false
// if unit does not begin with one.
func StripStartCode(unit []byte) (nal []byte, ok bool) {
	if len(unit) >= 4 && unit[0] == 0 && unit[1] == 0 && unit[2] == 0 && unit[3] == 1 {
		return unit[4:], true
	}
	if len(unit) >= 3 && unit[0] == 0 && unit[1] == 0 && unit[2] == 1 {
		return unit[3:], true
	}
	return unit, false
}

// Units splits an Annex B byte stream into units that each keep their own
// start code. 3-byte start codes are normalized to 4 bytes. Data before the
// first start code is ignored.
func Units(data []byte) [][]byte {
	n := len(data)
	type pos struct{ scStart, dataStart int }
	var positions []pos
	for i := 0; i+2 < n; {
		if data[i] == 0 && data[i+1] == 0 {
			if i+3 < n && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, pos{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, pos{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	units := make([][]byte, 0, len(positions))
	for idx, p := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if p.dataStart >= end {
			continue
		}
		units = append(units, WithStartCode(data[p.dataStart:end]))
	}
	return units
}

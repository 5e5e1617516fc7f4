package nalu

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	profileBaseline = 66
	levelDefault    = 40 // 4.0 covers 1080p30
)

var errBadDimensions = errors.New("nalu: width and height must be positive")

// SPSInfo is what a decoder needs to know about a stream before its first
// frame arrives.
type SPSInfo struct {
	Profile uint8
	Level   uint8
	Width   int
	Height  int
}

// CodecString returns the RFC 6381 avc1 codec string.
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02x00%02x", s.Profile, s.Level)
}

// InspectSPS parses an SPS NAL unit (header byte included, no start code).
func InspectSPS(nal []byte) (SPSInfo, error) {
	var sps h264.SPS
	if err := sps.Unmarshal(nal); err != nil {
		return SPSInfo{}, fmt.Errorf("nalu: parse sps: %w", err)
	}
	return SPSInfo{
		Profile: sps.ProfileIdc,
		Level:   sps.LevelIdc,
		Width:   sps.Width(),
		Height:  sps.Height(),
	}, nil
}

// BuildSPS returns a constrained-baseline SPS NAL unit for a progressive
// 4:2:0 picture of the given size. Odd dimensions are rounded down to even.
func BuildSPS(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errBadDimensions
	}
	width &^= 1
	height &^= 1
	if width == 0 || height == 0 {
		return nil, errBadDimensions
	}
	mbW := (width + 15) / 16
	mbH := (height + 15) / 16

	var w bitWriter
	w.writeBits(profileBaseline, 8)
	w.writeBits(0xC0, 8) // constraint_set0 and constraint_set1
	w.writeBits(levelDefault, 8)
	w.writeUE(0) // seq_parameter_set_id
	w.writeUE(0) // log2_max_frame_num_minus4
	w.writeUE(2) // pic_order_cnt_type
	w.writeUE(1) // max_num_ref_frames
	w.writeBit(0)
	w.writeUE(uint(mbW - 1))
	w.writeUE(uint(mbH - 1))
	w.writeBit(1) // frame_mbs_only_flag
	w.writeBit(1) // direct_8x8_inference_flag

	cropRight := (mbW*16 - width) / 2
	cropBottom := (mbH*16 - height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.writeBit(1)
		w.writeUE(0)
		w.writeUE(uint(cropRight))
		w.writeUE(0)
		w.writeUE(uint(cropBottom))
	} else {
		w.writeBit(0)
	}
	w.writeBit(0) // vui_parameters_present_flag
	w.trailing()

	return append([]byte{0x67}, addEmulationPrevention(w.bytes())...), nil
}

// BuildPPS returns the PPS NAL unit that pairs with BuildSPS.
func BuildPPS() []byte {
	var w bitWriter
	w.writeUE(0) // pic_parameter_set_id
	w.writeUE(0) // seq_parameter_set_id
	w.writeBit(0)
	w.writeBit(0)
	w.writeUE(0) // num_slice_groups_minus1
	w.writeUE(0)
	w.writeUE(0)
	w.writeBit(0)
	w.writeBits(0, 2)
	w.writeSE(0) // pic_init_qp_minus26
	w.writeSE(0)
	w.writeSE(0)
	w.writeBit(1) // deblocking_filter_control_present_flag
	w.writeBit(0)
	w.writeBit(0)
	w.trailing()
	return append([]byte{0x68}, addEmulationPrevention(w.bytes())...)
}

type bitWriter struct {
	data []byte
	bit  int
}

func (bw *bitWriter) writeBit(b uint) {
	if bw.bit == 0 {
		bw.data = append(bw.data, 0)
	}
	if b&1 == 1 {
		bw.data[len(bw.data)-1] |= 1 << (7 - bw.bit)
	}
	bw.bit = (bw.bit + 1) % 8
}

func (bw *bitWriter) writeBits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		bw.writeBit(v >> i)
	}
}

func (bw *bitWriter) writeUE(v uint) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	bw.writeBits(0, n)
	bw.writeBits(v, n+1)
}

func (bw *bitWriter) writeSE(v int) {
	if v <= 0 {
		bw.writeUE(uint(-v) * 2)
		return
	}
	bw.writeUE(uint(v)*2 - 1)
}

// trailing writes rbsp_stop_one_bit and pads to a byte boundary.
func (bw *bitWriter) trailing() {
	bw.writeBit(1)
	for bw.bit != 0 {
		bw.writeBit(0)
	}
}

func (bw *bitWriter) bytes() []byte { return bw.data }

func addEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

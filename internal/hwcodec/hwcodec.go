// Package hwcodec declares the contract between codec session managers and
// a hardware codec service. The service is a black box: it advertises codec
// descriptions, opens sessions against a negotiated format, and returns
// compressed or decompressed output asynchronously.
//
// Video sessions push: the manager calls Submit and the service later hands
// results to the VideoOutput bound when the session was opened. Audio
// sessions pull: the manager runs one Fill cycle per buffer and the service
// requests input through a PullFunc until it is told there is no more data.
package hwcodec

import (
	"context"
	"fmt"

	"github.com/zsiec/avpipe/internal/exchange"
	"github.com/zsiec/avpipe/internal/media"
)

// Kind is the direction of a codec.
type Kind uint8

const (
	KindEncoder Kind = iota
	KindDecoder
)

func (k Kind) String() string {
	if k == KindDecoder {
		return "decoder"
	}
	return "encoder"
}

// Codec identifies a compressed format. LPCM is used as the non-compressed
// side of an audio session.
type Codec uint8

const (
	CodecH264 Codec = iota + 1
	CodecAAC
	CodecLPCM
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecAAC:
		return "aac"
	case CodecLPCM:
		return "lpcm"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Description is one codec the service can instantiate.
type Description struct {
	Kind         Kind
	Codec        Codec
	Manufacturer string
	Name         string
}

// Profile is the H.264 profile requested from an encoder.
type Profile uint8

// ProfileBaseline is the only profile sessions request.
const ProfileBaseline Profile = 66

// Timestamp is a rational presentation time: Value/Scale seconds.
type Timestamp struct {
	Value int64
	Scale int32
}

// VideoRequest is the negotiated format for a video session. Encoder
// sessions use the rate control fields; decoder sessions use SPS and PPS.
type VideoRequest struct {
	Width  int
	Height int

	AverageBitRate       int // bits per second
	PeakBitRate          int // bits per second over one second
	MaxKeyFrameInterval  int // frames
	ExpectedFrameRate    int
	Profile              Profile
	RealTime             bool
	AllowFrameReordering bool

	SPS         []byte
	PPS         []byte
	PixelFormat media.PixelFormat
}

// VideoFrame is one input to Submit: a raw picture for an encoder or a
// length-prefixed access unit for a decoder.
type VideoFrame struct {
	Data []byte
	PTS  Timestamp
}

// ParameterSets answers parameter-set queries against an encoder's output
// format. Index 0 is the SPS and index 1 the PPS.
type ParameterSets interface {
	ParameterSet(index int) ([]byte, error)
}

// VideoResult is one asynchronous output of a video session. For an encoder,
// Data holds length-prefixed NAL units and Format answers parameter-set
// queries. For a decoder, Data holds the picture. Err is non-nil when the
// frame failed; see [IsRecoverable].
type VideoResult struct {
	Err      error
	Data     []byte
	KeyFrame bool
	PTS      Timestamp
	Width    int
	Height   int
	Format   ParameterSets
}

// VideoOutput receives results for one session. The service may call it
// from a goroutine it owns, never concurrently for the same session.
type VideoOutput interface {
	HandleVideo(res VideoResult)
}

// VideoOutputFunc adapts a function to VideoOutput.
type VideoOutputFunc func(VideoResult)

func (f VideoOutputFunc) HandleVideo(res VideoResult) { f(res) }

// VideoSession is an open video codec handle.
type VideoSession interface {
	// Submit hands one frame to the codec. The returned error is the
	// per-call status; output arrives later through VideoOutput.
	Submit(frame VideoFrame) error
	// Flush blocks until every submitted frame has produced its output.
	Flush(ctx context.Context) error
	// Close releases the handle. No output is delivered after Close returns.
	Close() error
}

// AudioFormat describes one side of an audio session.
type AudioFormat struct {
	Codec           Codec
	SampleRate      int
	Channels        int
	BitsPerSample   int // 0 for compressed formats
	FramesPerPacket int
	BitRate         int
}

// AudioRequest is the negotiated format for an audio session. MagicCookie
// carries the decoder's AudioSpecificConfig.
type AudioRequest struct {
	Input       AudioFormat
	Output      AudioFormat
	MagicCookie []byte
}

// PullFunc supplies input during a fill cycle.
type PullFunc func() exchange.Pull

// FillRequest bounds the output of one fill cycle.
type FillRequest struct {
	OutputPackets  int
	OutputCapacity int // bytes
}

// FillResult is the output of one fill cycle.
type FillResult struct {
	Data    []byte
	Packets int
}

// AudioSession is an open audio converter handle.
type AudioSession interface {
	// Fill runs one conversion cycle, pulling input until pull reports end
	// of data or the request is satisfied.
	Fill(ctx context.Context, pull PullFunc, req FillRequest) (FillResult, error)
	Flush(ctx context.Context) error
	Close() error
}

// Service is the hardware codec service.
type Service interface {
	// Describe lists the codecs available for kind and codec.
	Describe(kind Kind, codec Codec) []Description
	OpenVideo(desc Description, req VideoRequest, out VideoOutput) (VideoSession, error)
	OpenAudio(desc Description, req AudioRequest) (AudioSession, error)
}

// Match returns the first description whose manufacturer equals
// manufacturer. An empty manufacturer matches any description.
func Match(descs []Description, manufacturer string) (Description, bool) {
	for _, d := range descs {
		if manufacturer == "" || d.Manufacturer == manufacturer {
			return d, true
		}
	}
	return Description{}, false
}

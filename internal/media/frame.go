// Package media defines the sample, unit, and event types that flow through
// the codec pipeline, from capture through encode, reframing, and decode.
package media

import "fmt"

// Channel depths between a capture source and the pipeline, about two
// seconds of samples at the default rates.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// StreamType tags a sample or unit as video or audio.
type StreamType uint8

const (
	StreamVideo StreamType = iota
	StreamAudio
)

func (s StreamType) String() string {
	switch s {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	default:
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
}

// PixelFormat describes the layout of a raw video sample.
type PixelFormat int

// PixelFormatNV12 is YUV 4:2:0 bi-planar, the only layout captured and
// decoded.
const PixelFormatNV12 PixelFormat = 0

// SampleFormat describes the raw layout of a captured sample. Only the
// fields matching the sample's StreamType are meaningful.
type SampleFormat struct {
	Width       int
	Height      int
	PixelFormat PixelFormat

	SampleRate int
	Channels   int
	BitDepth   int
}

// RawSample is one captured video picture or PCM block. The pipeline borrows
// Data for the duration of one ingestion call only.
type RawSample struct {
	Type      StreamType
	Data      []byte
	Format    SampleFormat
	Timestamp int64 // capture time, microseconds
}

// UnitKind distinguishes parameter sets from coded slices in an EncodedUnit.
type UnitKind uint8

const (
	UnitSlice UnitKind = iota
	UnitSPS
	UnitPPS
	UnitAudio
)

// EncodedUnit is one compressed NAL unit (Annex B, start code included) or
// one raw AAC access unit without ADTS framing.
type EncodedUnit struct {
	Payload    []byte
	IsKeyFrame bool
	StreamType StreamType
	Kind       UnitKind
	SequenceID int64
	PTS        int64 // presentation time, 1/1000 s for video, samples for audio
}

// DecodedFrame is one decompressed picture or PCM buffer produced by a
// decode session.
type DecodedFrame struct {
	StreamType StreamType
	Data       []byte
	Width      int
	Height     int
	SampleRate int
	Channels   int
	PTS        int64
	SequenceID int64
}

// EventKind classifies a non-fatal pipeline event reported to consumers.
type EventKind uint8

const (
	EventFrameDropped EventKind = iota
	EventProtocolViolation
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventFrameDropped:
		return "frame-dropped"
	case EventProtocolViolation:
		return "protocol-violation"
	case EventFatal:
		return "fatal"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event reports a dropped frame, a malformed stream, or a session fault.
type Event struct {
	Kind       EventKind
	StreamType StreamType
	Session    string
	PTS        int64
	Err        error
}

// Sink is the consumer side of a codec session. Calls for one session are
// made from that session's delivery context, one at a time and in order.
type Sink interface {
	WriteUnit(unit EncodedUnit)
	WriteFrame(frame DecodedFrame)
	HandleEvent(ev Event)
}

// SinkFuncs adapts plain functions to [Sink]. Nil fields are ignored.
type SinkFuncs struct {
	Unit  func(EncodedUnit)
	Frame func(DecodedFrame)
	Event func(Event)
}

func (s SinkFuncs) WriteUnit(unit EncodedUnit) {
	if s.Unit != nil {
		s.Unit(unit)
	}
}

func (s SinkFuncs) WriteFrame(frame DecodedFrame) {
	if s.Frame != nil {
		s.Frame(frame)
	}
}

func (s SinkFuncs) HandleEvent(ev Event) {
	if s.Event != nil {
		s.Event(ev)
	}
}

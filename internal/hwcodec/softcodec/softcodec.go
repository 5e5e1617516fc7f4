// Package softcodec is a deterministic in-process stand-in for the hardware
// codec service. It produces a well-formed H.264 bitstream shape (parameter
// sets, IDR and non-IDR slices in length-prefixed form) and a reversible
// toy audio packet format, so the whole pipeline can run without a device.
// Failure injection options make every error path reachable from tests.
package softcodec

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/avpipe/internal/hwcodec"
)

// Status codes reported in hwcodec.StatusError.
const (
	StatusRejected       int32 = -12902
	StatusMalfunction    int32 = -12911
	StatusBadParam       int32 = -50
	StatusBufferTooSmall int32 = -66
	StatusInvalidated    int32 = -12903
)

// Manufacturers advertised by the default descriptions.
const (
	ManufacturerHardware = "hardware"
	ManufacturerSoftware = "software"
)

// Service implements hwcodec.Service.
type Service struct {
	log         *slog.Logger
	descs       []hwcodec.Description
	rejectEvery int64
	failAfter   int64

	videoOpens atomic.Int64
	audioOpens atomic.Int64
	submits    atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithDescriptions replaces the advertised codec descriptions.
func WithDescriptions(descs ...hwcodec.Description) Option {
	return func(s *Service) { s.descs = descs }
}

// RejectEvery makes every nth video submission fail with a recoverable
// status.
func RejectEvery(n int) Option {
	return func(s *Service) { s.rejectEvery = int64(n) }
}

// FailAfter makes the session fail fatally on the (n+1)th video frame. The
// failure is reported through the output callback, and every later Submit
// returns the same fatal status.
func FailAfter(n int) Option {
	return func(s *Service) { s.failAfter = int64(n) }
}

// DefaultDescriptions lists hardware H.264 and software AAC in both
// directions.
func DefaultDescriptions() []hwcodec.Description {
	return []hwcodec.Description{
		{Kind: hwcodec.KindEncoder, Codec: hwcodec.CodecH264, Manufacturer: ManufacturerHardware, Name: "softcodec.h264.encoder"},
		{Kind: hwcodec.KindDecoder, Codec: hwcodec.CodecH264, Manufacturer: ManufacturerHardware, Name: "softcodec.h264.decoder"},
		{Kind: hwcodec.KindEncoder, Codec: hwcodec.CodecAAC, Manufacturer: ManufacturerSoftware, Name: "softcodec.aac.encoder"},
		{Kind: hwcodec.KindDecoder, Codec: hwcodec.CodecAAC, Manufacturer: ManufacturerSoftware, Name: "softcodec.aac.decoder"},
	}
}

// New returns a Service advertising DefaultDescriptions unless overridden.
func New(log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:   log.With("component", "softcodec"),
		descs: DefaultDescriptions(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Describe implements hwcodec.Service.
func (s *Service) Describe(kind hwcodec.Kind, codec hwcodec.Codec) []hwcodec.Description {
	var out []hwcodec.Description
	for _, d := range s.descs {
		if d.Kind == kind && d.Codec == codec {
			out = append(out, d)
		}
	}
	return out
}

// VideoOpens reports how many video sessions have been opened.
func (s *Service) VideoOpens() int64 { return s.videoOpens.Load() }

// AudioOpens reports how many audio sessions have been opened.
func (s *Service) AudioOpens() int64 { return s.audioOpens.Load() }

// verdict decides the fate of the nth submission across all sessions.
func (s *Service) verdict() (reject, fail bool) {
	n := s.submits.Add(1)
	if s.failAfter > 0 && n > s.failAfter {
		return false, true
	}
	if s.rejectEvery > 0 && n%s.rejectEvery == 0 {
		return true, false
	}
	return false, false
}

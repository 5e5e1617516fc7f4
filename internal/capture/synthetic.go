// Package capture provides sample sources for the pipeline. Synthetic
// generates a moving NV12 test pattern and a sine tone on a clock, standing
// in for a camera and microphone.
package capture

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-audio/audio"

	"github.com/zsiec/avpipe/internal/config"
	"github.com/zsiec/avpipe/internal/media"
)

// FramesPerBlock is the number of PCM frames in each audio sample, one AAC
// access unit's worth.
const FramesPerBlock = 1024

const (
	defaultToneHz = 440.0
	toneAmplitude = 0.25 * math.MaxInt16
)

// Options configures a Synthetic source. A zero Video or Audio config
// disables that stream.
type Options struct {
	Video  config.Video
	Audio  config.Audio
	ToneHz float64
	Clock  clock.Clock
	Log    *slog.Logger
}

// Stats counts what a source has produced.
type Stats struct {
	VideoFrames  int64
	AudioBlocks  int64
	VideoDropped int64
	AudioDropped int64
}

// Synthetic emits samples at the configured rates until its Run context is
// cancelled. A sample is dropped, not queued, when the consumer is behind.
type Synthetic struct {
	opts  Options
	log   *slog.Logger
	clock clock.Clock

	video chan media.RawSample
	audio chan media.RawSample

	// started is closed once the tickers exist.
	started chan struct{}

	frames       atomic.Int64
	blocks       atomic.Int64
	videoDropped atomic.Int64
	audioDropped atomic.Int64
}

// New returns a source for opts. Channels for a disabled stream are nil.
func New(opts Options) *Synthetic {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ToneHz <= 0 {
		opts.ToneHz = defaultToneHz
	}
	s := &Synthetic{
		opts:    opts,
		log:     opts.Log.With("component", "capture"),
		clock:   opts.Clock,
		started: make(chan struct{}),
	}
	if !opts.Video.IsZero() {
		s.video = make(chan media.RawSample, media.VideoBufferSize)
	}
	if !opts.Audio.IsZero() {
		s.audio = make(chan media.RawSample, media.AudioBufferSize)
	}
	return s
}

// Video returns the picture channel, closed when Run returns.
func (s *Synthetic) Video() <-chan media.RawSample { return s.video }

// Audio returns the PCM channel, closed when Run returns.
func (s *Synthetic) Audio() <-chan media.RawSample { return s.audio }

// Stats returns the source's counters.
func (s *Synthetic) Stats() Stats {
	return Stats{
		VideoFrames:  s.frames.Load(),
		AudioBlocks:  s.blocks.Load(),
		VideoDropped: s.videoDropped.Load(),
		AudioDropped: s.audioDropped.Load(),
	}
}

// Run generates samples until ctx is done. It closes both channels on
// return and reports nil on cancellation. Run may be called once.
func (s *Synthetic) Run(ctx context.Context) error {
	defer func() {
		if s.video != nil {
			close(s.video)
		}
		if s.audio != nil {
			close(s.audio)
		}
	}()

	var videoTick, audioTick <-chan time.Time
	if s.video != nil {
		t := s.clock.Ticker(time.Second / time.Duration(s.opts.Video.FPS()))
		defer t.Stop()
		videoTick = t.C
	}
	if s.audio != nil {
		t := s.clock.Ticker(BlockDuration(s.opts.Audio.SampleRate()))
		defer t.Stop()
		audioTick = t.C
	}
	close(s.started)

	start := s.clock.Now()
	s.log.Info("synthetic capture started", "video", s.opts.Video.String(), "audio", s.opts.Audio.String())

	for {
		select {
		case <-ctx.Done():
			st := s.Stats()
			s.log.Info("synthetic capture stopped",
				"video_frames", st.VideoFrames,
				"audio_blocks", st.AudioBlocks,
				"video_dropped", st.VideoDropped,
				"audio_dropped", st.AudioDropped,
			)
			return nil
		case <-videoTick:
			n := s.frames.Add(1) - 1
			sample := VideoFrame(s.opts.Video, int(n), s.clock.Since(start).Microseconds())
			select {
			case s.video <- sample:
			default:
				s.videoDropped.Add(1)
			}
		case <-audioTick:
			n := s.blocks.Add(1) - 1
			sample := ToneBlock(s.opts.Audio, s.opts.ToneHz, n)
			select {
			case s.audio <- sample:
			default:
				s.audioDropped.Add(1)
			}
		}
	}
}

// BlockDuration is the play time of one FramesPerBlock block.
func BlockDuration(sampleRate int) time.Duration {
	return time.Duration(int64(time.Second) * FramesPerBlock / int64(sampleRate))
}

// VideoFrame renders picture n of a diagonal luma ramp that scrolls one
// pixel per frame, with neutral chroma.
func VideoFrame(cfg config.Video, n int, timestamp int64) media.RawSample {
	w, h := cfg.Width(), cfg.Height()
	data := make([]byte, w*h*3/2)
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		for x := range row {
			row[x] = byte(x + y + n)
		}
	}
	chroma := data[w*h:]
	for i := range chroma {
		chroma[i] = 128
	}
	return media.RawSample{
		Type:      media.StreamVideo,
		Data:      data,
		Format:    media.SampleFormat{Width: w, Height: h, PixelFormat: media.PixelFormatNV12},
		Timestamp: timestamp,
	}
}

// ToneBlock renders block n of a continuous sine tone at hz, the same on
// every channel. The timestamp is the block's start in microseconds.
func ToneBlock(cfg config.Audio, hz float64, n int64) media.RawSample {
	channels := int(cfg.ChannelCount())
	rate := cfg.SampleRate()
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           make([]int, FramesPerBlock*channels),
		SourceBitDepth: 16,
	}
	first := n * FramesPerBlock
	for f := 0; f < FramesPerBlock; f++ {
		t := float64(first+int64(f)) / float64(rate)
		v := int(toneAmplitude * math.Sin(2*math.Pi*hz*t))
		for c := 0; c < channels; c++ {
			buf.Data[f*channels+c] = v
		}
	}
	return media.PCMSample(buf, first*int64(time.Second/time.Microsecond)/int64(rate))
}

// Package pipeline wires one capture source to the codec sessions for a
// single stream: raw samples are routed to the video and audio encoders,
// encoded units fan out through a relay per stream type, and optional
// loopback decoders turn those units back into frames for a render sink.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/config"
	"github.com/zsiec/avpipe/internal/hwcodec"
	"github.com/zsiec/avpipe/internal/media"
	"github.com/zsiec/avpipe/internal/relay"
	"github.com/zsiec/avpipe/internal/session"
)

// Source produces raw samples. Both channels are closed when the source
// stops; either may be nil if the source does not produce that type.
type Source interface {
	Video() <-chan media.RawSample
	Audio() <-chan media.RawSample
}

// Options configures a Pipeline. A zero Video or Audio config disables that
// stream.
type Options struct {
	Key   string
	Video config.Video
	Audio config.Audio

	// Loopback attaches a decoder to each relay and sends its output to
	// Render.
	Loopback bool
	Render   media.Sink

	Service           hwcodec.Service
	VideoManufacturer string
	AudioManufacturer string

	Log          *slog.Logger
	Clock        clock.Clock
	DrainTimeout time.Duration
}

// PipelineDebug is a snapshot of the pipeline's forwarding counters.
type PipelineDebug struct {
	Key            string
	VideoIngested  int64
	AudioIngested  int64
	IngestErrors   int64
	LoopbackErrors int64
	LastVideoTS    int64
	LastAudioTS    int64
	UptimeMs       int64
	VideoRelay     relay.Stats
	AudioRelay     relay.Stats
	Sessions       []session.Stats
}

// Pipeline owns the sessions and relays for one stream.
type Pipeline struct {
	key   string
	log   *slog.Logger
	clock clock.Clock
	start time.Time

	videoRelay *relay.Relay
	audioRelay *relay.Relay

	videoEnc *session.VideoEncoder
	audioEnc *session.AudioEncoder
	videoDec *session.VideoDecoder
	audioDec *session.AudioDecoder

	videoIngested  atomic.Int64
	audioIngested  atomic.Int64
	ingestErrors   atomic.Int64
	loopbackErrors atomic.Int64
	lastVideoTS    atomic.Int64
	lastAudioTS    atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New builds the encoders, relays and, if requested, loopback decoders.
// Codec negotiation is deferred to the first sample of each stream.
func New(opts Options) (*Pipeline, error) {
	if opts.Service == nil {
		return nil, codecerr.Newf(codecerr.ErrConfiguration, "pipeline", "nil codec service")
	}
	if opts.Video.IsZero() && opts.Audio.IsZero() {
		return nil, codecerr.Newf(codecerr.ErrConfiguration, "pipeline", "no stream enabled")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	render := opts.Render
	if render == nil {
		render = media.SinkFuncs{}
	}

	p := &Pipeline{
		key:   opts.Key,
		log:   log.With("component", "pipeline", "stream", opts.Key),
		clock: clk,
		start: clk.Now(),
	}

	sessionOpts := func(maker string, sink media.Sink) session.Options {
		return session.Options{
			Service:      opts.Service,
			Sink:         sink,
			Manufacturer: maker,
			Log:          log.With("stream", opts.Key),
			Clock:        clk,
			DrainTimeout: opts.DrainTimeout,
		}
	}

	var err error
	if !opts.Video.IsZero() {
		p.videoRelay = relay.New(media.StreamVideo, log)
		if p.videoEnc, err = session.NewVideoEncoder(opts.Video, sessionOpts(opts.VideoManufacturer, p.videoRelay)); err != nil {
			return nil, err
		}
		if opts.Loopback {
			if p.videoDec, err = session.NewVideoDecoder(sessionOpts(opts.VideoManufacturer, render)); err != nil {
				return nil, multierr.Append(err, p.Close(context.Background()))
			}
			p.videoRelay.Subscribe(relay.SubscriberFunc("loopback-video", p.loopback(p.videoDec.Ingest)))
		}
	}
	if !opts.Audio.IsZero() {
		p.audioRelay = relay.New(media.StreamAudio, log)
		if p.audioEnc, err = session.NewAudioEncoder(opts.Audio, sessionOpts(opts.AudioManufacturer, p.audioRelay)); err != nil {
			return nil, multierr.Append(err, p.Close(context.Background()))
		}
		if opts.Loopback {
			if p.audioDec, err = session.NewAudioDecoder(opts.Audio, sessionOpts(opts.AudioManufacturer, render)); err != nil {
				return nil, multierr.Append(err, p.Close(context.Background()))
			}
			p.audioRelay.Subscribe(relay.SubscriberFunc("loopback-audio", p.loopback(p.audioDec.Ingest)))
		}
	}
	return p, nil
}

// loopback adapts a decoder's Ingest to a relay subscriber. It runs on the
// encoder's delivery context.
func (p *Pipeline) loopback(ingest func(media.EncodedUnit) error) func(media.EncodedUnit) {
	return func(u media.EncodedUnit) {
		if err := ingest(u); err != nil {
			p.loopbackErrors.Add(1)
			p.log.Debug("loopback ingest failed", "stream_type", u.StreamType.String(), "pts", u.PTS, "error", err)
		}
	}
}

// Key returns the stream key the pipeline was built for.
func (p *Pipeline) Key() string { return p.key }

// VideoRelay returns the video relay, or nil if video is disabled.
func (p *Pipeline) VideoRelay() *relay.Relay { return p.videoRelay }

// AudioRelay returns the audio relay, or nil if audio is disabled.
func (p *Pipeline) AudioRelay() *relay.Relay { return p.audioRelay }

// Ingest routes one raw sample to the encoder for its stream type.
func (p *Pipeline) Ingest(s media.RawSample) error {
	var err error
	switch {
	case s.Type == media.StreamVideo && p.videoEnc != nil:
		if err = p.videoEnc.Ingest(s); err == nil {
			p.videoIngested.Add(1)
			p.lastVideoTS.Store(s.Timestamp)
		}
	case s.Type == media.StreamAudio && p.audioEnc != nil:
		if err = p.audioEnc.Ingest(s); err == nil {
			p.audioIngested.Add(1)
			p.lastAudioTS.Store(s.Timestamp)
		}
	default:
		err = codecerr.Newf(codecerr.ErrConfiguration, "pipeline ingest", "%s stream not enabled", s.Type)
	}
	if err != nil {
		p.ingestErrors.Add(1)
	}
	return err
}

// Run forwards samples from src until ctx is cancelled or src closes both
// channels, then tears the pipeline down. A nil src only waits for ctx.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	p.log.Info("pipeline started")

	var videoCh, audioCh <-chan media.RawSample
	if src != nil {
		videoCh, audioCh = src.Video(), src.Audio()
	}

	forward := func(s media.RawSample) {
		if err := p.Ingest(s); err != nil {
			p.log.Warn("ingest failed", "stream_type", s.Type.String(), "ts", s.Timestamp, "error", err)
		}
	}

	for src == nil || videoCh != nil || audioCh != nil {
		// Drain pending video first so a burst of audio cannot delay
		// pictures past their capture interval.
		select {
		case s, ok := <-videoCh:
			if !ok {
				videoCh = nil
			} else {
				forward(s)
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopping", "reason", ctx.Err())
			return p.Close(context.WithoutCancel(ctx))
		case s, ok := <-videoCh:
			if !ok {
				videoCh = nil
				continue
			}
			forward(s)
		case s, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			forward(s)
		}
	}

	p.log.Info("source finished")
	return p.Close(context.WithoutCancel(ctx))
}

// Close tears every session down. Encoders go first so their final units
// reach the loopback decoders, which are then drained. Sessions of the same
// role close concurrently and all errors are combined. Close is idempotent.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		var encoders, decoders []teardowner
		if p.videoEnc != nil {
			encoders = append(encoders, p.videoEnc)
		}
		if p.audioEnc != nil {
			encoders = append(encoders, p.audioEnc)
		}
		if p.videoDec != nil {
			decoders = append(decoders, p.videoDec)
		}
		if p.audioDec != nil {
			decoders = append(decoders, p.audioDec)
		}

		err := teardownAll(ctx, encoders)
		if p.videoRelay != nil {
			p.videoRelay.Unsubscribe("loopback-video")
		}
		if p.audioRelay != nil {
			p.audioRelay.Unsubscribe("loopback-audio")
		}
		p.closeErr = multierr.Append(err, teardownAll(ctx, decoders))

		d := p.Debug()
		p.log.Info("pipeline closed",
			"video_ingested", d.VideoIngested,
			"audio_ingested", d.AudioIngested,
			"ingest_errors", d.IngestErrors,
			"uptime_ms", d.UptimeMs,
			"error", p.closeErr,
		)
	})
	return p.closeErr
}

type teardowner interface {
	Teardown(ctx context.Context) error
}

func teardownAll(ctx context.Context, ms []teardowner) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, m := range ms {
		g.Go(func() error {
			err := m.Teardown(ctx)
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Debug returns the pipeline's counters along with its relays' and
// sessions'.
func (p *Pipeline) Debug() PipelineDebug {
	d := PipelineDebug{
		Key:            p.key,
		VideoIngested:  p.videoIngested.Load(),
		AudioIngested:  p.audioIngested.Load(),
		IngestErrors:   p.ingestErrors.Load(),
		LoopbackErrors: p.loopbackErrors.Load(),
		LastVideoTS:    p.lastVideoTS.Load(),
		LastAudioTS:    p.lastAudioTS.Load(),
		UptimeMs:       p.clock.Since(p.start).Milliseconds(),
	}
	if p.videoRelay != nil {
		d.VideoRelay = p.videoRelay.Stats()
	}
	if p.audioRelay != nil {
		d.AudioRelay = p.audioRelay.Stats()
	}
	if p.videoEnc != nil {
		d.Sessions = append(d.Sessions, p.videoEnc.Stats())
	}
	if p.audioEnc != nil {
		d.Sessions = append(d.Sessions, p.audioEnc.Stats())
	}
	if p.videoDec != nil {
		d.Sessions = append(d.Sessions, p.videoDec.Stats())
	}
	if p.audioDec != nil {
		d.Sessions = append(d.Sessions, p.audioDec.Stats())
	}
	return d
}

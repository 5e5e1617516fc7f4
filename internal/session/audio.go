package session

import (
	"bytes"
	"context"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"go.uber.org/multierr"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/config"
	"github.com/zsiec/avpipe/internal/exchange"
	"github.com/zsiec/avpipe/internal/hwcodec"
	"github.com/zsiec/avpipe/internal/media"
)

const (
	// framesPerPacket is the AAC-LC access unit length.
	framesPerPacket = 1024
	// decodeOutputPackets is the LPCM packet count requested per decode
	// cycle; each LPCM packet is one frame.
	decodeOutputPackets = 1024
)

// decodeCapacity is the PCM output capacity for one decode cycle.
func decodeCapacity(channels uint32) int { return 2048 * int(channels) }

// audioConverter is the part shared by both audio directions: one codec
// handle fed through a pending-input slot.
type audioConverter struct {
	*core
	cfg  config.Audio
	slot *exchange.Slot

	// Work context only.
	sess hwcodec.AudioSession
	ctx  context.Context
	stop context.CancelFunc
}

func newAudioConverter(name string, cfg config.Audio, describe bool, opts Options) (*audioConverter, error) {
	if cfg.IsZero() {
		return nil, codecerr.Newf(codecerr.ErrConfiguration, name, "empty audio config")
	}
	c, err := newCore(name, media.StreamAudio, opts)
	if err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancel(context.Background())
	a := &audioConverter{
		core: c,
		cfg:  cfg,
		slot: exchange.NewSlot(cfg.ChannelCount(), describe),
		ctx:  ctx,
		stop: stop,
	}
	c.release = a.closeSession
	return a, nil
}

func (a *audioConverter) open(kind hwcodec.Kind, req hwcodec.AudioRequest) error {
	desc, err := a.describe(kind, hwcodec.CodecAAC)
	if err != nil {
		return err
	}
	sess, err := a.svc.OpenAudio(desc, req)
	if err != nil {
		ferr := codecerr.New(codecerr.ErrFatalHardware, a.name+" open", err)
		a.setFatal(ferr)
		return ferr
	}
	a.sess = sess
	a.log.Info("audio converter negotiated", "codec", desc.Name, "config", a.cfg.String())
	return nil
}

// cycle runs one fill on the work context: put data in the slot, let the
// codec pull it, then discard anything it left behind.
func (a *audioConverter) cycle(op string, data []byte, req hwcodec.FillRequest, pts int64) (hwcodec.FillResult, bool) {
	if a.sess == nil {
		a.dropped.Add(1)
		return hwcodec.FillResult{}, false
	}
	if err := a.slot.Put(data); err != nil {
		a.slot.Reset()
		a.violation(pts, err)
		return hwcodec.FillResult{}, false
	}
	a.submitted.Add(1)
	res, err := a.sess.Fill(a.ctx, a.slot.Pull, req)
	pulls := a.slot.Pulls()
	if n := a.slot.Reset(); n > 0 {
		a.log.Debug("codec left input unconsumed", "bytes", n, "pulls", pulls)
	}
	if err != nil {
		a.fail(op, pts, err)
		return hwcodec.FillResult{}, false
	}
	return res, res.Packets > 0 && len(res.Data) > 0
}

func (a *audioConverter) closeSession(ctx context.Context) error {
	defer a.stop()
	if a.sess == nil {
		return nil
	}
	err := multierr.Combine(a.sess.Flush(ctx), a.sess.Close())
	a.sess = nil
	return err
}

// Teardown flushes, closes the codec and stops the manager. It is
// idempotent.
func (a *audioConverter) Teardown(ctx context.Context) error {
	return a.teardown(ctx)
}

// AudioEncoder compresses interleaved s16 PCM to raw AAC access units.
type AudioEncoder struct {
	*audioConverter

	mu       sync.Mutex
	lastTS   int64
	haveTS   bool
	position int64 // frames queued so far; work context only
}

// NewAudioEncoder returns an encoder for cfg.
func NewAudioEncoder(cfg config.Audio, opts Options) (*AudioEncoder, error) {
	a, err := newAudioConverter("audio-encoder", cfg, false, opts)
	if err != nil {
		return nil, err
	}
	return &AudioEncoder{audioConverter: a}, nil
}

// Ingest queues one PCM block. Capture timestamps must be strictly
// increasing; a repeated or earlier timestamp fails with ErrConfiguration.
func (e *AudioEncoder) Ingest(sample media.RawSample) error {
	if sample.Type != media.StreamAudio {
		return codecerr.Newf(codecerr.ErrConfiguration, "audio-encoder ingest", "got %s sample", sample.Type)
	}
	if err := e.checkOpen(); err != nil {
		return err
	}

	// Held across negotiation so a timestamp is only used up by a sample
	// that was actually queued.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haveTS && sample.Timestamp <= e.lastTS {
		return codecerr.Newf(codecerr.ErrConfiguration, "audio-encoder ingest",
			"timestamp %d not after %d", sample.Timestamp, e.lastTS)
	}

	if err := e.ensureReady(e.negotiate); err != nil {
		return err
	}
	data := bytes.Clone(sample.Data)
	if err := e.queues.Work.Go(func() { e.encode(data) }); err != nil {
		return codecerr.New(codecerr.ErrClosed, "audio-encoder ingest", err)
	}
	e.lastTS, e.haveTS = sample.Timestamp, true
	return nil
}

func (e *AudioEncoder) negotiate() error {
	return e.open(hwcodec.KindEncoder, hwcodec.AudioRequest{
		Input: hwcodec.AudioFormat{
			Codec:           hwcodec.CodecLPCM,
			SampleRate:      e.cfg.SampleRate(),
			Channels:        int(e.cfg.ChannelCount()),
			BitsPerSample:   e.cfg.SampleSize(),
			FramesPerPacket: 1,
		},
		Output: hwcodec.AudioFormat{
			Codec:           hwcodec.CodecAAC,
			SampleRate:      e.cfg.SampleRate(),
			Channels:        int(e.cfg.ChannelCount()),
			FramesPerPacket: framesPerPacket,
			BitRate:         e.cfg.BitRate(),
		},
	})
}

// encode runs on the work context. The output buffer is as large as the
// input and holds one packet.
func (e *AudioEncoder) encode(data []byte) {
	pts := e.position
	if bpf := e.cfg.BytesPerFrame(); bpf > 0 {
		e.position += int64(len(data) / bpf)
	}
	res, ok := e.cycle("encode", data, hwcodec.FillRequest{OutputPackets: 1, OutputCapacity: len(data)}, pts)
	if !ok {
		return
	}
	unit := media.EncodedUnit{
		Payload:    res.Data,
		IsKeyFrame: true,
		StreamType: media.StreamAudio,
		Kind:       media.UnitAudio,
		SequenceID: e.nextSeq(),
		PTS:        pts,
	}
	e.deliver(func() {
		e.sink.WriteUnit(unit)
		e.delivered.Add(1)
	})
}

// AudioDecoder expands raw AAC access units to interleaved s16 PCM.
type AudioDecoder struct {
	*audioConverter
}

// NewAudioDecoder returns a decoder producing PCM in the layout of cfg.
func NewAudioDecoder(cfg config.Audio, opts Options) (*AudioDecoder, error) {
	a, err := newAudioConverter("audio-decoder", cfg, true, opts)
	if err != nil {
		return nil, err
	}
	return &AudioDecoder{audioConverter: a}, nil
}

// Ingest queues one AAC access unit.
func (d *AudioDecoder) Ingest(unit media.EncodedUnit) error {
	if unit.StreamType != media.StreamAudio {
		return codecerr.Newf(codecerr.ErrConfiguration, "audio-decoder ingest", "got %s unit", unit.StreamType)
	}
	if err := d.checkOpen(); err != nil {
		return err
	}
	if len(unit.Payload) == 0 {
		d.violation(unit.PTS, codecerr.Newf(codecerr.ErrProtocolViolation, "audio-decoder ingest", "empty access unit"))
		return nil
	}
	if err := d.ensureReady(d.negotiate); err != nil {
		return err
	}
	data, pts := bytes.Clone(unit.Payload), unit.PTS
	if err := d.queues.Work.Go(func() { d.decode(data, pts) }); err != nil {
		return codecerr.New(codecerr.ErrClosed, "audio-decoder ingest", err)
	}
	return nil
}

// MagicCookie returns the AudioSpecificConfig handed to the decoder.
func MagicCookie(cfg config.Audio) ([]byte, error) {
	asc := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   cfg.SampleRate(),
		ChannelCount: int(cfg.ChannelCount()),
	}
	return asc.Marshal()
}

func (d *AudioDecoder) negotiate() error {
	cookie, err := MagicCookie(d.cfg)
	if err != nil {
		return codecerr.New(codecerr.ErrConfiguration, "audio-decoder negotiate", err)
	}
	return d.open(hwcodec.KindDecoder, hwcodec.AudioRequest{
		Input: hwcodec.AudioFormat{
			Codec:           hwcodec.CodecAAC,
			SampleRate:      d.cfg.SampleRate(),
			Channels:        int(d.cfg.ChannelCount()),
			FramesPerPacket: framesPerPacket,
		},
		Output: hwcodec.AudioFormat{
			Codec:           hwcodec.CodecLPCM,
			SampleRate:      d.cfg.SampleRate(),
			Channels:        int(d.cfg.ChannelCount()),
			BitsPerSample:   16,
			FramesPerPacket: 1,
		},
		MagicCookie: cookie,
	})
}

// decode runs on the work context.
func (d *AudioDecoder) decode(data []byte, pts int64) {
	req := hwcodec.FillRequest{
		OutputPackets:  decodeOutputPackets,
		OutputCapacity: decodeCapacity(d.cfg.ChannelCount()),
	}
	res, ok := d.cycle("decode", data, req, pts)
	if !ok {
		return
	}
	frame := media.DecodedFrame{
		StreamType: media.StreamAudio,
		Data:       res.Data,
		SampleRate: d.cfg.SampleRate(),
		Channels:   int(d.cfg.ChannelCount()),
		PTS:        pts,
		SequenceID: d.nextSeq(),
	}
	d.deliver(func() {
		d.sink.WriteFrame(frame)
		d.delivered.Add(1)
	})
}

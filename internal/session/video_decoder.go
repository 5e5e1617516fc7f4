package session

import (
	"context"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"go.uber.org/multierr"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/hwcodec"
	"github.com/zsiec/avpipe/internal/media"
	"github.com/zsiec/avpipe/internal/nalu"
)

// VideoDecoder turns Annex B units back into pictures. SPS and PPS are
// cached, never decoded; the codec is opened once both are present.
type VideoDecoder struct {
	*core
	cache    *nalu.ParameterSetCache
	reframer nalu.Decoder

	// Work context only.
	sess hwcodec.VideoSession
}

// NewVideoDecoder returns a decoder. The codec is opened on the first
// Ingest after SPS and PPS have both arrived.
func NewVideoDecoder(opts Options) (*VideoDecoder, error) {
	c, err := newCore("video-decoder", media.StreamVideo, opts)
	if err != nil {
		return nil, err
	}
	cache := &nalu.ParameterSetCache{}
	d := &VideoDecoder{core: c, cache: cache, reframer: nalu.Decoder{Cache: cache}}
	c.release = d.closeSession
	return d, nil
}

// ParameterSets exposes the decoder's cache.
func (d *VideoDecoder) ParameterSets() *nalu.ParameterSetCache { return d.cache }

// Ingest reframes one encoded unit. The payload may hold several Annex B
// units. SPS and PPS only populate the cache. If any other unit in the
// payload precedes a complete cache, Ingest fails with ErrConfiguration
// and queues none of the payload's units. Malformed units are reported to
// the sink as protocol violations.
func (d *VideoDecoder) Ingest(unit media.EncodedUnit) error {
	if unit.StreamType != media.StreamVideo {
		return codecerr.Newf(codecerr.ErrConfiguration, "video-decoder ingest", "got %s unit", unit.StreamType)
	}
	if err := d.checkOpen(); err != nil {
		return err
	}

	parts := nalu.Units(unit.Payload)
	if len(parts) == 0 {
		d.violation(unit.PTS, codecerr.Newf(codecerr.ErrProtocolViolation, "video-decoder ingest",
			"no start code in %d-byte unit", len(unit.Payload)))
		return nil
	}

	var (
		slices []nalu.Decoded
		early  error
	)
	for _, part := range parts {
		dec, err := d.reframer.Reframe(part)
		if err != nil {
			d.violation(unit.PTS, err)
			continue
		}
		if nalu.IsParameterSet(dec.Type) {
			if dec.Conflict {
				d.log.Warn("ignoring changed parameter set", "type", dec.Type)
			}
			continue
		}
		if early == nil && d.State() != StateReady && !d.cache.Complete() {
			early = codecerr.Newf(codecerr.ErrConfiguration, "video-decoder ingest",
				"%v before SPS and PPS", dec.Type)
		}
		slices = append(slices, dec)
	}
	if early != nil {
		return early
	}
	if len(slices) == 0 {
		return nil
	}
	if err := d.ensureReady(d.negotiate); err != nil {
		return err
	}

	pts := unit.PTS
	for _, dec := range slices {
		payload := dec.Payload
		if dec.Type == h264.NALUTypeIDR {
			d.log.Debug("idr", "pts", pts, "bytes", len(payload))
		}
		if err := d.queues.Work.Go(func() { d.decode(payload, pts) }); err != nil {
			return codecerr.New(codecerr.ErrClosed, "video-decoder ingest", err)
		}
	}
	return nil
}

func (d *VideoDecoder) negotiate() error {
	sps, pps, ok := d.cache.Snapshot()
	if !ok {
		return codecerr.Newf(codecerr.ErrConfiguration, "video-decoder negotiate", "parameter sets incomplete")
	}
	info, err := nalu.InspectSPS(sps)
	if err != nil {
		return codecerr.New(codecerr.ErrConfiguration, "video-decoder negotiate", err)
	}
	desc, err := d.describe(hwcodec.KindDecoder, hwcodec.CodecH264)
	if err != nil {
		return err
	}
	sess, err := d.svc.OpenVideo(desc, hwcodec.VideoRequest{
		Width:       info.Width,
		Height:      info.Height,
		SPS:         sps,
		PPS:         pps,
		PixelFormat: media.PixelFormatNV12,
	}, hwcodec.VideoOutputFunc(d.handleOutput))
	if err != nil {
		ferr := codecerr.New(codecerr.ErrFatalHardware, "video-decoder open", err)
		d.setFatal(ferr)
		return ferr
	}
	d.sess = sess
	d.log.Info("video decoder negotiated",
		"codec", desc.Name,
		"profile", info.CodecString(),
		"width", info.Width,
		"height", info.Height,
	)
	return nil
}

// decode runs on the work context.
func (d *VideoDecoder) decode(payload []byte, pts int64) {
	if d.sess == nil {
		d.dropped.Add(1)
		return
	}
	d.submitted.Add(1)
	err := d.sess.Submit(hwcodec.VideoFrame{
		Data: payload,
		PTS:  hwcodec.Timestamp{Value: pts, Scale: videoTimescale},
	})
	if err != nil {
		d.fail("decode", pts, err)
	}
}

func (d *VideoDecoder) handleOutput(res hwcodec.VideoResult) {
	pts := res.PTS.Value
	if res.Err != nil {
		d.fail("decode output", pts, res.Err)
		return
	}
	frame := media.DecodedFrame{
		StreamType: media.StreamVideo,
		Data:       res.Data,
		Width:      res.Width,
		Height:     res.Height,
		PTS:        pts,
		SequenceID: d.nextSeq(),
	}

	d.deliver(func() {
		d.sink.WriteFrame(frame)
		d.delivered.Add(1)
	})
}

// closeSession runs on the work context. The cache is emptied with the
// session so a recreated decoder starts from fresh parameter sets.
func (d *VideoDecoder) closeSession(ctx context.Context) error {
	if d.sess == nil {
		return nil
	}
	err := multierr.Combine(d.sess.Flush(ctx), d.sess.Close())
	d.sess = nil
	d.cache.Reset()
	return err
}

// Teardown flushes, closes the codec and stops the manager. It is
// idempotent.
func (d *VideoDecoder) Teardown(ctx context.Context) error {
	return d.teardown(ctx)
}

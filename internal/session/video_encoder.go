package session

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/config"
	"github.com/zsiec/avpipe/internal/hwcodec"
	"github.com/zsiec/avpipe/internal/media"
	"github.com/zsiec/avpipe/internal/nalu"
)

// videoTimescale is the presentation timescale: one tick per frame ID,
// 1000 ticks per second.
const videoTimescale = 1000

// VideoEncoder compresses raw pictures to H.264 and delivers Annex B
// units, SPS and PPS first.
type VideoEncoder struct {
	*core
	cfg config.Video

	// Work context only.
	sess    hwcodec.VideoSession
	frameID int64

	// Output goroutine only.
	outMu    sync.Mutex
	reframer nalu.Encoder
}

// NewVideoEncoder returns an encoder for cfg. The codec is opened on the
// first Ingest.
func NewVideoEncoder(cfg config.Video, opts Options) (*VideoEncoder, error) {
	if cfg.IsZero() {
		return nil, codecerr.Newf(codecerr.ErrConfiguration, "video-encoder", "empty video config")
	}
	c, err := newCore("video-encoder", media.StreamVideo, opts)
	if err != nil {
		return nil, err
	}
	e := &VideoEncoder{core: c, cfg: cfg}
	c.release = e.closeSession
	return e, nil
}

// Ingest queues one raw picture. The caller's timestamp is ignored;
// presentation times are minted from an internal frame counter. Ingest
// blocks only on the first call, while the codec is negotiated.
func (e *VideoEncoder) Ingest(sample media.RawSample) error {
	if sample.Type != media.StreamVideo {
		return codecerr.Newf(codecerr.ErrConfiguration, "video-encoder ingest", "got %s sample", sample.Type)
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.ensureReady(e.negotiate); err != nil {
		return err
	}
	data := bytes.Clone(sample.Data)
	if err := e.queues.Work.Go(func() { e.encode(data) }); err != nil {
		return codecerr.New(codecerr.ErrClosed, "video-encoder ingest", err)
	}
	return nil
}

func (e *VideoEncoder) negotiate() error {
	desc, err := e.describe(hwcodec.KindEncoder, hwcodec.CodecH264)
	if err != nil {
		return err
	}
	req := hwcodec.VideoRequest{
		Width:                e.cfg.Width(),
		Height:               e.cfg.Height(),
		AverageBitRate:       e.cfg.BitRate(),
		PeakBitRate:          e.cfg.BitRate() * 4,
		MaxKeyFrameInterval:  e.cfg.KeyFrameInterval(),
		ExpectedFrameRate:    e.cfg.FPS(),
		Profile:              hwcodec.ProfileBaseline,
		RealTime:             true,
		AllowFrameReordering: false,
	}
	sess, err := e.svc.OpenVideo(desc, req, hwcodec.VideoOutputFunc(e.handleOutput))
	if err != nil {
		ferr := codecerr.New(codecerr.ErrFatalHardware, "video-encoder open", err)
		e.setFatal(ferr)
		return ferr
	}
	e.sess = sess
	e.log.Info("video encoder negotiated", "codec", desc.Name, "config", e.cfg.String())
	return nil
}

// encode runs on the work context.
func (e *VideoEncoder) encode(data []byte) {
	pts := e.frameID
	e.frameID++
	if e.sess == nil {
		e.dropped.Add(1)
		return
	}
	e.submitted.Add(1)
	err := e.sess.Submit(hwcodec.VideoFrame{
		Data: data,
		PTS:  hwcodec.Timestamp{Value: pts, Scale: videoTimescale},
	})
	if err != nil {
		e.fail("encode", pts, err)
	}
}

// handleOutput runs on the service's output goroutine.
func (e *VideoEncoder) handleOutput(res hwcodec.VideoResult) {
	pts := res.PTS.Value
	if res.Err != nil {
		e.fail("encode output", pts, res.Err)
		return
	}

	e.outMu.Lock()
	units, err := e.reframer.Reframe(res.Data, res.KeyFrame, res.Format)
	for i := range units {
		units[i].SequenceID = e.nextSeq()
		units[i].PTS = pts
	}
	e.outMu.Unlock()

	if len(units) > 0 {
		e.deliver(func() {
			for _, u := range units {
				e.sink.WriteUnit(u)
			}
			e.delivered.Add(int64(len(units)))
		})
	}
	if err != nil {
		e.violation(pts, err)
	}
}

// closeSession runs on the work context.
func (e *VideoEncoder) closeSession(ctx context.Context) error {
	if e.sess == nil {
		return nil
	}
	err := multierr.Combine(e.sess.Flush(ctx), e.sess.Close())
	e.sess = nil

	// A replacement session starts a new stream and must resend SPS/PPS.
	e.outMu.Lock()
	sent := e.reframer.ParameterSetsSent()
	e.reframer.Reset()
	e.outMu.Unlock()
	e.log.Debug("encode session released", "parameter_sets_sent", sent)
	return err
}

// Teardown flushes in-flight frames, closes the codec and stops the
// manager. It is idempotent.
func (e *VideoEncoder) Teardown(ctx context.Context) error {
	return e.teardown(ctx)
}

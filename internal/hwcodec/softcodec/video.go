package softcodec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/avpipe/internal/hwcodec"
	"github.com/zsiec/avpipe/internal/nalu"
)

const videoQueueDepth = 16

var errNoParameterSet = errors.New("softcodec: no parameter set at index")

type paramSets struct{ sps, pps []byte }

func (p paramSets) ParameterSet(index int) ([]byte, error) {
	switch index {
	case 0:
		return p.sps, nil
	case 1:
		return p.pps, nil
	}
	return nil, errNoParameterSet
}

type videoSession struct {
	svc      *Service
	log      *slog.Logger
	kind     hwcodec.Kind
	req      hwcodec.VideoRequest
	out      hwcodec.VideoOutput
	params   paramSets
	gop      int
	inflight sync.WaitGroup

	mu     sync.Mutex
	closed bool
	fatal  error
	frames int

	in   chan job
	done chan struct{}
}

type job struct {
	frame hwcodec.VideoFrame
	fail  bool
	index int
}

// OpenVideo implements hwcodec.Service.
func (s *Service) OpenVideo(desc hwcodec.Description, req hwcodec.VideoRequest, out hwcodec.VideoOutput) (hwcodec.VideoSession, error) {
	if desc.Codec != hwcodec.CodecH264 || out == nil {
		return nil, &hwcodec.StatusError{Code: StatusBadParam, Op: "open video"}
	}
	vs := &videoSession{
		svc:  s,
		kind: desc.Kind,
		req:  req,
		out:  out,
		in:   make(chan job, videoQueueDepth),
		done: make(chan struct{}),
	}

	switch desc.Kind {
	case hwcodec.KindEncoder:
		if req.Width <= 0 || req.Height <= 0 || req.AverageBitRate <= 0 {
			return nil, &hwcodec.StatusError{Code: StatusBadParam, Op: "open video encoder"}
		}
		sps, err := nalu.BuildSPS(req.Width, req.Height)
		if err != nil {
			return nil, &hwcodec.StatusError{Code: StatusBadParam, Op: "open video encoder"}
		}
		vs.params = paramSets{sps: sps, pps: nalu.BuildPPS()}
		vs.gop = req.MaxKeyFrameInterval
		if vs.gop <= 0 {
			vs.gop = 1
		}
	case hwcodec.KindDecoder:
		info, err := nalu.InspectSPS(req.SPS)
		if err != nil || len(req.PPS) == 0 {
			return nil, &hwcodec.StatusError{Code: StatusBadParam, Op: "open video decoder"}
		}
		vs.req.Width, vs.req.Height = info.Width, info.Height
	}

	vs.log = s.log.With("session", desc.Name)
	s.videoOpens.Add(1)
	go vs.run()
	vs.log.Debug("video session opened", "kind", desc.Kind, "width", vs.req.Width, "height", vs.req.Height)
	return vs, nil
}

func (vs *videoSession) Submit(frame hwcodec.VideoFrame) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed {
		return &hwcodec.StatusError{Code: StatusInvalidated, Op: "submit"}
	}
	if vs.fatal != nil {
		return vs.fatal
	}
	if len(frame.Data) == 0 {
		return &hwcodec.StatusError{Code: StatusRejected, Op: "submit", Recoverable: true}
	}

	reject, fail := vs.svc.verdict()
	if reject {
		return &hwcodec.StatusError{Code: StatusRejected, Op: "submit", Recoverable: true}
	}
	if fail {
		vs.fatal = &hwcodec.StatusError{Code: StatusMalfunction, Op: "submit"}
	}

	vs.inflight.Add(1)
	vs.in <- job{frame: frame, fail: fail, index: vs.frames}
	vs.frames++
	return nil
}

func (vs *videoSession) run() {
	defer close(vs.done)
	for j := range vs.in {
		vs.out.HandleVideo(vs.process(j))
		vs.inflight.Done()
	}
}

func (vs *videoSession) process(j job) hwcodec.VideoResult {
	if j.fail {
		return hwcodec.VideoResult{
			Err: &hwcodec.StatusError{Code: StatusMalfunction, Op: "output"},
			PTS: j.frame.PTS,
		}
	}
	if vs.kind == hwcodec.KindDecoder {
		return vs.decode(j)
	}
	return vs.encode(j)
}

// encode emits an SEI and an IDR slice on key frames and a single non-IDR
// slice otherwise, each prefixed with its 4-byte length.
func (vs *videoSession) encode(j job) hwcodec.VideoResult {
	key := j.index%vs.gop == 0

	// Text keeps the slice free of start-code-like byte runs.
	body := fmt.Appendf(nil, "idx=%d pts=%d len=%d ", j.index, j.frame.PTS.Value, len(j.frame.Data))
	body = append(body, j.frame.Data[0])

	var buf []byte
	if key {
		buf = appendNAL(buf, []byte{0x06, 0x05, 0x01, 0x00, 0x80})
		buf = appendNAL(buf, append([]byte{0x65}, body...))
	} else {
		buf = appendNAL(buf, append([]byte{0x41}, body...))
	}
	return hwcodec.VideoResult{
		Data:     buf,
		KeyFrame: key,
		PTS:      j.frame.PTS,
		Width:    vs.req.Width,
		Height:   vs.req.Height,
		Format:   vs.params,
	}
}

// decode turns one access unit into an NV12 picture filled with the last
// byte of the first slice.
func (vs *videoSession) decode(j job) hwcodec.VideoResult {
	data := j.frame.Data
	if len(data) < nalu.LengthSize+1 {
		return hwcodec.VideoResult{
			Err: &hwcodec.StatusError{Code: StatusRejected, Op: "decode", Recoverable: true},
			PTS: j.frame.PTS,
		}
	}
	n := int(binary.BigEndian.Uint32(data))
	if n == 0 || n > len(data)-nalu.LengthSize {
		return hwcodec.VideoResult{
			Err: &hwcodec.StatusError{Code: StatusRejected, Op: "decode", Recoverable: true},
			PTS: j.frame.PTS,
		}
	}
	nal := data[nalu.LengthSize : nalu.LengthSize+n]
	fill := nal[len(nal)-1]

	size := vs.req.Width * vs.req.Height * 3 / 2
	pic := make([]byte, size)
	for i := range pic {
		pic[i] = fill
	}
	return hwcodec.VideoResult{
		Data:     pic,
		KeyFrame: nalu.Type(nal) == 5,
		PTS:      j.frame.PTS,
		Width:    vs.req.Width,
		Height:   vs.req.Height,
	}
}

func appendNAL(buf, nal []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(nal)))
	return append(buf, nal...)
}

func (vs *videoSession) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		vs.inflight.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (vs *videoSession) Close() error {
	vs.mu.Lock()
	if vs.closed {
		vs.mu.Unlock()
		return nil
	}
	vs.closed = true
	close(vs.in)
	vs.mu.Unlock()

	<-vs.done
	vs.log.Debug("video session closed", "frames", vs.frames)
	return nil
}

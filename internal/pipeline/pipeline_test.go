package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/config"
	"github.com/zsiec/avpipe/internal/hwcodec/softcodec"
	"github.com/zsiec/avpipe/internal/media"
)

type renderSink struct {
	mu     sync.Mutex
	frames map[media.StreamType]int
	events int
}

func (r *renderSink) WriteUnit(media.EncodedUnit) {}

func (r *renderSink) WriteFrame(f media.DecodedFrame) {
	r.mu.Lock()
	if r.frames == nil {
		r.frames = make(map[media.StreamType]int)
	}
	r.frames[f.StreamType]++
	r.mu.Unlock()
}

func (r *renderSink) HandleEvent(media.Event) {
	r.mu.Lock()
	r.events++
	r.mu.Unlock()
}

func (r *renderSink) count(st media.StreamType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[st]
}

type chanSource struct {
	video chan media.RawSample
	audio chan media.RawSample
}

func (s *chanSource) Video() <-chan media.RawSample { return s.video }
func (s *chanSource) Audio() <-chan media.RawSample { return s.audio }

func testOptions(t *testing.T, render media.Sink) Options {
	t.Helper()
	v, err := config.NewVideo(320, 240, 320*240*5, 2)
	if err != nil {
		t.Fatal(err)
	}
	a, err := config.NewAudio(96000, 1, 44100, 16)
	if err != nil {
		t.Fatal(err)
	}
	return Options{
		Key:               "test-stream",
		Video:             v,
		Audio:             a,
		Loopback:          render != nil,
		Render:            render,
		Service:           softcodec.New(nil),
		VideoManufacturer: softcodec.ManufacturerHardware,
		AudioManufacturer: softcodec.ManufacturerSoftware,
	}
}

func videoSample(i int) media.RawSample {
	return media.RawSample{
		Type:      media.StreamVideo,
		Data:      []byte{byte(i), 1, 2, 3},
		Format:    media.SampleFormat{Width: 320, Height: 240, PixelFormat: media.PixelFormatNV12},
		Timestamp: int64(i) * 500_000,
	}
}

func audioSample(i int) media.RawSample {
	return media.RawSample{
		Type:      media.StreamAudio,
		Data:      make([]byte, 1024*2),
		Format:    media.SampleFormat{SampleRate: 44100, Channels: 1, BitDepth: 16},
		Timestamp: int64(i+1) * 23_220,
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); !errors.Is(err, codecerr.ErrConfiguration) {
		t.Errorf("nil service: got %v, want ErrConfiguration", err)
	}
	if _, err := New(Options{Service: softcodec.New(nil)}); !errors.Is(err, codecerr.ErrConfiguration) {
		t.Errorf("no streams: got %v, want ErrConfiguration", err)
	}
}

func TestPipelineDebugBeforeIngest(t *testing.T) {
	t.Parallel()

	p, err := New(testOptions(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())

	d := p.Debug()
	if d.VideoIngested != 0 || d.AudioIngested != 0 {
		t.Errorf("ingested: got %d/%d, want 0/0", d.VideoIngested, d.AudioIngested)
	}
	if d.Key != "test-stream" {
		t.Errorf("key: got %q", d.Key)
	}
	if len(d.Sessions) != 2 {
		t.Errorf("sessions: got %d, want 2 (no loopback)", len(d.Sessions))
	}
}

func TestIngestRejectsDisabledStream(t *testing.T) {
	t.Parallel()

	opts := testOptions(t, nil)
	opts.Audio = config.Audio{}
	p, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())

	if err := p.Ingest(audioSample(0)); !errors.Is(err, codecerr.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
	if got := p.Debug().IngestErrors; got != 1 {
		t.Errorf("IngestErrors: got %d, want 1", got)
	}
	if p.AudioRelay() != nil {
		t.Error("audio relay built for disabled stream")
	}
}

func TestLoopbackRendersBothStreams(t *testing.T) {
	t.Parallel()

	render := &renderSink{}
	p, err := New(testOptions(t, render))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		if err := p.Ingest(videoSample(i)); err != nil {
			t.Fatalf("video %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := p.Ingest(audioSample(i)); err != nil {
			t.Fatalf("audio %d: %v", i, err)
		}
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Key frames also carry an SEI unit, which the decoder renders.
	if got := render.count(media.StreamVideo); got < 6 {
		t.Errorf("video frames: got %d, want at least 6", got)
	}
	if got := render.count(media.StreamAudio); got != 3 {
		t.Errorf("audio frames: got %d, want 3", got)
	}

	d := p.Debug()
	if d.VideoIngested != 6 || d.AudioIngested != 3 {
		t.Errorf("ingested: got %d/%d, want 6/3", d.VideoIngested, d.AudioIngested)
	}
	if d.LoopbackErrors != 0 {
		t.Errorf("LoopbackErrors: got %d, want 0", d.LoopbackErrors)
	}
	if d.VideoRelay.KeyFrames != 2 {
		t.Errorf("video key frames: got %d, want 2", d.VideoRelay.KeyFrames)
	}
	if d.AudioRelay.Units != 3 {
		t.Errorf("audio units: got %d, want 3", d.AudioRelay.Units)
	}
	if len(d.Sessions) != 4 {
		t.Errorf("sessions: got %d, want 4", len(d.Sessions))
	}
	if info, ok := p.VideoRelay().VideoInfo(); !ok || info.Width != 320 {
		t.Errorf("video info: got %+v, %v", info, ok)
	}
}

func TestRunReturnsWhenSourceCloses(t *testing.T) {
	t.Parallel()

	p, err := New(testOptions(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	src := &chanSource{
		video: make(chan media.RawSample, 4),
		audio: make(chan media.RawSample, 4),
	}
	for i := 0; i < 4; i++ {
		src.video <- videoSample(i)
		src.audio <- audioSample(i)
	}
	close(src.video)
	close(src.audio)

	if err := p.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := p.Debug()
	if d.VideoIngested != 4 || d.AudioIngested != 4 {
		t.Errorf("ingested: got %d/%d, want 4/4", d.VideoIngested, d.AudioIngested)
	}
	if err := p.Ingest(videoSample(9)); !errors.Is(err, codecerr.ErrClosed) {
		t.Errorf("ingest after Run: got %v, want ErrClosed", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	p, err := New(testOptions(t, &renderSink{}))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx, nil); err != nil {
		t.Errorf("Run: %v", err)
	}
	// Close after Run is a no-op.
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/media"
	"github.com/zsiec/avpipe/internal/nalu"
)

type mockSubscriber struct {
	id    string
	mu    sync.Mutex
	units []media.EncodedUnit
}

func (m *mockSubscriber) ID() string { return m.id }

func (m *mockSubscriber) SendUnit(u media.EncodedUnit) {
	m.mu.Lock()
	m.units = append(m.units, u)
	m.mu.Unlock()
}

func (m *mockSubscriber) received() []media.EncodedUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]media.EncodedUnit(nil), m.units...)
}

func videoUnits(t *testing.T) (sps, pps media.EncodedUnit) {
	t.Helper()
	raw, err := nalu.BuildSPS(640, 360)
	if err != nil {
		t.Fatal(err)
	}
	sps = media.EncodedUnit{Payload: nalu.WithStartCode(raw), Kind: media.UnitSPS, IsKeyFrame: true, StreamType: media.StreamVideo}
	pps = media.EncodedUnit{Payload: nalu.WithStartCode(nalu.BuildPPS()), Kind: media.UnitPPS, IsKeyFrame: true, StreamType: media.StreamVideo}
	return sps, pps
}

func slice(pts int64, key bool) media.EncodedUnit {
	hdr := byte(0x41)
	if key {
		hdr = 0x65
	}
	return media.EncodedUnit{
		Payload:    nalu.WithStartCode([]byte{hdr, byte(pts)}),
		Kind:       media.UnitSlice,
		IsKeyFrame: key,
		PTS:        pts,
		StreamType: media.StreamVideo,
	}
}

func TestRelaySubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	r := New(media.StreamVideo, nil)
	s := &mockSubscriber{id: "s1"}
	r.Subscribe(s)
	if got := r.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount: got %d, want 1", got)
	}
	r.WriteUnit(slice(0, false))
	r.Unsubscribe("s1")
	r.WriteUnit(slice(1, false))

	if got := len(s.received()); got != 1 {
		t.Errorf("received: got %d, want 1", got)
	}
	if got := r.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount after remove: got %d, want 0", got)
	}
}

func TestRelayLateJoinReplaysParameterSetsAndGOP(t *testing.T) {
	t.Parallel()

	r := New(media.StreamVideo, nil)
	sps, pps := videoUnits(t)
	r.WriteUnit(sps)
	r.WriteUnit(pps)
	r.WriteUnit(slice(0, true))
	r.WriteUnit(slice(1, false))
	r.WriteUnit(slice(2, true))
	r.WriteUnit(slice(3, false))

	s := &mockSubscriber{id: "late"}
	r.Subscribe(s)
	r.WriteUnit(slice(4, false))

	got := s.received()
	want := []struct {
		kind media.UnitKind
		pts  int64
	}{
		{media.UnitSPS, 0}, {media.UnitPPS, 0},
		{media.UnitSlice, 2}, {media.UnitSlice, 3}, {media.UnitSlice, 4},
	}
	if len(got) != len(want) {
		t.Fatalf("received %d units, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Kind != w.kind || got[i].PTS != w.pts {
			t.Errorf("unit %d: got kind=%d pts=%d, want kind=%d pts=%d", i, got[i].Kind, got[i].PTS, w.kind, w.pts)
		}
	}
	if st := r.Stats(); st.KeyFrames != 2 || st.Units != 7 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestRelayKeyFrameSpanningUnits(t *testing.T) {
	t.Parallel()

	r := New(media.StreamVideo, nil)
	sps, pps := videoUnits(t)
	r.WriteUnit(sps)
	r.WriteUnit(pps)
	sei := slice(0, true)
	sei.Payload = nalu.WithStartCode([]byte{0x06, 0x05})
	r.WriteUnit(sei)
	r.WriteUnit(slice(0, true))

	s := &mockSubscriber{id: "s"}
	r.Subscribe(s)
	if got := len(s.received()); got != 4 {
		t.Errorf("replayed %d units, want 4 (SPS, PPS, SEI, IDR)", got)
	}
}

func TestRelayNoReplayWithoutKeyFrame(t *testing.T) {
	t.Parallel()

	r := New(media.StreamVideo, nil)
	r.WriteUnit(slice(0, false))
	s := &mockSubscriber{id: "s"}
	r.Subscribe(s)
	if got := len(s.received()); got != 0 {
		t.Errorf("replayed %d units, want 0", got)
	}
}

func TestRelayAudioCacheBounded(t *testing.T) {
	t.Parallel()

	r := New(media.StreamAudio, nil)
	for i := 0; i < audioCacheSize+10; i++ {
		r.WriteUnit(media.EncodedUnit{Kind: media.UnitAudio, StreamType: media.StreamAudio, SequenceID: int64(i)})
	}
	s := &mockSubscriber{id: "a"}
	r.Subscribe(s)
	got := s.received()
	if len(got) != audioCacheSize {
		t.Fatalf("replayed %d, want %d", len(got), audioCacheSize)
	}
	if got[0].SequenceID != 10 {
		t.Errorf("oldest replayed: got %d, want 10", got[0].SequenceID)
	}
}

func TestRelayVideoInfo(t *testing.T) {
	t.Parallel()

	r := New(media.StreamVideo, nil)
	if _, ok := r.VideoInfo(); ok {
		t.Fatal("video info set before SPS")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if r.WaitVideoInfo(ctx) {
		t.Fatal("WaitVideoInfo returned true before SPS")
	}

	sps, pps := videoUnits(t)
	r.WriteUnit(sps)
	r.WriteUnit(pps)
	if !r.WaitVideoInfo(context.Background()) {
		t.Fatal("WaitVideoInfo returned false after SPS")
	}
	info, _ := r.VideoInfo()
	if info.Width != 640 || info.Height != 360 {
		t.Errorf("dimensions: got %dx%d, want 640x360", info.Width, info.Height)
	}
	if info.Codec != "avc1.420028" {
		t.Errorf("codec: got %q", info.Codec)
	}
	if info.PPS == nil {
		t.Error("PPS not recorded")
	}
}

func TestRelayCountsEvents(t *testing.T) {
	t.Parallel()

	r := New(media.StreamVideo, nil)
	r.HandleEvent(media.Event{Kind: media.EventFrameDropped})
	r.HandleEvent(media.Event{Kind: media.EventFrameDropped})
	r.HandleEvent(media.Event{Kind: media.EventProtocolViolation})
	r.HandleEvent(media.Event{Kind: media.EventFatal})

	st := r.Stats()
	if st.Dropped != 2 || st.Violations != 1 || st.Fatal != 1 {
		t.Errorf("got %+v", st)
	}
}

func TestRelayLogsEventErrorKind(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := New(media.StreamVideo, slog.New(slog.NewTextHandler(&buf, nil)))
	r.HandleEvent(media.Event{
		Kind: media.EventProtocolViolation,
		Err:  codecerr.New(codecerr.ErrProtocolViolation, "reframe", errors.New("short buffer")),
	})
	r.HandleEvent(media.Event{
		Kind: media.EventFatal,
		Err:  codecerr.New(codecerr.ErrFatalHardware, "encode", nil),
	})

	out := buf.String()
	for _, want := range []string{`error_kind="protocol violation"`, `error_kind="fatal hardware error"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s:\n%s", want, out)
		}
	}
}

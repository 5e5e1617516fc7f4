// Package relay fans encoded units out from one encoder to any number of
// subscribers (storage writers, loopback decoders). A relay caches the
// stream's parameter sets and current GOP, or recent audio units, so a
// subscriber that attaches mid-stream can start decoding immediately.
package relay

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/media"
	"github.com/zsiec/avpipe/internal/nalu"
)

// audioCacheSize is the number of recent audio units replayed to a late
// subscriber (about one second of AAC at 44.1 kHz).
const audioCacheSize = 43

// Subscriber receives units from a Relay. SendUnit is called with the
// relay's lock held and must not call back into the relay.
type Subscriber interface {
	ID() string
	SendUnit(unit media.EncodedUnit)
}

type funcSubscriber struct {
	id string
	fn func(media.EncodedUnit)
}

func (s funcSubscriber) ID() string                   { return s.id }
func (s funcSubscriber) SendUnit(u media.EncodedUnit) { s.fn(u) }

// SubscriberFunc adapts fn to a Subscriber with the given id.
func SubscriberFunc(id string, fn func(media.EncodedUnit)) Subscriber {
	return funcSubscriber{id: id, fn: fn}
}

// VideoInfo describes the stream once its SPS has been seen.
type VideoInfo struct {
	Codec  string
	Width  int
	Height int
	SPS    []byte
	PPS    []byte
}

// Stats is a snapshot of a relay's counters.
type Stats struct {
	Units       int64
	Bytes       int64
	KeyFrames   int64
	Dropped     int64
	Violations  int64
	Fatal       int64
	Subscribers int
}

// Relay is the fan-out hub for one stream type. It implements media.Sink
// so an encoder can deliver to it directly; decoded frames are ignored.
type Relay struct {
	log    *slog.Logger
	stream media.StreamType

	mu   sync.Mutex
	subs map[string]Subscriber
	sps  *media.EncodedUnit
	pps  *media.EncodedUnit
	gop  []media.EncodedUnit
	aac  []media.EncodedUnit

	infoMu    sync.RWMutex
	info      VideoInfo
	infoSet   bool
	infoReady chan struct{}

	units      atomic.Int64
	bytes      atomic.Int64
	keyFrames  atomic.Int64
	dropped    atomic.Int64
	violations atomic.Int64
	fatal      atomic.Int64
}

// New creates a Relay with no subscribers.
func New(stream media.StreamType, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:       log.With("component", "relay", "stream", stream.String()),
		stream:    stream,
		subs:      make(map[string]Subscriber),
		infoReady: make(chan struct{}),
	}
}

// WriteUnit caches u and sends it to every subscriber.
func (r *Relay) WriteUnit(u media.EncodedUnit) {
	r.units.Add(1)
	r.bytes.Add(int64(len(u.Payload)))

	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case media.UnitSPS:
		r.sps = &u
		r.setVideoInfo(u.Payload)
	case media.UnitPPS:
		r.pps = &u
		r.infoMu.Lock()
		if r.infoSet && r.info.PPS == nil {
			r.info.PPS, _ = nalu.StripStartCode(u.Payload)
		}
		r.infoMu.Unlock()
	case media.UnitAudio:
		if len(r.aac) >= audioCacheSize {
			copy(r.aac, r.aac[1:])
			r.aac[len(r.aac)-1] = u
		} else {
			r.aac = append(r.aac, u)
		}
	default:
		// A key frame may span several units sharing one PTS.
		if u.IsKeyFrame && (len(r.gop) == 0 || r.gop[0].PTS != u.PTS) {
			r.gop = r.gop[:0]
			r.keyFrames.Add(1)
		}
		r.gop = append(r.gop, u)
	}

	for _, s := range r.subs {
		s.SendUnit(u)
	}
}

// WriteFrame is a no-op; relays carry encoded units only.
func (r *Relay) WriteFrame(media.DecodedFrame) {}

// HandleEvent counts and logs encoder events.
func (r *Relay) HandleEvent(ev media.Event) {
	kind := codecerr.KindOf(ev.Err)
	switch ev.Kind {
	case media.EventFrameDropped:
		r.dropped.Add(1)
		r.log.Debug("frame dropped", "session", ev.Session, "pts", ev.PTS, "error_kind", kind, "error", ev.Err)
	case media.EventProtocolViolation:
		r.violations.Add(1)
		r.log.Warn("protocol violation", "session", ev.Session, "pts", ev.PTS, "error_kind", kind, "error", ev.Err)
	case media.EventFatal:
		r.fatal.Add(1)
		r.log.Error("encoder failed", "session", ev.Session, "error_kind", kind, "error", ev.Err)
	}
}

func (r *Relay) setVideoInfo(payload []byte) {
	sps, _ := nalu.StripStartCode(payload)
	info, err := nalu.InspectSPS(sps)
	if err != nil {
		r.log.Warn("unreadable SPS", "error", err)
		return
	}
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	if r.infoSet {
		return
	}
	r.info = VideoInfo{
		Codec:  info.CodecString(),
		Width:  info.Width,
		Height: info.Height,
		SPS:    bytes.Clone(sps),
	}
	r.infoSet = true
	close(r.infoReady)
	r.log.Debug("video info set", "codec", r.info.Codec, "width", info.Width, "height", info.Height)
}

// VideoInfo returns the stream description, or false before the first SPS.
func (r *Relay) VideoInfo() (VideoInfo, bool) {
	r.infoMu.RLock()
	defer r.infoMu.RUnlock()
	return r.info, r.infoSet
}

// WaitVideoInfo blocks until the first SPS has been seen or ctx is done.
// It reports whether the info is available.
func (r *Relay) WaitVideoInfo(ctx context.Context) bool {
	select {
	case <-r.infoReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// Subscribe replays the cached parameter sets and GOP (or recent audio) to
// s and then registers it for live units. Both happen under the relay's
// lock, so s sees no gap and no duplicate.
func (r *Relay) Subscribe(s Subscriber) {
	r.mu.Lock()
	replayed := r.replay(s)
	r.subs[s.ID()] = s
	n := len(r.subs)
	r.mu.Unlock()

	r.log.Info("subscriber added", "subscriber", s.ID(), "replayed", replayed, "subscribers", n)
}

func (r *Relay) replay(s Subscriber) int {
	n := 0
	if r.stream == media.StreamAudio {
		for _, u := range r.aac {
			s.SendUnit(u)
			n++
		}
		return n
	}
	if r.sps == nil || r.pps == nil || len(r.gop) == 0 || !r.gop[0].IsKeyFrame {
		return 0
	}
	s.SendUnit(*r.sps)
	s.SendUnit(*r.pps)
	for _, u := range r.gop {
		s.SendUnit(u)
	}
	return len(r.gop) + 2
}

// Unsubscribe removes the subscriber with the given id.
func (r *Relay) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	n := len(r.subs)
	r.mu.Unlock()
	r.log.Info("subscriber removed", "subscriber", id, "subscribers", n)
}

// SubscriberCount returns the number of attached subscribers.
func (r *Relay) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Stats returns a snapshot of the relay's counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Units:       r.units.Load(),
		Bytes:       r.bytes.Load(),
		KeyFrames:   r.keyFrames.Load(),
		Dropped:     r.dropped.Load(),
		Violations:  r.violations.Load(),
		Fatal:       r.fatal.Load(),
		Subscribers: r.SubscriberCount(),
	}
}

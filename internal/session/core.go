// Package session manages codec sessions: one manager per direction and
// media type, each owning a single hardware codec handle.
//
// Every manager follows the same lifecycle:
//
//	Uninitialized -> Negotiating -> Ready -> Draining -> Closed
//
// Negotiation is lazy and happens on the first ingest that can open the
// codec. Ingest copies its input and queues the codec call on the manager's
// work context; results reach the media.Sink on the delivery context, in
// submission order. A recoverable codec fault becomes a frame-dropped event.
// A fatal fault closes the session, releases the handle, and makes every
// later Ingest return the same error.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/zsiec/avpipe/internal/codecerr"
	"github.com/zsiec/avpipe/internal/hwcodec"
	"github.com/zsiec/avpipe/internal/media"
	"github.com/zsiec/avpipe/internal/queue"
)

// DefaultDrainTimeout bounds how long Teardown waits for the codec to flush.
const DefaultDrainTimeout = 5 * time.Second

// State is a manager's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateNegotiating
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options are shared by all managers.
type Options struct {
	Service hwcodec.Service
	Sink    media.Sink
	// Manufacturer selects among the service's codec descriptions. Empty
	// accepts the first match.
	Manufacturer string
	Log          *slog.Logger
	Clock        clock.Clock
	DrainTimeout time.Duration
}

// Stats is a point-in-time snapshot of a manager's counters.
type Stats struct {
	ID         string
	State      State
	Submitted  int64
	Delivered  int64
	Dropped    int64
	Violations int64
	// Queued counts tasks waiting on, or running in, the work and delivery
	// contexts.
	Queued int
	Uptime time.Duration
}

// core is the lifecycle shared by every manager. Fields below mu are
// touched from the service's output goroutine as well as the work context.
type core struct {
	id     string
	name   string
	stream media.StreamType
	svc    hwcodec.Service
	sink   media.Sink
	maker  string
	log    *slog.Logger
	clock  clock.Clock
	drain  time.Duration
	queues *queue.Discipline
	opened time.Time

	// release closes the codec handle. It runs on the work context.
	release func(ctx context.Context) error

	state atomic.Int32
	seq   atomic.Int64

	submitted  atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	violations atomic.Int64

	mu    sync.Mutex
	fatal error

	teardownOnce sync.Once
	teardownErr  error
}

func newCore(name string, stream media.StreamType, opts Options) (*core, error) {
	if opts.Service == nil {
		return nil, codecerr.Newf(codecerr.ErrConfiguration, name, "no codec service")
	}
	if opts.Sink == nil {
		return nil, codecerr.Newf(codecerr.ErrConfiguration, name, "no sink")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	id := uuid.NewString()
	log = log.With("component", name, "session", id)
	return &core{
		id:     id,
		name:   name,
		stream: stream,
		svc:    opts.Service,
		sink:   opts.Sink,
		maker:  opts.Manufacturer,
		log:    log,
		clock:  clk,
		drain:  drain,
		queues: queue.NewDiscipline(name+"-"+id[:8], log),
		opened: clk.Now(),
	}, nil
}

// ID returns the manager's session identifier.
func (c *core) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *core) State() State { return State(c.state.Load()) }

// Err returns the fatal error that closed the session, if any.
func (c *core) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Stats returns a snapshot of the manager's counters.
func (c *core) Stats() Stats {
	return Stats{
		ID:         c.id,
		State:      c.State(),
		Submitted:  c.submitted.Load(),
		Delivered:  c.delivered.Load(),
		Dropped:    c.dropped.Load(),
		Violations: c.violations.Load(),
		Queued:     c.queues.Work.Len() + c.queues.Delivery.Len(),
		Uptime:     c.clock.Since(c.opened),
	}
}

// checkOpen returns the fatal error, or ErrClosed once teardown has begun.
func (c *core) checkOpen() error {
	if err := c.Err(); err != nil {
		return err
	}
	switch c.State() {
	case StateDraining, StateClosed:
		return codecerr.New(codecerr.ErrClosed, c.name+" ingest", nil)
	}
	return nil
}

// ensureReady runs negotiate on the work context unless the session is
// already Ready. The caller blocks until negotiation settles, so
// configuration and resource errors surface synchronously.
func (c *core) ensureReady(negotiate func() error) error {
	if c.State() == StateReady {
		return nil
	}
	var nerr error
	err := c.queues.Work.Sync(func() {
		if c.State() == StateReady {
			return
		}
		if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateNegotiating)) {
			nerr = c.checkOpen()
			return
		}
		nerr = negotiate()
		if nerr == nil {
			c.state.CompareAndSwap(int32(StateNegotiating), int32(StateReady))
			c.log.Info("codec session ready")
			return
		}
		c.state.CompareAndSwap(int32(StateNegotiating), int32(StateUninitialized))
	})
	if err != nil {
		return codecerr.New(codecerr.ErrClosed, c.name+" negotiate", nil)
	}
	if nerr == nil {
		return c.checkOpen()
	}
	return nerr
}

// describe picks the codec description for kind and codec.
func (c *core) describe(kind hwcodec.Kind, codec hwcodec.Codec) (hwcodec.Description, error) {
	desc, ok := hwcodec.Match(c.svc.Describe(kind, codec), c.maker)
	if !ok {
		return desc, codecerr.Newf(codecerr.ErrResourceExhaustion, c.name+" negotiate",
			"no %s %s from manufacturer %q", codec, kind, c.maker)
	}
	return desc, nil
}

func (c *core) nextSeq() int64 { return c.seq.Add(1) - 1 }

// deliver hands fn to the delivery context.
func (c *core) deliver(fn func()) {
	if err := c.queues.Delivery.Go(fn); err != nil {
		c.log.Warn("delivery after close", "error", err)
	}
}

func (c *core) emit(kind media.EventKind, pts int64, err error) {
	ev := media.Event{Kind: kind, StreamType: c.stream, Session: c.id, PTS: pts, Err: err}
	c.deliver(func() { c.sink.HandleEvent(ev) })
}

func (c *core) violation(pts int64, err error) {
	c.violations.Add(1)
	c.log.Warn("protocol violation", "pts", pts, "error", err)
	c.emit(media.EventProtocolViolation, pts, err)
}

// fail classifies a codec error: recoverable errors drop one frame, any
// other error is fatal to the session.
func (c *core) fail(op string, pts int64, err error) {
	if hwcodec.IsRecoverable(err) {
		c.dropped.Add(1)
		c.log.Debug("frame dropped", "op", op, "pts", pts, "error", err)
		c.emit(media.EventFrameDropped, pts, codecerr.New(codecerr.ErrFrameDropped, c.name+" "+op, err))
		return
	}
	c.setFatal(codecerr.New(codecerr.ErrFatalHardware, c.name+" "+op, err))
}

// setFatal records the first fatal error, closes the session and schedules
// the handle release on the work context. Safe from any goroutine.
func (c *core) setFatal(err error) {
	c.mu.Lock()
	if c.fatal != nil {
		c.mu.Unlock()
		return
	}
	c.fatal = err
	c.mu.Unlock()

	c.state.Store(int32(StateClosed))
	c.log.Error("codec session failed", "error", err)
	c.emit(media.EventFatal, 0, err)
	_ = c.queues.Work.Go(func() {
		ctx, cancel := c.clock.WithTimeout(context.Background(), c.drain)
		defer cancel()
		if rerr := c.release(ctx); rerr != nil {
			c.log.Warn("release after failure", "error", rerr)
		}
	})
}

// teardown drains queued work, flushes and closes the codec handle, then
// stops both contexts. Called from the delivery context, as a sink
// reacting to a fatal event does, it returns without waiting for the
// remaining deliveries.
func (c *core) teardown(ctx context.Context) error {
	c.teardownOnce.Do(func() {
		if c.State() != StateClosed {
			c.state.Store(int32(StateDraining))
		}
		ctx, cancel := c.clock.WithTimeout(ctx, c.drain)
		defer cancel()

		var err error
		if serr := c.queues.Work.Sync(func() { err = c.release(ctx) }); serr != nil {
			err = serr
		}
		c.queues.Close()
		c.state.Store(int32(StateClosed))
		c.teardownErr = err

		st := c.Stats()
		c.log.Info("codec session closed",
			"submitted", st.Submitted,
			"delivered", st.Delivered,
			"dropped", st.Dropped,
			"violations", st.Violations,
			"uptime", st.Uptime,
		)
	})
	return c.teardownErr
}

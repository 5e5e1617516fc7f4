// Package stream keeps the registry of running pipelines, keyed by stream
// name, and tears them down on removal or shutdown.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// Closer is the part of a pipeline the registry needs.
type Closer interface {
	Close(ctx context.Context) error
}

// Stream is one registered pipeline.
type Stream struct {
	Key       string
	StartedAt time.Time
	Pipeline  Closer
	done      chan struct{}
}

// Done is closed once the stream has been removed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Manager tracks active streams.
type Manager struct {
	log   *slog.Logger
	clock clock.Clock

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates an empty registry. If log is nil, slog.Default() is
// used; if clk is nil, the wall clock is.
func NewManager(log *slog.Logger, clk clock.Clock) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		clock:   clk,
		streams: make(map[string]*Stream),
	}
}

// Create registers p under key. It returns false, and leaves p untouched,
// if the key is already taken.
func (m *Manager) Create(key string, p Closer) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Stream{
		Key:       key,
		StartedAt: m.clock.Now(),
		Pipeline:  p,
		done:      make(chan struct{}),
	}
	m.streams[key] = s
	m.log.Info("stream created", "key", key)
	return s, true
}

// Get returns the stream registered under key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove unregisters key and closes its pipeline. Removing an unknown key
// is a no-op.
func (m *Manager) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.close(ctx, s)
}

func (m *Manager) close(ctx context.Context, s *Stream) error {
	defer close(s.done)
	var err error
	if s.Pipeline != nil {
		if err = s.Pipeline.Close(ctx); err != nil {
			err = fmt.Errorf("stream %s: %w", s.Key, err)
		}
	}
	m.log.Info("stream removed", "key", s.Key, "uptime", m.clock.Since(s.StartedAt), "error", err)
	return err
}

// List returns all active streams ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// CloseAll removes every stream and returns the combined close errors.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()

	var errs error
	for _, s := range streams {
		errs = multierr.Append(errs, m.close(ctx, s))
	}
	return errs
}

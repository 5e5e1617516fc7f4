package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

type fakePipeline struct {
	closed int
	err    error
}

func (f *fakePipeline) Close(context.Context) error {
	f.closed++
	return f.err
}

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	m := NewManager(nil, mock)

	p := &fakePipeline{}
	s, ok := m.Create("test-stream", p)
	if !ok {
		t.Fatal("Create returned not-ok for new stream")
	}
	if s.Key != "test-stream" {
		t.Errorf("key: got %q, want %q", s.Key, "test-stream")
	}
	if !s.StartedAt.Equal(mock.Now()) {
		t.Errorf("StartedAt: got %v, want %v", s.StartedAt, mock.Now())
	}

	got, ok := m.Get("test-stream")
	if !ok || got != s {
		t.Error("Get should return the created stream")
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get found a missing key")
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, nil)

	if _, ok := m.Create("test", &fakePipeline{}); !ok {
		t.Fatal("first Create should succeed")
	}
	second := &fakePipeline{}
	s2, ok2 := m.Create("test", second)
	if ok2 || s2 != nil {
		t.Error("duplicate Create should return nil, false")
	}
	if second.closed != 0 {
		t.Error("rejected pipeline should not be closed by the manager")
	}
}

func TestManagerRemoveClosesPipeline(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, nil)

	p := &fakePipeline{}
	s, _ := m.Create("test", p)
	if err := m.Remove(context.Background(), "test"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if p.closed != 1 {
		t.Errorf("closed: got %d, want 1", p.closed)
	}
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after Remove")
	}
}

func TestManagerListSorted(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, nil)

	for _, k := range []string{"stream-c", "stream-a", "stream-b"} {
		m.Create(k, nil)
	}
	streams := m.List()
	if len(streams) != 3 {
		t.Fatalf("expected 3 streams, got %d", len(streams))
	}
	for i, want := range []string{"stream-a", "stream-b", "stream-c"} {
		if streams[i].Key != want {
			t.Errorf("streams[%d]: got %q, want %q", i, streams[i].Key, want)
		}
	}
}

func TestManagerRemoveNonexistent(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, nil)
	if err := m.Remove(context.Background(), "nonexistent"); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}

func TestManagerCloseAllCombinesErrors(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, nil)

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a := &fakePipeline{err: errA}
	b := &fakePipeline{err: errB}
	c := &fakePipeline{}
	m.Create("a", a)
	m.Create("b", b)
	m.Create("c", c)

	err := m.CloseAll(context.Background())
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("got %v, want both errors", err)
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("errors: got %d, want 2", n)
	}
	if a.closed+b.closed+c.closed != 3 {
		t.Error("every pipeline should be closed once")
	}
	if len(m.List()) != 0 {
		t.Error("registry not empty after CloseAll")
	}
}

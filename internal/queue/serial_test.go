package queue

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSerialRunsInOrder(t *testing.T) {
	t.Parallel()

	q := NewSerial("order", nil)
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := q.Go(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Go: %v", err)
		}
	}
	q.Close()

	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestSerialNoConcurrency(t *testing.T) {
	t.Parallel()

	q := NewSerial("exclusive", nil)
	var active, maxActive int
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		q.Go(func() {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	q.Close()
	if maxActive != 1 {
		t.Errorf("max concurrent tasks: got %d, want 1", maxActive)
	}
}

func TestSerialGoAfterClose(t *testing.T) {
	t.Parallel()

	q := NewSerial("closed", nil)
	q.Close()
	if err := q.Go(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Go after Close: got %v, want ErrClosed", err)
	}
	if err := q.Sync(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync after Close: got %v, want ErrClosed", err)
	}
	// Second Close must not block or panic.
	q.Close()
}

func TestSerialSyncWaits(t *testing.T) {
	t.Parallel()

	q := NewSerial("sync", nil)
	defer q.Close()

	ran := false
	if err := q.Sync(func() { ran = true }); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !ran {
		t.Error("Sync returned before the task ran")
	}
}

func TestSerialSurvivesPanic(t *testing.T) {
	t.Parallel()

	q := NewSerial("panic", nil)
	defer q.Close()

	q.Go(func() { panic("boom") })
	ran := false
	if err := q.Sync(func() { ran = true }); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !ran {
		t.Error("queue stopped after a panicking task")
	}
}

func TestSerialCloseDrainsBacklog(t *testing.T) {
	t.Parallel()

	q := NewSerial("drain", nil)
	block := make(chan struct{})
	q.Go(func() { <-block })
	count := 0
	for i := 0; i < 10; i++ {
		q.Go(func() { count++ })
	}
	if q.Len() != 11 {
		t.Errorf("Len: got %d, want 11", q.Len())
	}
	close(block)
	q.Close()
	if count != 10 {
		t.Errorf("drained %d tasks, want 10", count)
	}
}

func TestDisciplineDeliveryAcceptsWorkHandoffDuringClose(t *testing.T) {
	t.Parallel()

	d := NewDiscipline("pair", nil)
	delivered := make(chan int, 5)
	for i := 0; i < 5; i++ {
		i := i
		d.Work.Go(func() {
			d.Delivery.Go(func() { delivered <- i })
		})
	}
	d.Close()
	close(delivered)

	want := 0
	for v := range delivered {
		if v != want {
			t.Fatalf("delivery order: got %d, want %d", v, want)
		}
		want++
	}
	if want != 5 {
		t.Errorf("delivered %d, want 5", want)
	}
}

func TestSerialCloseFromOwnTask(t *testing.T) {
	t.Parallel()

	q := NewSerial("self-close", nil)
	closed := make(chan struct{})
	ran := make(chan struct{})
	q.Go(func() {
		q.Close()
		close(closed)
	})
	q.Go(func() { close(ran) })

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a task did not return")
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("backlog not drained after Close from a task")
	}
	if err := q.Go(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Go after Close: got %v, want ErrClosed", err)
	}
	q.Close()
}

func TestSerialSyncFromOwnTaskRunsInline(t *testing.T) {
	t.Parallel()

	q := NewSerial("reentrant", nil)
	defer q.Close()

	var order []int
	err := q.Sync(func() {
		if !q.InTask() {
			t.Error("InTask false inside a task")
		}
		order = append(order, 1)
		if err := q.Sync(func() { order = append(order, 2) }); err != nil {
			t.Errorf("nested Sync: %v", err)
		}
		order = append(order, 3)
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order: got %v, want [1 2 3]", order)
	}
	if q.InTask() {
		t.Error("InTask true outside any task")
	}
}

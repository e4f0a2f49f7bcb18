package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// collectHandler records job ids in completion order.
type collectHandler struct {
	mu    sync.Mutex
	order []string
}

func (c *collectHandler) handle(ctx context.Context, job Job) {
	c.mu.Lock()
	c.order = append(c.order, job.ID)
	c.mu.Unlock()
}

func (c *collectHandler) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestFIFOPerChannel(t *testing.T) {
	c := &collectHandler{}
	d := New(c.handle, 0, 1)
	defer d.Stop()

	var want []string
	for i := 0; i < 10; i++ {
		id, err := d.Enqueue(Job{ID: fmt.Sprintf("j%02d", i), ChannelID: "ch1"})
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, id)
	}

	waitFor(t, func() bool { return len(c.snapshot()) == 10 })
	got := c.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order broken at %d: got %v", i, got)
		}
	}
}

func TestPerChannelSerialization(t *testing.T) {
	var active sync.Map // channel -> count
	var violations int64
	handler := func(ctx context.Context, job Job) {
		v, _ := active.LoadOrStore(job.ChannelID, new(int64))
		n := atomic.AddInt64(v.(*int64), 1)
		if n > 1 {
			atomic.AddInt64(&violations, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(v.(*int64), -1)
	}

	var done int64
	d := New(func(ctx context.Context, job Job) {
		handler(ctx, job)
		atomic.AddInt64(&done, 1)
	}, 0, 8)
	defer d.Stop()

	for i := 0; i < 30; i++ {
		ch := fmt.Sprintf("ch%d", i%3)
		if _, err := d.Enqueue(Job{ChannelID: ch}); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return atomic.LoadInt64(&done) == 30 })
	if v := atomic.LoadInt64(&violations); v > 0 {
		t.Errorf("%d overlapping executions on the same channel", v)
	}
}

func TestRoundRobinAcrossChannels(t *testing.T) {
	c := &collectHandler{}
	block := make(chan struct{})
	d := New(func(ctx context.Context, job Job) {
		<-block
		c.handle(ctx, job)
	}, 0, 1)
	defer d.Stop()

	// Backlog both channels before releasing the single worker.
	for i := 0; i < 3; i++ {
		d.Enqueue(Job{ID: fmt.Sprintf("a%d", i), ChannelID: "A"})
		d.Enqueue(Job{ID: fmt.Sprintf("b%d", i), ChannelID: "B"})
	}
	close(block)

	waitFor(t, func() bool { return len(c.snapshot()) == 6 })
	got := c.snapshot()
	want := []string{"a0", "b0", "a1", "b1", "a2", "b2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("not round-robin: got %v", got)
		}
	}
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	d := New(func(ctx context.Context, job Job) { <-block }, 3, 1)
	defer func() { close(block); d.Stop() }()

	// One job runs, three wait; the fifth is rejected.
	d.Enqueue(Job{ChannelID: "ch1"})
	waitFor(t, func() bool { return d.Depth("ch1") == 0 })
	for i := 0; i < 3; i++ {
		if _, err := d.Enqueue(Job{ChannelID: "ch1"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := d.Enqueue(Job{ChannelID: "ch1"}); err != ErrQueueFull {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	// Other channels are unaffected.
	if _, err := d.Enqueue(Job{ChannelID: "ch2"}); err != nil {
		t.Errorf("other channel rejected: %v", err)
	}
}

func TestCancelPending(t *testing.T) {
	block := make(chan struct{})
	c := &collectHandler{}
	d := New(func(ctx context.Context, job Job) {
		<-block
		c.handle(ctx, job)
	}, 0, 1)
	defer d.Stop()

	d.Enqueue(Job{ID: "running", ChannelID: "ch1"})
	waitFor(t, func() bool { return d.Depth("ch1") == 0 })
	d.Enqueue(Job{ID: "doomed", ChannelID: "ch1"})
	d.Enqueue(Job{ID: "keeper", ChannelID: "ch1"})

	if err := d.Cancel("doomed"); err != nil {
		t.Fatal(err)
	}
	if err := d.Cancel("missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	close(block)

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
	for _, id := range c.snapshot() {
		if id == "doomed" {
			t.Error("cancelled job still ran")
		}
	}
}

func TestCancelRunning(t *testing.T) {
	cancelled := make(chan struct{})
	d := New(func(ctx context.Context, job Job) {
		<-ctx.Done()
		close(cancelled)
	}, 0, 1)
	defer d.Stop()

	d.Enqueue(Job{ID: "longjob", ChannelID: "ch1"})
	waitFor(t, func() bool { return d.Depth("ch1") == 0 })
	time.Sleep(20 * time.Millisecond) // let the worker pick it up

	if err := d.Cancel("longjob"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("running job not cancelled")
	}
}

func TestStop(t *testing.T) {
	started := make(chan struct{})
	d := New(func(ctx context.Context, job Job) {
		close(started)
		<-ctx.Done()
	}, 0, 2)

	d.Enqueue(Job{ChannelID: "ch1"})
	<-started
	d.Stop()

	if _, err := d.Enqueue(Job{ChannelID: "ch1"}); err != ErrStopped {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

// Package queue serializes inbound work per channel. Each channel gets a
// bounded FIFO; at most one job per channel runs at a time, and channels
// with waiting work are served round-robin by a fixed worker pool.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxDepth bounds each channel's backlog.
const DefaultMaxDepth = 100

// DefaultWorkers is the size of the shared worker pool.
const DefaultWorkers = 8

var (
	// ErrQueueFull is returned when a channel's backlog is at capacity.
	ErrQueueFull = errors.New("channel queue is full")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrNotFound is returned when cancelling an unknown job.
	ErrNotFound = errors.New("job not found")
)

// Job is one unit of channel work.
type Job struct {
	ID         string
	ChannelID  string
	SessionID  string
	UserID     string
	Payload    interface{}
	EnqueuedAt time.Time
}

// Handler processes one job. The context is cancelled when the job is
// aborted or the dispatcher stops.
type Handler func(ctx context.Context, job Job)

type channelQueue struct {
	jobs   []Job
	active bool // a worker is running this channel's job
	queued bool // channel is on the ready list
}

// Dispatcher owns the per-channel queues and the worker pool.
type Dispatcher struct {
	mu       sync.Mutex
	channels map[string]*channelQueue
	ready    []string // round-robin order of channels with runnable work
	running  map[string]context.CancelFunc
	maxDepth int
	handler  Handler

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a dispatcher and starts its workers.
func New(handler Handler, maxDepth, workers int) *Dispatcher {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	d := &Dispatcher{
		channels: make(map[string]*channelQueue),
		running:  make(map[string]context.CancelFunc),
		maxDepth: maxDepth,
		handler:  handler,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue appends a job to its channel's FIFO. The returned id cancels or
// tracks the job. A full backlog rejects immediately rather than blocking
// the producer.
func (d *Dispatcher) Enqueue(job Job) (string, error) {
	select {
	case <-d.stop:
		return "", ErrStopped
	default:
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	d.mu.Lock()
	cq := d.channels[job.ChannelID]
	if cq == nil {
		cq = &channelQueue{}
		d.channels[job.ChannelID] = cq
	}
	if len(cq.jobs) >= d.maxDepth {
		d.mu.Unlock()
		slog.Warn("channel backlog full", "channel", job.ChannelID, "depth", d.maxDepth)
		return "", ErrQueueFull
	}
	cq.jobs = append(cq.jobs, job)
	if !cq.active && !cq.queued {
		cq.queued = true
		d.ready = append(d.ready, job.ChannelID)
	}
	d.mu.Unlock()

	d.signal()
	return job.ID, nil
}

// Cancel removes a pending job or cancels a running one.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	if cancel, ok := d.running[jobID]; ok {
		d.mu.Unlock()
		cancel()
		return nil
	}
	for _, cq := range d.channels {
		for i, j := range cq.jobs {
			if j.ID == jobID {
				cq.jobs = append(cq.jobs[:i], cq.jobs[i+1:]...)
				d.mu.Unlock()
				return nil
			}
		}
	}
	d.mu.Unlock()
	return ErrNotFound
}

// Depth reports the backlog of one channel, excluding the running job.
func (d *Dispatcher) Depth(channelID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cq := d.channels[channelID]; cq != nil {
		return len(cq.jobs)
	}
	return 0
}

// Stop rejects new work, cancels running jobs, and waits for the workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.mu.Lock()
		for _, cancel := range d.running {
			cancel()
		}
		d.mu.Unlock()
	})
	d.wg.Wait()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		job, ok := d.next()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-d.stop:
				return
			}
		}
		// Cascade the wakeup so idle workers pick up other runnable channels.
		d.signal()
		d.run(job)
	}
}

// next pops the head job of the first runnable channel in round-robin
// order. The channel is marked active so its remaining jobs wait until the
// popped one finishes.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.ready) > 0 {
		ch := d.ready[0]
		d.ready = d.ready[1:]
		cq := d.channels[ch]
		if cq == nil {
			continue
		}
		cq.queued = false
		if cq.active || len(cq.jobs) == 0 {
			continue
		}
		job := cq.jobs[0]
		cq.jobs = cq.jobs[1:]
		cq.active = true
		return job, true
	}
	return Job{}, false
}

func (d *Dispatcher) run(job Job) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.running[job.ID] = cancel
	d.mu.Unlock()

	d.handler(ctx, job)

	cancel()
	d.mu.Lock()
	delete(d.running, job.ID)
	if cq := d.channels[job.ChannelID]; cq != nil {
		cq.active = false
		// Re-queue at the back so other channels get a turn first.
		if len(cq.jobs) > 0 && !cq.queued {
			cq.queued = true
			d.ready = append(d.ready, job.ChannelID)
		}
	}
	d.mu.Unlock()
	d.signal()
}

package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	ocerr "oobchan/internal/errors"
	"oobchan/util"
)

// TaskState is the lifecycle position of a ReadTask.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskRunning
	TaskCancelling
	TaskTerminated
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskCancelling:
		return "cancelling"
	case TaskTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Chunk is the result of one read: exactly the bytes that read
// returned, tagged with the task and channel that produced them.
type Chunk struct {
	Task    string
	Channel string
	Data    []byte
}

// ReaderOptions tunes a ReadTask.
type ReaderOptions struct {
	// BufferSize is the maximum size of one read (DefaultReadSize if 0).
	BufferSize int
	Logger     *util.Logger

	// OnExit runs on the task's goroutine after it reaches
	// TaskTerminated.  err is nil for end-of-stream and cancellation.
	OnExit func(t *ReadTask, err error)
}

// ReadTask owns the background read loop of one duplex handle.  A task
// runs at most once; a new handle always gets a new task.
type ReadTask struct {
	id      string
	handle  *Duplex
	onChunk func(Chunk)
	opts    ReaderOptions
	logger  *util.Logger

	state      atomic.Int32
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	err        error // written before done is closed
}

// NewReadTask prepares a task in TaskIdle.  onChunk is called from the
// task goroutine, one chunk at a time, in read order.
func NewReadTask(d *Duplex, onChunk func(Chunk), opts ReaderOptions) *ReadTask {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultReadSize
	}
	id := uuid.NewString()
	return &ReadTask{
		id:      id,
		handle:  d,
		onChunk: onChunk,
		opts:    opts,
		logger:  util.OrDiscard(opts.Logger),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// StartReader creates a task for d and starts it.
func StartReader(d *Duplex, onChunk func(Chunk), opts ReaderOptions) *ReadTask {
	t := NewReadTask(d, onChunk, opts)
	t.Start()
	return t
}

// ID returns the unique tag carried by every chunk of this task.
func (t *ReadTask) ID() string { return t.id }

// Channel returns the channel the task reads from.
func (t *ReadTask) Channel() string { return t.handle.Channel() }

// State returns the current state.
func (t *ReadTask) State() TaskState { return TaskState(t.state.Load()) }

// Done is closed once the task has terminated.
func (t *ReadTask) Done() <-chan struct{} { return t.done }

// Err returns why the task stopped: nil for end-of-stream or
// cancellation, an error matching errors.ErrReadTerminated for a read
// failure.  Only meaningful after Done is closed.
func (t *ReadTask) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Start launches the read loop.  Only the first call on an idle task
// has an effect.
func (t *ReadTask) Start() {
	if t.state.CompareAndSwap(int32(TaskIdle), int32(TaskRunning)) {
		go t.run()
	}
}

// Terminate requests cooperative cancellation and returns immediately.
// It may be called any number of times, before or after the task
// stopped on its own.
func (t *ReadTask) Terminate() {
	t.cancelOnce.Do(func() { close(t.cancel) })

	for {
		switch TaskState(t.state.Load()) {
		case TaskIdle:
			if t.state.CompareAndSwap(int32(TaskIdle), int32(TaskTerminated)) {
				close(t.done)
				return
			}
		case TaskRunning:
			if t.state.CompareAndSwap(int32(TaskRunning), int32(TaskCancelling)) {
				t.handle.interruptRead()
				return
			}
		default:
			return
		}
	}
}

// Wait blocks until the task terminates or ctx is done.
func (t *ReadTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ReadTask) cancelled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

func (t *ReadTask) run() {
	buf := util.GetBufSize(t.opts.BufferSize)
	defer util.PutBuf(buf)

	t.logger.Debug("task %s: reading channel %q", t.id, t.Channel())
	err := t.loop(*buf)

	t.err = err
	t.state.Store(int32(TaskTerminated))
	close(t.done)

	if t.opts.OnExit != nil {
		t.opts.OnExit(t, err)
	}
}

func (t *ReadTask) loop(buf []byte) error {
	for {
		if t.cancelled() {
			t.logger.Debug("task %s: cancelled", t.id)
			return nil
		}

		n, err := t.handle.Read(buf)
		if n > 0 && !t.cancelled() {
			t.onChunk(Chunk{
				Task:    t.id,
				Channel: t.Channel(),
				Data:    bytes.Clone(buf[:n]),
			})
		}

		switch {
		case err == io.EOF, err == nil && n == 0:
			t.logger.Verbose("channel %q: end of stream", t.Channel())
			return nil
		case err != nil && t.cancelled():
			// Expected: Terminate interrupted the read.
			t.logger.Debug("task %s: read interrupted: %v", t.id, err)
			return nil
		case err != nil:
			t.logger.Warn("channel %q: read failed: %v", t.Channel(), err)
			return fmt.Errorf("%w: channel %q: %v", ocerr.ErrReadTerminated, t.Channel(), err)
		}
	}
}

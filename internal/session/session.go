// Package session owns the connection to at most one named data
// channel at a time and turns it into a connect / send / receive
// contract for the caller.
//
// Connect resolves the data-proxy service once and caches it, asks it
// for the named channel and starts a background reader on the returned
// handle.  Every chunk a reader produces is tagged with the reader's
// ID; a single dispatcher goroutine forwards a chunk to the OnData
// callback only while that reader is still the active one, so bytes
// from a channel that has been switched away from are never delivered.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"oobchan/internal/channel"
	ocerr "oobchan/internal/errors"
	"oobchan/internal/ipc"
	"oobchan/internal/metrics"
	"oobchan/internal/registry"
	"oobchan/internal/retry"
	"oobchan/util"
)

// State is the externally visible connection state.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// DefaultQueueSize is the capacity of the chunk queue between readers
// and the dispatcher.
const DefaultQueueSize = 64

// Options configures a Session.  The zero value is usable: it resolves
// channel.DefaultServiceName in registry.DefaultDir.
type Options struct {
	ServiceName string
	Locator     registry.Locator
	Connector   *channel.Connector
	Logger      *util.Logger
	Metrics     *metrics.Collector

	// Breaker, when set, guards service lookups.  While it is open,
	// Connect fails with an error matching errors.ErrCircuitOpen
	// without touching the registry.
	Breaker *retry.CircuitBreaker

	ReadBufferSize int
	QueueSize      int

	// OnReaderExit is called when the active channel's reader stops on
	// its own, at end of stream (err == nil) or on a read failure.  It
	// is not called for readers the session terminated itself.
	OnReaderExit func(channel string, err error)
}

type activeChannel struct {
	name   string
	handle *channel.Duplex
	task   *channel.ReadTask
}

// Session is safe for concurrent use.  Connects are serialized with
// each other; Send, State and Shutdown never wait for a connect
// transaction.
type Session struct {
	opts    Options
	logger  *util.Logger
	metrics *metrics.Collector

	connectMu sync.Mutex
	svc       ipc.Service // guarded by connectMu

	mu     sync.Mutex
	active *activeChannel
	closed bool

	activeID atomic.Value // string; "" when no reader is current
	onData   atomic.Pointer[func([]byte)]

	queue chan event
	quit  chan struct{}
	done  chan struct{}
}

// event is one queue entry: a chunk, or the exit notice of the reader
// that produced the preceding chunks.
type event struct {
	chunk channel.Chunk
	exit  bool
	err   error
}

// New creates a disconnected session and starts its dispatcher.  Call
// Shutdown to release it.
func New(opts Options) *Session {
	if opts.ServiceName == "" {
		opts.ServiceName = channel.DefaultServiceName
	}
	if opts.Locator == nil {
		opts.Locator = &registry.DirLocator{Dir: registry.DefaultDir}
	}
	if opts.Connector == nil {
		opts.Connector = &channel.Connector{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := util.OrDiscard(opts.Logger).Named("session")
	if opts.Connector.Logger == nil {
		c := *opts.Connector
		c.Logger = logger
		opts.Connector = &c
	}

	s := &Session{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		queue:   make(chan event, opts.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.activeID.Store("")
	go s.dispatch()
	return s
}

// OnData registers the callback that receives every chunk of the
// active channel, in read order, on the dispatcher goroutine.  Chunks
// that arrive while no callback is registered are dropped.  Passing
// nil unregisters.
func (s *Session) OnData(fn func([]byte)) {
	if fn == nil {
		s.onData.Store(nil)
		return
	}
	s.onData.Store(&fn)
}

// State returns the connection state and, when connected, the channel
// name.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Disconnected, ""
	}
	return Connected, s.active.name
}

// Connect makes name the active channel.
//
// Connecting to the channel that is already active is a no-op as long
// as its reader is alive.  Otherwise the connect transaction runs
// first; only when it succeeds is the previous channel's reader
// terminated and its handle closed, so a failed Connect leaves the
// session exactly as it was.  Errors are returned unchanged and never
// retried here.
//
// The lookup and the transaction run without the state lock: Send,
// State and Shutdown do not wait for them.  Shutdown aborts a
// transaction in flight.
func (s *Session) Connect(ctx context.Context, name string) error {
	if name == "" {
		return ocerr.ErrEmptyChannel
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if live, err := s.isActive(name); live || err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	svc, err := s.service(ctx)
	if err != nil {
		if s.isClosed() {
			return ocerr.ErrSessionClosed
		}
		s.metrics.LookupFailed()
		s.logger.Warn("lookup %s: %v", s.opts.ServiceName, err)
		return err
	}

	d, err := s.opts.Connector.Connect(ctx, svc, name)
	if err != nil {
		if s.isClosed() {
			return ocerr.ErrSessionClosed
		}
		s.metrics.ConnectFailed()
		s.logger.Warn("connect %q: %v", name, err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		d.Close() //nolint:errcheck
		return ocerr.ErrSessionClosed
	}
	if err := s.release(); err != nil {
		s.logger.Debug("close previous channel: %v", err)
	}

	task := channel.NewReadTask(d, s.enqueue, channel.ReaderOptions{
		BufferSize: s.opts.ReadBufferSize,
		Logger:     s.logger.Named("reader"),
		OnExit:     s.readerExited,
	})
	s.active = &activeChannel{name: name, handle: d, task: task}
	s.activeID.Store(task.ID())
	s.metrics.ChannelOpened()
	task.Start()

	s.logger.Verbose("connected to channel %q", name)
	return nil
}

// isActive reports whether name is the active channel with a live
// reader.  It fails once the session is closed.
func (s *Session) isActive(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ocerr.ErrSessionClosed
	}
	if a := s.active; a != nil && a.name == name && a.task.State() != channel.TaskTerminated {
		s.logger.Debug("already connected to %q", name)
		return true, nil
	}
	return false, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Send writes payload to the active channel.  It fails with
// errors.ErrNotConnected when no channel is active, even for an empty
// payload; otherwise an empty payload is a no-op.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	a := s.active
	s.mu.Unlock()

	if a == nil {
		return ocerr.ErrNotConnected
	}
	if len(payload) == 0 {
		return nil
	}

	if err := channel.Write(a.handle, payload); err != nil {
		s.metrics.RecordError(err.Error())
		return err
	}
	s.metrics.PayloadSent(len(payload))
	return nil
}

// Shutdown terminates the active reader, closes its handle and stops
// the dispatcher.  The session cannot be reused; later calls to
// Connect fail with errors.ErrSessionClosed.  Shutdown is idempotent
// and does not wait for a callback that is already running.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	err := s.release()
	close(s.quit)
	s.logger.Debug("shut down")
	return err
}

// Done is closed once the dispatcher has stopped after Shutdown.
func (s *Session) Done() <-chan struct{} { return s.done }

// ── internal ─────────────────────────────────────────────────────────

// service returns the cached service handle, looking it up on first
// use.  A failed lookup is not cached.  Caller holds s.connectMu.
func (s *Session) service(ctx context.Context) (ipc.Service, error) {
	if s.svc != nil {
		return s.svc, nil
	}

	var svc ipc.Service
	lookup := func() error {
		var err error
		svc, err = s.opts.Locator.Lookup(ctx, s.opts.ServiceName)
		return err
	}

	var err error
	if s.opts.Breaker != nil {
		err = s.opts.Breaker.Execute(lookup)
	} else {
		err = lookup()
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("resolved service %s", s.opts.ServiceName)
	s.svc = svc
	return svc, nil
}

// release terminates the active reader and closes its handle.
// Caller holds s.mu.
func (s *Session) release() error {
	a := s.active
	if a == nil {
		return nil
	}
	s.active = nil
	s.activeID.Store("")

	a.task.Terminate()
	err := a.handle.Close()
	s.metrics.ChannelClosed()
	s.logger.Verbose("released channel %q", a.name)
	return err
}

func (s *Session) enqueue(c channel.Chunk) { s.push(event{chunk: c}) }

// readerExited queues the exit notice behind the reader's last chunk,
// so OnReaderExit never overtakes data.
func (s *Session) readerExited(t *channel.ReadTask, err error) {
	s.push(event{chunk: channel.Chunk{Task: t.ID(), Channel: t.Channel()}, exit: true, err: err})
}

func (s *Session) push(ev event) {
	select {
	case s.queue <- ev:
	case <-s.quit:
	}
}

func (s *Session) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.queue:
			if ev.exit {
				s.exited(ev.chunk, ev.err)
			} else {
				s.deliver(ev.chunk)
			}
		}
	}
}

func (s *Session) deliver(c channel.Chunk) {
	if c.Task != s.activeID.Load().(string) {
		s.metrics.ChunkDropped()
		s.logger.Debug("dropped %d bytes from stale reader on %q", len(c.Data), c.Channel)
		return
	}
	fn := s.onData.Load()
	if fn == nil {
		s.metrics.ChunkDropped()
		return
	}
	s.metrics.ChunkReceived(len(c.Data))
	(*fn)(c.Data)
}

func (s *Session) exited(c channel.Chunk, err error) {
	if c.Task != s.activeID.Load().(string) {
		return
	}
	s.metrics.ReaderExited()
	if err != nil {
		s.metrics.RecordError(err.Error())
	}
	s.logger.Verbose("reader on %q stopped: %s", c.Channel, errString(err))
	if s.opts.OnReaderExit != nil {
		s.opts.OnReaderExit(c.Channel, err)
	}
}

func errString(err error) string {
	if err == nil {
		return "end of stream"
	}
	return err.Error()
}

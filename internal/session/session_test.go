package session

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"oobchan/internal/channel"
	ocerr "oobchan/internal/errors"
	"oobchan/internal/ipc"
	"oobchan/internal/metrics"
	"oobchan/internal/registry"
	"oobchan/internal/retry"
)

// fakeProxy answers connect transactions with one end of a fresh
// socketpair and keeps the other end per channel name.
type fakeProxy struct {
	mu    sync.Mutex
	peers map[string][]net.Conn
	calls int
	fail  error
}

func newFakeProxy(t *testing.T) *fakeProxy {
	p := &fakeProxy{peers: make(map[string][]net.Conn)}
	t.Cleanup(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, conns := range p.peers {
			for _, c := range conns {
				c.Close()
			}
		}
	})
	return p
}

func (p *fakeProxy) Transact(_ context.Context, code uint32, data *ipc.Parcel) (*ipc.Parcel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return nil, p.fail
	}
	if err := data.EnforceInterface(channel.InterfaceToken); err != nil {
		return nil, err
	}
	name, err := data.ReadString()
	if err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fds[0]), "peer:"+name)
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[1])
		return nil, err
	}
	p.peers[name] = append(p.peers[name], conn)

	reply := ipc.NewParcel()
	reply.WriteFileDescriptor(fds[1])
	return ipc.ParcelFrom(reply.Bytes(), reply.Fds()), nil
}

func (p *fakeProxy) peer(t *testing.T, name string) net.Conn {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.peers[name]
	if len(conns) == 0 {
		t.Fatalf("no peer for channel %q", name)
	}
	return conns[len(conns)-1]
}

func (p *fakeProxy) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *fakeProxy) transactions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// newTestSession wires a session to proxy through a StaticLocator and
// collects delivered chunks on the returned channel.
func newTestSession(t *testing.T, proxy *fakeProxy, opts Options) (*Session, *registry.StaticLocator, <-chan []byte) {
	t.Helper()
	loc := &registry.StaticLocator{}
	if proxy != nil {
		loc.Register(channel.DefaultServiceName, proxy)
	}
	opts.Locator = loc
	s := New(opts)
	t.Cleanup(func() { s.Shutdown() })

	got := make(chan []byte, 16)
	s.OnData(func(b []byte) { got <- b })
	return s, loc, got
}

func expectChunk(t *testing.T, got <-chan []byte, want string) {
	t.Helper()
	select {
	case b := <-got:
		if string(b) != want {
			t.Fatalf("chunk = %q, want %q", b, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func expectNoChunk(t *testing.T, got <-chan []byte) {
	t.Helper()
	select {
	case b := <-got:
		t.Fatalf("unexpected chunk %q", b)
	case <-time.After(100 * time.Millisecond):
	}
}

func readPeer(t *testing.T, c net.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	return string(buf[:n])
}

func TestSession_ChatScenario(t *testing.T) {
	proxy := newFakeProxy(t)
	m := metrics.New()
	s, _, got := newTestSession(t, proxy, Options{Metrics: m})
	ctx := context.Background()

	if err := s.Connect(ctx, "chat"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st, name := s.State(); st != Connected || name != "chat" {
		t.Fatalf("State = %s %q, want connected chat", st, name)
	}

	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	peer := proxy.peer(t, "chat")
	if got := readPeer(t, peer); got != "hello" {
		t.Errorf("peer received %q, want hello", got)
	}

	if _, err := peer.Write([]byte("hi back")); err != nil {
		t.Fatal(err)
	}
	expectChunk(t, got, "hi back")

	if m.ActiveChannels() != 1 || m.TotalBytesOut() != 5 || m.TotalBytesIn() != 7 {
		t.Errorf("metrics = %+v", m.Snapshot())
	}
}

func TestSession_ConnectSameNameIsNoop(t *testing.T) {
	proxy := newFakeProxy(t)
	s, _, got := newTestSession(t, proxy, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Connect(ctx, "chat"); err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
	}
	if n := proxy.transactions(); n != 1 {
		t.Errorf("transactions = %d, want 1", n)
	}

	// The original reader is still the one delivering.
	proxy.peer(t, "chat").Write([]byte("still here"))
	expectChunk(t, got, "still here")
}

func TestSession_SwitchChannels(t *testing.T) {
	proxy := newFakeProxy(t)
	s, _, got := newTestSession(t, proxy, Options{})
	ctx := context.Background()

	if err := s.Connect(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	peerA := proxy.peer(t, "a")

	if err := s.Connect(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, name := s.State(); name != "b" {
		t.Fatalf("active channel = %q, want b", name)
	}
	peerB := proxy.peer(t, "b")

	// The old handle has been closed: its peer sees end of stream.
	peerA.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := peerA.Read(make([]byte, 1)); err == nil {
		t.Errorf("peer a read %d bytes, want EOF after switch", n)
	}
	peerA.Write([]byte("from a")) //nolint:errcheck

	peerB.Write([]byte("from b"))
	expectChunk(t, got, "from b")
	expectNoChunk(t, got)

	if err := s.Send([]byte("to b")); err != nil {
		t.Fatal(err)
	}
	if got := readPeer(t, peerB); got != "to b" {
		t.Errorf("peer b received %q", got)
	}
}

func TestSession_DropsStaleChunks(t *testing.T) {
	proxy := newFakeProxy(t)
	m := metrics.New()
	s, _, got := newTestSession(t, proxy, Options{Metrics: m})

	if err := s.Connect(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	// A chunk still queued from a reader that is no longer current.
	s.enqueue(channel.Chunk{Task: "previous-reader", Channel: "old", Data: []byte("stale")})
	proxy.peer(t, "a").Write([]byte("fresh"))

	expectChunk(t, got, "fresh")
	if m.DroppedChunks() != 1 {
		t.Errorf("dropped = %d, want 1", m.DroppedChunks())
	}
}

func TestSession_SendNotConnected(t *testing.T) {
	s, _, _ := newTestSession(t, newFakeProxy(t), Options{})

	for _, payload := range [][]byte{[]byte("x"), nil} {
		if err := s.Send(payload); !errors.Is(err, ocerr.ErrNotConnected) {
			t.Errorf("Send(%q) = %v, want ErrNotConnected", payload, err)
		}
	}
}

func TestSession_SendEmptyPayload(t *testing.T) {
	proxy := newFakeProxy(t)
	s, _, _ := newTestSession(t, proxy, Options{})
	if err := s.Connect(context.Background(), "chat"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(nil); err != nil {
		t.Errorf("Send(nil) = %v, want nil", err)
	}
}

func TestSession_LookupFailsThenSucceeds(t *testing.T) {
	proxy := newFakeProxy(t)
	m := metrics.New()
	s, loc, _ := newTestSession(t, nil, Options{Metrics: m})
	ctx := context.Background()

	err := s.Connect(ctx, "chat")
	if !errors.Is(err, ocerr.ErrServiceUnavailable) {
		t.Fatalf("Connect = %v, want ErrServiceUnavailable", err)
	}
	if st, _ := s.State(); st != Disconnected {
		t.Errorf("State = %s, want disconnected", st)
	}
	if m.Snapshot().LookupsFailed != 1 {
		t.Errorf("lookups failed = %d, want 1", m.Snapshot().LookupsFailed)
	}

	loc.Register(channel.DefaultServiceName, proxy)
	if err := s.Connect(ctx, "chat"); err != nil {
		t.Fatalf("Connect after registration: %v", err)
	}

	// The service stays cached even if the registry entry goes away.
	loc.Unregister(channel.DefaultServiceName)
	if err := s.Connect(ctx, "other"); err != nil {
		t.Fatalf("Connect with cached service: %v", err)
	}
}

func TestSession_FailedSwitchKeepsChannel(t *testing.T) {
	proxy := newFakeProxy(t)
	s, _, got := newTestSession(t, proxy, Options{})
	ctx := context.Background()

	if err := s.Connect(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	proxy.setFail(errors.New("binder died"))
	err := s.Connect(ctx, "b")
	var ce *ocerr.ConnectError
	if !errors.As(err, &ce) || ce.Kind != ocerr.ConnectTransport {
		t.Fatalf("Connect(b) = %v, want transport ConnectError", err)
	}

	if st, name := s.State(); st != Connected || name != "a" {
		t.Fatalf("State = %s %q, want connected a", st, name)
	}
	peerA := proxy.peer(t, "a")
	peerA.Write([]byte("still a"))
	expectChunk(t, got, "still a")

	if err := s.Send([]byte("ok")); err != nil {
		t.Fatalf("Send after failed switch: %v", err)
	}
	if got := readPeer(t, peerA); got != "ok" {
		t.Errorf("peer a received %q", got)
	}
}

func TestSession_EmptyChannelName(t *testing.T) {
	proxy := newFakeProxy(t)
	s, _, _ := newTestSession(t, proxy, Options{})

	if err := s.Connect(context.Background(), ""); !errors.Is(err, ocerr.ErrEmptyChannel) {
		t.Errorf("Connect(\"\") = %v, want ErrEmptyChannel", err)
	}
	if proxy.transactions() != 0 {
		t.Error("empty name must not reach the service")
	}
}

func TestSession_ReaderExitAllowsReconnect(t *testing.T) {
	proxy := newFakeProxy(t)
	exits := make(chan error, 1)
	s, _, got := newTestSession(t, proxy, Options{
		OnReaderExit: func(name string, err error) {
			if name != "chat" {
				t.Errorf("exit for channel %q", name)
			}
			exits <- err
		},
	})
	ctx := context.Background()

	if err := s.Connect(ctx, "chat"); err != nil {
		t.Fatal(err)
	}
	peer := proxy.peer(t, "chat")
	peer.Write([]byte("bye"))
	peer.Close()

	// The last chunk is delivered before the exit notice.
	expectChunk(t, got, "bye")
	select {
	case err := <-exits:
		if err != nil {
			t.Errorf("exit err = %v, want nil at end of stream", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnReaderExit not called")
	}

	if err := s.Connect(ctx, "chat"); err != nil {
		t.Fatal(err)
	}
	if n := proxy.transactions(); n != 2 {
		t.Errorf("transactions = %d, want a fresh connect after the reader ended", n)
	}
	proxy.peer(t, "chat").Write([]byte("again"))
	expectChunk(t, got, "again")
}

func TestSession_Shutdown(t *testing.T) {
	proxy := newFakeProxy(t)
	m := metrics.New()
	s, _, _ := newTestSession(t, proxy, Options{Metrics: m})
	ctx := context.Background()

	if err := s.Connect(ctx, "chat"); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	if st, _ := s.State(); st != Disconnected {
		t.Errorf("State = %s, want disconnected", st)
	}
	if err := s.Connect(ctx, "chat"); !errors.Is(err, ocerr.ErrSessionClosed) {
		t.Errorf("Connect after Shutdown = %v, want ErrSessionClosed", err)
	}
	if err := s.Send([]byte("x")); !errors.Is(err, ocerr.ErrNotConnected) {
		t.Errorf("Send after Shutdown = %v, want ErrNotConnected", err)
	}
	if m.ActiveChannels() != 0 {
		t.Errorf("active channels = %d, want 0", m.ActiveChannels())
	}
}

func TestSession_BreakerGuardsLookup(t *testing.T) {
	cb := retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	s, _, _ := newTestSession(t, nil, Options{Breaker: cb})
	ctx := context.Background()

	if err := s.Connect(ctx, "chat"); !errors.Is(err, ocerr.ErrServiceUnavailable) {
		t.Fatalf("first Connect = %v, want ErrServiceUnavailable", err)
	}
	if err := s.Connect(ctx, "chat"); !errors.Is(err, ocerr.ErrCircuitOpen) {
		t.Fatalf("second Connect = %v, want ErrCircuitOpen", err)
	}
}

func TestSession_DirLocatorEndToEnd(t *testing.T) {
	dir := t.TempDir()
	proxy := newFakeProxy(t)

	ln, err := registry.Publish(dir, channel.DefaultServiceName)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := &ipc.Server{Handler: ipc.HandlerFunc(func(ctx context.Context, code uint32, data, reply *ipc.Parcel) error {
		r, err := proxy.Transact(ctx, code, data)
		if err != nil {
			return err
		}
		fd, _ := r.ReadFileDescriptor()
		reply.WriteFileDescriptor(fd)
		return nil
	})}
	go srv.Serve(ctx, ln)

	s := New(Options{Locator: &registry.DirLocator{Dir: dir}})
	defer s.Shutdown()
	got := make(chan []byte, 4)
	s.OnData(func(b []byte) { got <- b })

	if err := s.Connect(ctx, "chat"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	proxy.peer(t, "chat").Write([]byte("over the wire"))
	expectChunk(t, got, "over the wire")
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Disconnected, "disconnected"},
		{Connected, "connected"},
		{State(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

// gatedService holds connect transactions until the gate opens once
// gating is switched on.
type gatedService struct {
	*fakeProxy
	gating  atomic.Bool
	gate    chan struct{}
	blocked chan struct{}
}

func newGatedService(t *testing.T) *gatedService {
	return &gatedService{
		fakeProxy: newFakeProxy(t),
		gate:      make(chan struct{}),
		blocked:   make(chan struct{}, 1),
	}
}

func (g *gatedService) Transact(ctx context.Context, code uint32, data *ipc.Parcel) (*ipc.Parcel, error) {
	if g.gating.Load() {
		g.blocked <- struct{}{}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.fakeProxy.Transact(ctx, code, data)
}

// within fails the test when fn does not return in time.
func within(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s blocked behind a pending connect", what)
	}
}

// startGatedSwitch connects "a", then starts a connect to "b" that
// hangs in its transaction.  It returns the result of the second
// connect.
func startGatedSwitch(t *testing.T, s *Session, svc *gatedService) <-chan error {
	t.Helper()
	if err := s.Connect(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	svc.gating.Store(true)

	res := make(chan error, 1)
	go func() { res <- s.Connect(context.Background(), "b") }()
	select {
	case <-svc.blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("connect to b never reached the transaction")
	}
	return res
}

func TestSession_PendingConnectDoesNotBlockSend(t *testing.T) {
	svc := newGatedService(t)
	loc := &registry.StaticLocator{}
	loc.Register(channel.DefaultServiceName, svc)
	s := New(Options{Locator: loc})
	t.Cleanup(func() { s.Shutdown() })

	res := startGatedSwitch(t, s, svc)

	within(t, "Send", func() {
		if err := s.Send([]byte("hi")); err != nil {
			t.Errorf("Send: %v", err)
		}
	})
	if got := readPeer(t, svc.peer(t, "a")); got != "hi" {
		t.Errorf("peer a read %q, want %q", got, "hi")
	}
	within(t, "State", func() {
		if st, name := s.State(); st != Connected || name != "a" {
			t.Errorf("State = %s %q, want connected a", st, name)
		}
	})

	close(svc.gate)
	select {
	case err := <-res:
		if err != nil {
			t.Fatalf("Connect b: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect b did not finish after the gate opened")
	}
	if _, name := s.State(); name != "b" {
		t.Errorf("active channel = %q, want b", name)
	}
}

func TestSession_ShutdownAbortsPendingConnect(t *testing.T) {
	svc := newGatedService(t)
	loc := &registry.StaticLocator{}
	loc.Register(channel.DefaultServiceName, svc)
	m := metrics.New()
	s := New(Options{Locator: loc, Metrics: m})

	res := startGatedSwitch(t, s, svc)

	within(t, "Shutdown", func() {
		if err := s.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	select {
	case err := <-res:
		if !errors.Is(err, ocerr.ErrSessionClosed) {
			t.Errorf("pending Connect = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Connect did not return after Shutdown")
	}
	if st, _ := s.State(); st != Disconnected {
		t.Errorf("State = %s, want disconnected", st)
	}
	if n := m.ActiveChannels(); n != 0 {
		t.Errorf("active channels = %d, want 0", n)
	}
	if n := m.Snapshot().ConnectsFailed; n != 0 {
		t.Errorf("connects failed = %d, an aborted connect is not a failure", n)
	}
}

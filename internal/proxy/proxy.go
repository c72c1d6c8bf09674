// Package proxy is a reference data-proxy service.  It publishes the
// service in a registry directory and answers connect transactions
// with one end of a fresh socketpair, running a backend capability on
// the other end for as long as the channel stays open.
package proxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"oobchan/internal/capability"
	"oobchan/internal/channel"
	"oobchan/internal/ipc"
	"oobchan/internal/metrics"
	"oobchan/internal/registry"
	"oobchan/util"
)

// EventType says what happened to a channel.
type EventType int

const (
	EventOpened EventType = iota
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event reports a channel being opened or closed, together with the
// names of all channels open after the change.
type Event struct {
	Type     EventType
	Channel  string
	Channels []string
}

func (e Event) String() string {
	return fmt.Sprintf("channels: [%s] event type: %s", strings.Join(e.Channels, ","), e.Type)
}

// Server answers connect requests for named channels.
type Server struct {
	// Dir is the registry directory; Name the published service name
	// (channel.DefaultServiceName if empty).
	Dir  string
	Name string
	// Token is the expected interface token (channel.InterfaceToken
	// if empty).
	Token string

	// Backends maps channel names to the capability serving them.
	// Channels not listed get Default; with no Default the connect
	// succeeds with no descriptor.
	Backends map[string]capability.Capability
	Default  capability.Capability

	Logger  *util.Logger
	Metrics *metrics.Collector

	// OnEvent is called, serialized, for every opened and closed
	// channel.
	OnEvent func(Event)

	mu   sync.Mutex
	open map[string]int
	wg   sync.WaitGroup
}

func (s *Server) name() string {
	if s.Name == "" {
		return channel.DefaultServiceName
	}
	return s.Name
}

func (s *Server) token() string {
	if s.Token == "" {
		return channel.InterfaceToken
	}
	return s.Token
}

func (s *Server) logger() *util.Logger { return util.OrDiscard(s.Logger).Named("proxy") }

// ListenAndServe publishes the service in Dir and serves it until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := registry.Publish(s.Dir, s.name())
	if err != nil {
		return err
	}
	s.logger().Info("serving %s at %s", s.name(), ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve answers transactions on ln until ctx is cancelled, then waits
// for every running backend to return.
func (s *Server) Serve(ctx context.Context, ln *net.UnixListener) error {
	srv := &ipc.Server{Handler: s, Logger: s.logger()}
	err := srv.Serve(ctx, ln)
	s.wg.Wait()
	return err
}

// Channels returns the sorted names of the open channels.
func (s *Server) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelsLocked()
}

// OnTransact implements ipc.Handler.
func (s *Server) OnTransact(ctx context.Context, code uint32, data, reply *ipc.Parcel) error {
	if code != channel.TransactionConnect {
		return fmt.Errorf("unknown transaction code %d", code)
	}
	if err := data.EnforceInterface(s.token()); err != nil {
		return err
	}
	name, err := data.ReadString()
	if err != nil {
		return fmt.Errorf("read channel name: %w", err)
	}
	if name == "" {
		return fmt.Errorf("empty channel name")
	}

	logger := s.logger()
	backend := s.backendFor(name)
	if backend == nil {
		logger.Warn("no backend for channel %q", name)
		reply.WriteFileDescriptor(ipc.NoDescriptor)
		return nil
	}

	local, remote, err := socketpair(name)
	if err != nil {
		logger.Error("allocate channel %q: %v", name, err)
		s.Metrics.RecordError(err.Error())
		reply.WriteFileDescriptor(ipc.NoDescriptor)
		return nil
	}
	// The ipc server closes remote once the reply is sent.
	reply.WriteFileDescriptor(remote)

	s.opened(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.closed(name)
		defer local.Close() //nolint:errcheck

		ep := &capability.Endpoint{Channel: name, Conn: local, Logger: logger}
		if err := backend.Handle(ctx, ep); err != nil {
			logger.Warn("channel %q: %v", name, err)
			s.Metrics.RecordError(err.Error())
		}
	}()
	return nil
}

func (s *Server) backendFor(name string) capability.Capability {
	if b, ok := s.Backends[name]; ok {
		return b
	}
	return s.Default
}

// socketpair returns the proxy's end as a net.Conn and the client's
// end as a raw descriptor.
func socketpair(name string) (net.Conn, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("socketpair: %w", err)
	}
	f := os.NewFile(uintptr(fds[0]), "channel:"+name)
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[1]) //nolint:errcheck
		return nil, -1, fmt.Errorf("wrap channel socket: %w", err)
	}
	return conn, fds[1], nil
}

func (s *Server) opened(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		s.open = make(map[string]int)
	}
	s.open[name]++
	s.Metrics.ChannelOpened()
	s.emit(Event{Type: EventOpened, Channel: name, Channels: s.channelsLocked()})
}

func (s *Server) closed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[name]--; s.open[name] <= 0 {
		delete(s.open, name)
	}
	s.Metrics.ChannelClosed()
	s.emit(Event{Type: EventClosed, Channel: name, Channels: s.channelsLocked()})
}

func (s *Server) channelsLocked() []string {
	names := make([]string, 0, len(s.open))
	for n := range s.open {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// emit runs with s.mu held so events arrive in order.
func (s *Server) emit(ev Event) {
	s.logger().Verbose("%s", ev)
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

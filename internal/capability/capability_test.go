package capability

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"oobchan/util"
)

// pipeEndpoint returns an endpoint over net.Pipe and the client side.
func pipeEndpoint(name string) (*Endpoint, net.Conn) {
	server, client := net.Pipe()
	return &Endpoint{Channel: name, Conn: server, Logger: util.NewLogger(0)}, client
}

// socketEndpoint returns an endpoint over a connected unix stream pair,
// the shape the proxy hands to backends.
func socketEndpoint(t *testing.T, name string) (*Endpoint, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	conns := make([]net.Conn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), name)
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		conns[i] = c
	}
	t.Cleanup(func() { conns[1].Close() })
	return &Endpoint{Channel: name, Conn: conns[0]}, conns[1]
}

func runHandle(ctx context.Context, c Capability, ep *Endpoint) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Handle(ctx, ep) }()
	return done
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("got %q, want %q", buf, msg)
	}
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Handle did not return")
		return nil
	}
}

func TestEcho(t *testing.T) {
	ep, client := pipeEndpoint("echo")
	done := runHandle(context.Background(), Echo{}, ep)

	roundTrip(t, client, "ping")
	roundTrip(t, client, "second message")
	client.Close()

	if err := wait(t, done); err != nil {
		t.Errorf("Handle: %v", err)
	}
}

func TestEcho_ContextCancel(t *testing.T) {
	ep, client := pipeEndpoint("echo")
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := runHandle(ctx, Echo{}, ep)

	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("Handle after cancel: %v", err)
	}
}

func TestRelay_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn) //nolint:errcheck
	}()

	ep, client := socketEndpoint(t, "relay")
	done := runHandle(context.Background(), &Relay{Address: ln.Addr().String()}, ep)

	roundTrip(t, client, "hello relay\n")
	client.(*net.UnixConn).CloseWrite()

	if err := wait(t, done); err != nil {
		t.Errorf("Handle: %v", err)
	}
}

func TestRelay_DialFailure(t *testing.T) {
	ep, client := pipeEndpoint("relay")
	defer client.Close()

	err := wait(t, runHandle(context.Background(), &Relay{Network: "unix", Address: "/nonexistent/backend.sock"}, ep))
	if err == nil {
		t.Fatal("expected dial error")
	}

	// The channel is closed so the client sees end of stream.
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("client read = %v, want closed channel", err)
	}
}

func TestExec_InheritsSocket(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	ep, client := socketEndpoint(t, "shell")
	done := runHandle(context.Background(), &Exec{Program: "cat"}, ep)

	roundTrip(t, client, "through cat\n")
	client.(*net.UnixConn).CloseWrite()

	if err := wait(t, done); err != nil {
		t.Errorf("Handle: %v", err)
	}
}

func TestExec_Pipes(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ep, client := pipeEndpoint("shell")
	done := runHandle(context.Background(), &Exec{Command: "read line; echo \"got $line\""}, ep)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte("hi\n"))
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil || line != "got hi\n" {
		t.Fatalf("line = %q, %v", line, err)
	}
	client.Close()

	if err := wait(t, done); err != nil {
		t.Errorf("Handle: %v", err)
	}
}

func TestExec_NothingConfigured(t *testing.T) {
	ep, client := pipeEndpoint("shell")
	defer client.Close()
	if err := (&Exec{}).Handle(context.Background(), ep); err == nil {
		t.Fatal("expected error")
	}
}

func TestFunc(t *testing.T) {
	called := ""
	f := Func(func(_ context.Context, ep *Endpoint) error {
		called = ep.Channel
		return ep.Conn.Close()
	})
	ep, client := pipeEndpoint("custom")
	defer client.Close()
	if err := f.Handle(context.Background(), ep); err != nil || called != "custom" {
		t.Errorf("Func.Handle = %v, channel %q", err, called)
	}
}

// Package registry resolves data-proxy services by well-known name.
//
// A lookup is a single call with no retry, caching or polling; callers
// that want any of those (the channel session caches, the CLI retries)
// layer them on top.
package registry

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ocerr "oobchan/internal/errors"
	"oobchan/internal/ipc"
)

// DefaultDir is the registry directory used when none is configured.
const DefaultDir = "/tmp/oobchan"

// Locator resolves a service name to a handle.  A missing service is
// reported with an error matching errors.ErrServiceUnavailable.
type Locator interface {
	Lookup(ctx context.Context, name string) (ipc.Service, error)
}

// ── Directory registry ───────────────────────────────────────────────

// DirLocator treats a directory as the registry: the service "name" is
// the SEQPACKET socket Dir/name.
type DirLocator struct {
	Dir string
}

// Lookup returns a handle for the socket if it exists.  It does not
// dial; a dead socket surfaces as a transport error on first use.
func (l *DirLocator) Lookup(ctx context.Context, name string) (ipc.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := SocketPath(l.Dir, name)
	if err != nil {
		return nil, &ocerr.ServiceError{Service: name, Err: err}
	}

	fi, err := os.Stat(path)
	switch {
	case ocerr.Is(err, fs.ErrNotExist):
		return nil, ocerr.Unavailable(name)
	case err != nil:
		return nil, &ocerr.ServiceError{Service: name, Err: fmt.Errorf("%w: %v", ocerr.ErrServiceUnavailable, err)}
	case fi.Mode()&fs.ModeSocket == 0:
		return nil, &ocerr.ServiceError{Service: name, Err: fmt.Errorf("%w: %s is not a socket", ocerr.ErrServiceUnavailable, path)}
	}
	return ipc.NewUnixService(path), nil
}

// SocketPath returns where service name lives under dir.  Names that
// would escape dir are rejected.
func SocketPath(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid service name %q", name)
	}
	return filepath.Join(dir, name), nil
}

// Publish creates the listening socket for service name under dir,
// removing a stale socket left by a previous run.  The socket file is
// removed again when the listener is closed.
func Publish(dir, name string) (*net.UnixListener, error) {
	path, err := SocketPath(dir, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry dir: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, ocerr.Wrap("listen", path, err)
	}
	ln.SetUnlinkOnClose(true)
	return ln, nil
}

// ── In-memory registry ───────────────────────────────────────────────

// StaticLocator is an in-process registry.  The zero value is empty
// and ready to use.
type StaticLocator struct {
	mu       sync.RWMutex
	services map[string]ipc.Service
}

// Register adds or replaces a service.
func (l *StaticLocator) Register(name string, svc ipc.Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.services == nil {
		l.services = make(map[string]ipc.Service)
	}
	l.services[name] = svc
}

// Unregister removes a service.
func (l *StaticLocator) Unregister(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.services, name)
}

// Lookup returns the registered service or an unavailable error.
func (l *StaticLocator) Lookup(ctx context.Context, name string) (ipc.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	svc, ok := l.services[name]
	if !ok {
		return nil, ocerr.Unavailable(name)
	}
	return svc, nil
}

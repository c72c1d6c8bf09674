package capability

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// Exec connects the channel to a child process's stdio.  Either
// Program or Command must be set.
type Exec struct {
	Program string   // executable run directly
	Args    []string // arguments for Program
	Command string   // shell command line
}

// waitDelay bounds how long Exec waits for stdio copying once the
// child has exited.
const waitDelay = time.Second

func (e *Exec) command(ctx context.Context) (*exec.Cmd, error) {
	switch {
	case e.Command != "":
		if runtime.GOOS == "windows" {
			return exec.CommandContext(ctx, "cmd.exe", "/C", e.Command), nil
		}
		return exec.CommandContext(ctx, "/bin/sh", "-c", e.Command), nil
	case e.Program != "":
		return exec.CommandContext(ctx, e.Program, e.Args...), nil
	default:
		return nil, fmt.Errorf("exec: no program or command configured")
	}
}

// Handle runs the child until it exits.  When the channel is a socket
// the child inherits it as stdin and stdout; otherwise bytes are
// pumped through pipes.
func (e *Exec) Handle(ctx context.Context, ep *Endpoint) error {
	defer ep.Conn.Close()

	cmd, err := e.command(ctx)
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = waitDelay

	inherited := false
	if fc, ok := ep.Conn.(interface{ File() (*os.File, error) }); ok {
		f, err := fc.File()
		if err != nil {
			return fmt.Errorf("exec %q: %w", ep.Channel, err)
		}
		defer f.Close()
		cmd.Stdin, cmd.Stdout = f, f
		inherited = true
	} else {
		cmd.Stdin, cmd.Stdout = ep.Conn, ep.Conn
	}

	ep.logger().Debug("exec %q: %s", ep.Channel, cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %q: %w", ep.Channel, err)
	}
	if inherited {
		// The child holds its own copy of the socket.
		ep.Conn.Close()
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("exec %q: %w", ep.Channel, err)
	}
	return nil
}

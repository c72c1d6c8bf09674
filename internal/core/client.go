package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	ocerr "oobchan/internal/errors"
	"oobchan/internal/metrics"
	"oobchan/internal/retry"
	"oobchan/internal/session"
	"oobchan/util"
)

// Stdin commands understood by ClientMode.  Every other line is sent
// to the active channel as is, newline included.
const (
	cmdConnect = "/connect"
	cmdQuit    = "/quit"
)

// ClientMode connects to a named channel, prints everything it
// receives and sends what is typed on stdin.
type ClientMode struct {
	Session session.Options

	Channel  string // connected at start when set
	Data     string // sent once after the first connect
	KeepOpen bool   // keep running when the channel ends
	Timeout  time.Duration

	// Backoff retries connects; nil makes a single attempt.
	Backoff *retry.Backoff

	Stats   bool
	Metrics *metrics.Collector
	Logger  *util.Logger

	// Stdin/Stdout/Stderr default to the process streams when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (m *ClientMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ClientMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

func (m *ClientMode) stderr() io.Writer {
	if m.Stderr != nil {
		return m.Stderr
	}
	return os.Stderr
}

// Run drives one session until /quit, ctx cancellation, or the end of
// both the channel (unless KeepOpen) and stdin.
func (m *ClientMode) Run(ctx context.Context) error {
	logger := util.OrDiscard(m.Logger)

	exits := make(chan error, 1)
	opts := m.Session
	opts.Logger = logger
	opts.Metrics = m.Metrics
	opts.OnReaderExit = func(_ string, err error) {
		select {
		case exits <- err:
		default:
		}
	}
	sess := session.New(opts)
	defer sess.Shutdown() //nolint:errcheck

	if m.Stats {
		defer func() { fmt.Fprintln(m.stderr(), m.Metrics.JSON()) }()
	}

	out := m.stdout()
	sess.OnData(func(b []byte) {
		if _, err := util.WriteFull(out, b); err != nil {
			logger.Warn("stdout: %v", err)
		}
	})

	if m.Channel != "" {
		if err := m.connect(ctx, sess, m.Channel); err != nil {
			return err
		}
		if err := m.sendData(sess); err != nil {
			return err
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(m.stdin(), stop, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Verbose("interrupted")
			return nil

		case err := <-exits:
			if err != nil {
				logger.Warn("channel closed: %v", err)
			} else {
				logger.Verbose("channel closed by peer")
			}
			if !m.KeepOpen {
				return nil
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				if st, _ := sess.State(); st == session.Disconnected {
					return nil
				}
				logger.Debug("stdin closed, waiting for the channel to end")
				continue
			}
			if quit := m.handleLine(ctx, sess, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs a stdin command or sends the line.  It reports
// whether the client should stop.
func (m *ClientMode) handleLine(ctx context.Context, sess *session.Session, line string) bool {
	logger := util.OrDiscard(m.Logger)
	cmd := strings.TrimRight(line, "\r\n")

	switch {
	case cmd == cmdQuit:
		return true
	case cmd == cmdConnect || strings.HasPrefix(cmd, cmdConnect+" "):
		name := strings.TrimSpace(strings.TrimPrefix(cmd, cmdConnect))
		if err := m.connect(ctx, sess, name); err != nil {
			logger.Error("connect %q: %v", name, err)
		}
		return false
	}

	if err := sess.Send([]byte(line)); err != nil {
		if errors.Is(err, ocerr.ErrNotConnected) {
			logger.Warn("not connected: use %s <channel>", cmdConnect)
		} else {
			logger.Error("send: %v", err)
		}
	}
	return false
}

// connect makes name the active channel, retrying per m.Backoff.
func (m *ClientMode) connect(ctx context.Context, sess *session.Session, name string) error {
	logger := util.OrDiscard(m.Logger)

	attempt := func(n int) error {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if m.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, m.Timeout)
		}
		defer cancel()

		err := sess.Connect(actx, name)
		if err != nil && !ocerr.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	}

	var err error
	if m.Backoff == nil {
		err = attempt(1)
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			err = pe.Err
		}
	} else {
		b := *m.Backoff
		b.OnRetry = func(n int, err error, wait time.Duration) {
			logger.Warn("connect %q (attempt %d): %v; retrying in %v", name, n, err, wait.Round(time.Millisecond))
		}
		err = b.Do(ctx, attempt)
	}
	if err != nil {
		return fmt.Errorf("connect %q: %w", name, err)
	}
	logger.Info("connected to channel %q", name)
	return nil
}

func (m *ClientMode) sendData(sess *session.Session) error {
	if m.Data == "" {
		util.OrDiscard(m.Logger).Debug("no data to send on %q", m.Channel)
		return nil
	}
	if err := sess.Send([]byte(m.Data)); err != nil {
		return fmt.Errorf("send data: %w", err)
	}
	return nil
}

// readLines delivers stdin line by line, newline included, and closes
// the channel at EOF.  It stops early once stop is closed.
func readLines(r io.Reader, stop <-chan struct{}, logger *util.Logger) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-stop:
					return
				}
			}
			if err != nil {
				if !util.IsHarmless(err) {
					logger.Warn("stdin: %v", err)
				}
				return
			}
		}
	}()
	return lines
}

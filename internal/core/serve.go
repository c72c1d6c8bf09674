package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"oobchan/internal/metrics"
	"oobchan/internal/proxy"
	"oobchan/internal/transport"
	"oobchan/util"
)

// ServeMode runs the data-proxy service until ctx is cancelled.
type ServeMode struct {
	Server *proxy.Server
	// Dialer is the relay backends' dialer; closed when Run returns.
	Dialer transport.Dialer

	Stats   bool
	Metrics *metrics.Collector
	Logger  *util.Logger
	Stderr  io.Writer
}

// Run publishes the service and serves connect requests.
func (m *ServeMode) Run(ctx context.Context) error {
	logger := util.OrDiscard(m.Logger)
	if m.Dialer != nil {
		defer m.Dialer.Close()
	}
	if m.Stats {
		defer func() {
			w := m.Stderr
			if w == nil {
				w = os.Stderr
			}
			fmt.Fprintln(w, m.Metrics.JSON())
		}()
	}

	if m.Server.OnEvent == nil {
		m.Server.OnEvent = func(ev proxy.Event) { logger.Info("%s", ev) }
	}
	if err := m.Server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Verbose("proxy stopped")
	return nil
}

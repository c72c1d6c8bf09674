// Package core is the orchestration layer.  It composes the channel
// session, the data proxy and its backends into complete operational
// modes, and provides a builder that selects the right mode from a
// Config.
//
// Architecture layers (bottom to top):
//
//	ipc, registry  ->  channel  ->  session / proxy  ->  core  ->  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode of oobchan: the interactive
// channel client or the data-proxy service.  Each mode owns its full
// lifecycle from setup to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

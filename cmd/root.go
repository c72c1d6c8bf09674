// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	flag "github.com/spf13/pflag"

	"oobchan/config"
	"oobchan/internal/core"
	"oobchan/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X oobchan/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the client or the proxy.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg := config.Defaults()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("oobchan", flag.ContinueOnError)

	// ── service ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.ServiceName, "service", "s", cfg.ServiceName, "Data-proxy service name")
	fs.StringVarP(&cfg.RegistryDir, "registry", "r", cfg.RegistryDir, "Registry directory holding service sockets")

	// ── client ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.Data, "data", "d", "", "Send this payload once after connecting")
	fs.BoolVarP(&cfg.KeepOpen, "keep-open", "k", cfg.KeepOpen, "Keep running after the channel ends")

	var timeoutSec int
	fs.IntVarP(&timeoutSec, "timeout", "w", 0, "Connect timeout in seconds")
	fs.IntVar(&cfg.Retries, "retry", cfg.Retries, "Retry a failed connect N times")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Initial delay between retries")
	fs.IntVar(&cfg.BufferSize, "buffer", cfg.BufferSize, "Read buffer size in bytes")
	fs.BoolVar(&cfg.Stats, "stats", cfg.Stats, "Print channel statistics on exit")

	// ── proxy ────────────────────────────────────────────────────
	fs.BoolVarP(&cfg.Serve, "serve", "l", false, "Run the data-proxy service")
	fs.StringVarP(&cfg.ConfigFile, "config", "f", cfg.ConfigFile, "Proxy channel table (YAML)")
	fs.StringVarP(&cfg.Execute, "exec", "e", "", "Default backend: run a program per channel")
	fs.StringVarP(&cfg.Command, "command", "c", "", "Default backend: run a shell command per channel")
	fs.StringVar(&cfg.Relay, "relay", "", "Default backend: relay to tcp://host:port or unix:///path")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Relay through SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Print the resolved configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "oobchan %s\n", version)
		return nil
	}

	if timeoutSec > 0 {
		cfg.Timeout = time.Duration(timeoutSec) * time.Second
	}

	// ── positional arguments ─────────────────────────────────────
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.Channel = rest[0]
	default:
		return fmt.Errorf("too many arguments: expected at most one channel, got %d", len(rest))
	}

	// ── config file ──────────────────────────────────────────────
	if cfg.ConfigFile != "" && cfg.Serve {
		f, err := config.LoadFile(cfg.ConfigFile)
		if err != nil {
			return err
		}
		f.ApplyTo(cfg, func(name string) bool {
			return fs.Changed(name) || config.FromEnv(name)
		})
	}

	// ── tunnel spec ──────────────────────────────────────────────
	if cfg.TunnelSpec != "" {
		user, host, port, err := config.ParseTunnelSpec(cfg.TunnelSpec)
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		cfg.TunnelEnabled = true
		cfg.TunnelUser = user
		cfg.TunnelHost = host
		cfg.TunnelPort = port
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build and run ────────────────────────────────────────────
	// Warnings show by default; each -v adds a level.
	logger := util.NewLogger(cfg.Verbose + int(util.LogNormal))

	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.DryRun {
		printConfig(stdout, cfg)
		return nil
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

func printConfig(w io.Writer, cfg *config.Config) {
	mode := "client"
	if cfg.Serve {
		mode = "serve"
	}
	fmt.Fprintf(w, "mode:     %s\n", mode)
	fmt.Fprintf(w, "service:  %s\n", cfg.ServiceName)
	fmt.Fprintf(w, "registry: %s\n", cfg.RegistryDir)

	if !cfg.Serve {
		fmt.Fprintf(w, "channel:  %s\n", cfg.Channel)
		fmt.Fprintf(w, "timeout:  %v\n", cfg.Timeout)
		fmt.Fprintf(w, "retries:  %d (delay %v)\n", cfg.Retries, cfg.RetryDelay)
		return
	}

	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "channel:  %s -> %s\n", name, cfg.Channels[name].Kind())
	}
	switch {
	case cfg.Execute != "":
		fmt.Fprintf(w, "default:  program %s\n", cfg.Execute)
	case cfg.Command != "":
		fmt.Fprintf(w, "default:  exec %s\n", cfg.Command)
	case cfg.Relay != "":
		fmt.Fprintf(w, "default:  relay %s\n", cfg.Relay)
	case cfg.Default != nil:
		fmt.Fprintf(w, "default:  %s\n", cfg.Default.Kind())
	case len(cfg.Channels) == 0:
		fmt.Fprintf(w, "default:  echo\n")
	default:
		fmt.Fprintf(w, "default:  none\n")
	}
	if cfg.TunnelEnabled {
		fmt.Fprintf(w, "tunnel:   %s@%s:%d\n", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `oobchan – out-of-band data channel client v%s

Connects to named data channels on a data-proxy service and moves
bytes between the channel and stdin/stdout.

Usage:
  oobchan [options] <channel>                 Connect to a channel
  oobchan -d <payload> [options] <channel>    Send a payload, print replies
  oobchan -l [options]                        Run the data-proxy service

Stdin commands:
  /connect <channel>                          Switch to another channel
  /quit                                       Exit

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  oobchan chat                                Interactive chat channel
  oobchan -d 'status' control                 One-shot request
  oobchan -l                                  Echo proxy for every channel
  oobchan -l -f channels.yaml                 Proxy with a channel table
  oobchan -l --relay tcp://127.0.0.1:8080     Relay every channel to a port
  oobchan -l -T ops@bastion --relay db:5432   Relay through an SSH gateway
`)
}

// Command agentmuxd is the request-routing engine's own process: it owns
// the front pipe, loads the persisted configuration, and serves merged
// identity listing and signing requests by delegating to whichever backend
// currently owns the shared pipe (spec.md §4.7).
//
// Usage:
//
//	agentmuxd [-config path] [-loglevel level]
//	agentmuxd -uninstall
//	agentmuxd -reset
//
// The out-of-scope install/uninstall UI shell is not this binary's concern
// (spec.md §1); -uninstall and -reset are the routing engine's own stand-in,
// limited to its persisted configuration: -uninstall deletes the
// configuration file, and -reset clears its key mappings and host hints while
// keeping every other setting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/smnsjas/agentmux/backendclient"
	"github.com/smnsjas/agentmux/config"
	"github.com/smnsjas/agentmux/failcache"
	internallog "github.com/smnsjas/agentmux/internal/log"
	"github.com/smnsjas/agentmux/mapping"
	"github.com/smnsjas/agentmux/pipeconn"
	"github.com/smnsjas/agentmux/pipeserver"
	"github.com/smnsjas/agentmux/procctl"
	"github.com/smnsjas/agentmux/router"
)

const backendDialTimeout = 5 * time.Second

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "agentmux", "config.json")
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the persisted configuration file")
	logPath := flag.String("logfile", "", "path to a rotating log file (empty = stderr only)")
	logLevel := flag.String("loglevel", "info", "log level: debug, info, warn, error")
	uninstall := flag.Bool("uninstall", false, "remove the persisted configuration file and exit")
	reset := flag.Bool("reset", false, "clear persisted key mappings and host hints, then exit")
	flag.Parse()

	if *uninstall {
		if err := os.Remove(*configPath); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "agentmuxd: uninstall: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("agentmuxd: removed persisted configuration")
		return
	}

	if *reset {
		doc, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agentmuxd: reset: %v\n", err)
			os.Exit(1)
		}
		doc.SetKeyMappingValues(nil)
		doc.HostKeyMappings = nil
		if err := doc.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "agentmuxd: reset: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("agentmuxd: cleared key mappings and host hints")
		return
	}

	logger, closeLog, err := newLogger(*logPath, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentmuxd: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(*configPath, logger); err != nil {
		logger.Error("agentmuxd exiting", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the slog.Logger described in SPEC_FULL.md's ambient
// stack: a RedactingHandler wrapping either stderr or a RotatingFile sink.
func newLogger(logPath, level string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	noop := func() {}

	if logPath == "" {
		handler := internallog.NewRedactingHandler(slog.NewTextHandler(os.Stderr, opts))
		return slog.New(handler), noop, nil
	}

	rf, err := internallog.NewRotatingFile(logPath, 10*1024*1024, 5)
	if err != nil {
		return nil, noop, fmt.Errorf("agentmuxd: open log file: %w", err)
	}
	handler := internallog.NewRedactingHandler(slog.NewTextHandler(rf, opts))
	return slog.New(handler), func() { rf.Close() }, nil
}

// run wires every package built for this engine and serves until ctx is
// cancelled by an interrupt (spec.md §5: the global cancellation signal
// propagates into every I/O wait, including the accept loop).
func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	persister := config.NewPersister(doc, configPath)

	store := mapping.New(doc.KeyMappingValues(), persister, logger)
	failures := failcache.New(time.Duration(doc.FailureCacheTTLSeconds) * time.Second)
	proc := procctl.New(logger)
	backend := backendclient.New(doc.BackendPipeName, backendDialTimeout)

	cfg := router.Config{
		Backends:            doc.Backends(),
		DefaultBackend:      doc.DefaultAgent,
		HostHints:           doc.HostHintValues(),
		KeySelectionTimeout: time.Duration(doc.KeySelectionTimeoutSeconds) * time.Second,
	}
	rtr := router.New(cfg, store, failures, proc, backend, logger)

	if err := rtr.Start(ctx); err != nil {
		return fmt.Errorf("router start: %w", err)
	}

	listener, err := pipeconn.Listen(doc.ProxyPipeName)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", doc.ProxyPipeName, err)
	}

	srv := pipeserver.New(listener, rtr, logger)
	logger.Info("agentmuxd serving", "pipe", doc.ProxyPipeName, "backends", len(cfg.Backends))

	err = srv.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

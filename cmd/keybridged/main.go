// keybridged - keyboard state daemon
//
// keybridged receives raw key event packets from a host over a Unix
// socket or D-Bus, keeps the pressed-key state and dispatches each event
// to the registered listeners.
//
//	keybridged run              Run the daemon
//	keybridged replay <journal> Replay a packet journal into a fresh tracker
//	keybridged verify <journal> Check a packet journal's hash chain
//	keybridged version          Print the version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keybridge/internal/config"
	"keybridge/internal/journal"
	"keybridge/internal/keyboard"
	"keybridge/internal/keys"
	"keybridge/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		cmdRun(args)
	case "replay":
		cmdReplay(args)
	case "verify":
		cmdVerify(args)
	case "version":
		fmt.Printf("keybridged %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`keybridged - Keyboard state daemon

USAGE:
    keybridged <command> [options]

COMMANDS:
    run                 Run the daemon in the foreground
    replay <journal>    Replay a packet journal and print the final state
    verify <journal>    Verify a packet journal's hash chain
    version             Print the version
    help                Show this help message

RUN OPTIONS:
    -config <path>      Configuration file (default: platform config dir)

ENVIRONMENT:
    KEYBRIDGE_* variables (KEYBRIDGE_DATA_DIR, KEYBRIDGE_SOCKET_PATH,
    KEYBRIDGE_LOG_LEVEL, ...) override the configuration file.`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(args)

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		fatalf("%v", err)
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		fatalf("setup logging: %v", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	crashes := logging.NewCrashHandler("", Version, "keybridged", logger.Slog())
	defer crashes.RecoverAndExit(2)

	daemon, err := NewDaemon(cfg, logger, Version)
	if err != nil {
		logger.Error("daemon setup failed", "error", err)
		os.Exit(1)
	}
	if err := daemon.Start(); err != nil {
		logger.Error("daemon start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("keybridged started", "version", Version, "wire_revision", cfg.Wire.Revision, "config", loader.Path())

	loader.OnChange(daemon.ApplyConfig)
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := daemon.Stop(ctx)
			cancel()
			if err != nil {
				logger.Error("shutdown incomplete", "error", err)
				os.Exit(1)
			}
			logger.Info("keybridged stopped")
			return
		case err := <-loader.Errors():
			if errors.Is(err, config.ErrRevisionChange) {
				logger.Error("config reload rejected", "error", err)
			} else {
				logger.Warn("config reload failed", "error", err)
			}
		}
	}
}

func openJournal(args []string, name string) *journal.Journal {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: keybridged %s <journal>\n", name)
		os.Exit(1)
	}
	path := fs.Arg(0)
	if _, err := os.Stat(path); err != nil {
		fatalf("%v", err)
	}
	j, err := journal.Open(path, 5*time.Second)
	if err != nil {
		fatalf("open journal: %v", err)
	}
	return j
}

func cmdReplay(args []string) {
	j := openJournal(args, "replay")
	defer j.Close()

	tracker := keyboard.NewTracker(keyboard.WithRegistry(keys.NewRegistry()))
	defer tracker.Close()

	stats, err := j.Replay(context.Background(), tracker)
	if err != nil {
		fatalf("replay: %v", err)
	}

	fmt.Printf("Packets:   %d\n", stats.Packets)
	fmt.Printf("Handled:   %d\n", stats.Handled)
	fmt.Printf("Rejected:  %d\n", stats.Rejected)
	fmt.Printf("Diverged:  %d\n", stats.Diverged)
	fmt.Println()

	physical := tracker.PhysicalKeysPressed()
	if len(physical) == 0 {
		fmt.Println("No keys held.")
		return
	}
	fmt.Println("Held keys:")
	for _, p := range physical {
		if l, ok := tracker.LogicalKeyFor(p); ok {
			fmt.Printf("  %s -> %s\n", p, l)
		} else {
			fmt.Printf("  %s\n", p)
		}
	}
}

func cmdVerify(args []string) {
	j := openJournal(args, "verify")
	defer j.Close()

	ctx := context.Background()
	n, err := j.Count(ctx)
	if err != nil {
		fatalf("count: %v", err)
	}

	if err := j.Verify(ctx); err != nil {
		var ce *journal.ChainError
		if errors.As(err, &ce) {
			fmt.Printf("FAILED at sequence %d of %d\n", ce.Seq, n)
		} else {
			fmt.Printf("FAILED: %v\n", err)
		}
		os.Exit(1)
	}
	fmt.Printf("OK: %d packets, chain intact\n", n)
}

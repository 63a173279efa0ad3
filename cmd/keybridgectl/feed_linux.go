//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"keybridge/internal/evdevsource"
	"keybridge/internal/keys"
)

func cmdFeed(args []string) {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	grab := fs.Bool("grab", false, "take exclusive access to the devices")
	verbose := fs.Bool("v", false, "log every packet")
	fs.Parse(args)

	cfg := loadConfig()
	devices := cfg.Evdev.Devices
	if fs.NArg() > 0 {
		devices = fs.Args()
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := connect(ctx)
	defer client.Close()

	// The feeder is the host, so it owns focus while it runs.
	if _, err := client.SetFocus(ctx, true); err != nil {
		fatalf("focus: %v", err)
	}

	src := evdevsource.New(evdevsource.Config{
		Devices: devices,
		Grab:    *grab || cfg.Evdev.Grab,
		Logger:  logger,
	}, codecFor(client, keys.NewRegistry()))

	fmt.Fprintln(os.Stderr, "Feeding keyboard input to keybridged (Ctrl+C to stop)...")
	err := src.Run(ctx, func(ctx context.Context, packet []byte) error {
		res, err := client.SendPacket(ctx, packet)
		if err != nil {
			return err
		}
		logger.Debug("packet delivered", "bytes", len(packet), "result", res.String())
		return nil
	})

	if _, ferr := client.SetFocus(context.WithoutCancel(ctx), false); ferr != nil {
		logger.Debug("focus release failed", "error", ferr)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

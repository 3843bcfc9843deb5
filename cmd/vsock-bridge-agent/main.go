// vsock-bridge-agent is the host-side process: it opens the CMIO device,
// wires up the configured listeners/clients, and runs the multiplexer and
// (optionally) the NBD export server until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyrange/vsock-bridge/internal/agent"
	"github.com/tinyrange/vsock-bridge/internal/cmio"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Path to a YAML config file (defaults alone if omitted)")
	verbose := fs.Bool("verbose", false, "Enable debug-level logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !cmio.DevicePresent() {
		return fmt.Errorf("%s not present: vsock-bridge-agent must run inside the emulator", cmio.DevicePath)
	}

	driver, err := cmio.Open()
	if err != nil {
		return fmt.Errorf("open cmio device: %w", err)
	}
	defer driver.Close()

	rt, err := agent.New(cfg, driver, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vsock-bridge-agent: %v\n", err)
		os.Exit(1)
	}
}

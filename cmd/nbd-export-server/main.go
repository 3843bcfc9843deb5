// nbd-export-server runs the NBD export server standalone, outside of the
// CMIO agent, for testing the block device path against any NBD client.
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

	"github.com/tinyrange/vsock-bridge/internal/nbd"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	addr := fs.String("addr", "127.0.0.1:10809", "Address to listen on")
	sizeBytes := fs.Int64("size", 64<<20, "Size in bytes of the in-memory export")
	verbose := fs.Bool("verbose", false, "Enable debug-level logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	if *sizeBytes <= 0 {
		return fmt.Errorf("size must be positive, got %d", *sizeBytes)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	export := nbd.NewMemExport(int(*sizeBytes))
	srv, err := nbd.NewServer(*addr, export, logger)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Close()

	logger.Info("nbd export server listening", "addr", srv.Addr().String(), "size_bytes", *sizeBytes)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nbd-export-server: %v\n", err)
		os.Exit(1)
	}
}

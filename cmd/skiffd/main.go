package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skiffvm/skiff"
	"github.com/skiffvm/skiff/internal/vm"
)

func run() error {
	configPath := flag.String("config", "", "machine config (YAML)")
	restorePath := flag.String("restore", "", "boot from a snapshot image instead of a fresh machine")
	snapshotPath := flag.String("snapshot-on-term", "", "write a snapshot here on SIGTERM before shutting down")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := skiff.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		cfg, err = skiff.ParseConfig(data)
		if err != nil {
			return err
		}
	}

	// A scrape surface is the embedder's concern; the daemon just keeps
	// the collectors registered and counting.
	if err := vm.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var (
		machine *skiff.VM
		err     error
	)
	if *restorePath != "" {
		machine, err = skiff.RestoreFile(cfg, *restorePath, nil)
		if err != nil {
			return err
		}
		if err := machine.Resume(); err != nil {
			return err
		}
	} else {
		machine, err = skiff.New(cfg)
		if err != nil {
			return err
		}
		if err := machine.Boot(); err != nil {
			return err
		}
	}
	slog.Info("machine started", "id", machine.ID(), "name", machine.Name())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		slog.Info("signal received", "signal", sig.String())
		if sig == syscall.SIGTERM && *snapshotPath != "" {
			if err := machine.Pause(); err != nil {
				slog.Error("pause for snapshot", "err", err)
			} else if err := machine.Snapshot(*snapshotPath); err != nil {
				slog.Error("snapshot", "err", err)
			} else {
				slog.Info("snapshot written", "path", *snapshotPath)
			}
		}
		return machine.Shutdown()
	case <-machine.Done():
		slog.Info("machine ended", "id", machine.ID())
		return nil
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "skiffd:", err)
		os.Exit(1)
	}
}

// main.go: logc server binary
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agilira/logc/server"
)

var rootCmdArgs struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "logc-server",
	Short: "Shared-memory log server",
	Long: "logc-server owns application log files. Clients append records to\n" +
		"per-process shared-memory rings; the server drains each ring to its\n" +
		"client's log file on threshold notifications and on disconnect.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&rootCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file (optional)")
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var sig interrupted
		if errors.As(err, &sig) {
			return
		}

		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// interrupted marks a signal-driven shutdown, which exits zero.
type interrupted struct {
	os.Signal
}

func (m interrupted) Error() string {
	return m.String()
}

// waitInterrupted blocks until SIGINT or SIGTERM is received or the
// context is canceled.
func waitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func run() error {
	cfg := server.DefaultConfig()
	if rootCmdArgs.ConfigPath != "" {
		var err error
		cfg, err = server.LoadConfig(rootCmdArgs.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	log, level, err := server.InitLogging(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	if rootCmdArgs.ConfigPath != "" {
		watcher, err := server.WatchConfig(rootCmdArgs.ConfigPath, level, log)
		if err != nil {
			log.Warnw("config hot reload disabled", "error", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	wg, ctx := errgroup.WithContext(context.Background())

	wg.Go(func() error {
		return srv.Serve(ctx)
	})

	wg.Go(func() error {
		err := waitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		if cerr := srv.Close(); cerr != nil {
			log.Warnw("error closing listener", "error", cerr)
		}
		return err
	})

	return wg.Wait()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/binderkit/go-binder/internal/logging"
)

var serveCmdArgs struct {
	ConfigPath string
	ReadBuffer string
	Verbose    bool
	Timeout    time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a binder domain session described by a YAML config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadSessionConfig(serveCmdArgs.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if serveCmdArgs.Verbose {
			cfg.LogLevel = "debug"
		}
		if serveCmdArgs.ReadBuffer != "" {
			var sz datasize.ByteSize
			if err := sz.UnmarshalText([]byte(serveCmdArgs.ReadBuffer)); err != nil {
				return fmt.Errorf("parse --read-buffer: %w", err)
			}
			cfg.ReadBuffer = sz
		}

		log := logging.NewLogger(&logging.Config{Level: cfg.logLevelValue(), Output: os.Stderr})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if serveCmdArgs.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, serveCmdArgs.Timeout)
			defer cancel()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info("received shutdown signal")
			cancel()
		}()

		return RunSession(ctx, cfg, log)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveCmdArgs.ConfigPath, "config", "c", "", "Path to a session YAML file (default: built-in hello scenario)")
	serveCmd.Flags().StringVar(&serveCmdArgs.ReadBuffer, "read-buffer", "", "Per-read buffer size (e.g. 4K, 64K); overrides the config file")
	serveCmd.Flags().BoolVarP(&serveCmdArgs.Verbose, "verbose", "v", false, "Enable debug logging")
	serveCmd.Flags().DurationVar(&serveCmdArgs.Timeout, "timeout", 10*time.Second, "Stop the session after this long even if loopers are still pending")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gustrain/asyncloader"
	"github.com/gustrain/asyncloader/internal/logging"
	"github.com/gustrain/asyncloader/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "asyncloaderd",
	Short: "asyncloaderd runs a shared-memory file loader for attached worker processes",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	loader, err := asyncloader.NewLoader(cfg.Region, cfg.loaderConfig(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize loader: %w", err)
	}
	defer func() {
		if err := loader.Close(); err != nil {
			log.Errorw("failed to close loader", "error", err)
		}
	}()

	log.Infow("loader ready", "region", cfg.Region, "n_workers", cfg.NWorkers, "queue_depth", cfg.QueueDepth)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return loader.BecomeLoader(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bluetooth-meter/internal/api"
	"bluetooth-meter/internal/config"
	"bluetooth-meter/internal/store"
)

var (
	argConfig   string
	argLogLevel string

	rootCmd = &cobra.Command{
		Use:          "meterctl",
		Short:        "Client for Bluetooth audio level meters",
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&argConfig, "config", "c", "meter.yaml", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&argLogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// loadConfig reads --config. A missing default file falls back to the
// built-in defaults; a missing explicit file is an error.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(argConfig)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, err
		}
		cfg = config.LoadDefaultConfig()
	}
	if argLogLevel != "" {
		cfg.Log.Level = argLogLevel
	}
	return cfg, nil
}

type channelStore interface {
	api.ChannelStore
	Close() error
}

func openStore(cfg config.StoreConfig, log *zap.Logger) (channelStore, error) {
	if cfg.Path == "" {
		return store.NewMemory(), nil
	}
	st, err := store.OpenSQLite(cfg.Path, log)
	if err != nil {
		return nil, fmt.Errorf("open channel store: %w", err)
	}
	return st, nil
}

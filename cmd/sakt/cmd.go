package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sakt/pkg/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sakt",
		Short:         "Train self-attentive knowledge tracing models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML configuration file")

	root.AddCommand(newTrainCmd(), newConfigCmd())
	return root
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model and report per-epoch loss, accuracy and AUC",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	cmd.Flags().String("train", "", "training samples (JSON lines)")
	cmd.Flags().String("valid", "", "validation samples (JSON lines)")
	cmd.Flags().String("tags", "", "pretrained tag embedding (.pt or .json)")
	cmd.Flags().Int("epochs", 0, "number of epochs")
	cmd.Flags().Bool("synthetic", false, "ignore data paths and train on generated samples")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// loadConfig layers defaults, the config file, the environment and flags,
// in that order, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		fromFile, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Merge(fromFile)
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Lookup("train") != nil {
		if v, _ := flags.GetString("train"); v != "" {
			cfg.Data.TrainPath = v
		}
		if v, _ := flags.GetString("valid"); v != "" {
			cfg.Data.ValidPath = v
		}
		if v, _ := flags.GetString("tags"); v != "" {
			cfg.Data.TagsPath = v
		}
		if v, _ := flags.GetInt("epochs"); v > 0 {
			cfg.Train.Epochs = v
		}
		if v, _ := flags.GetString("metrics-addr"); v != "" {
			cfg.Metrics.Addr = v
		}
		if synthetic, _ := flags.GetBool("synthetic"); synthetic {
			cfg.Data.TrainPath, cfg.Data.ValidPath = "", ""
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// TrainHandler runs the train command.
func TrainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	reports, err := run(cmd.Context(), cfg, logger)
	if len(reports) > 0 {
		renderReports(cmd.OutOrStdout(), reports)
	}
	return err
}

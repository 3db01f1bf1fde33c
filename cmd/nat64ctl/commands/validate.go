package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file, then exit",
		Long: "validate-config loads the configuration file, runs the same " +
			"validation translate would, and prints the effective " +
			"configuration without opening any device or starting a " +
			"worker.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, r, err := loadAndResolveFull(configPath, cmdlineOverrides{})
			if err != nil {
				return crashf(fmt.Errorf("validate config: %w", err))
			}

			level := new(slog.LevelVar)
			level.Set(slog.LevelInfo)
			logger := newLogger(cfg.Log, level)
			logEffectiveConfig(logger, r)

			fmt.Println("configuration is valid")
			return nil
		},
	}
}

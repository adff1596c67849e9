// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/internal/config"
	"github.com/xkilldash9x/uipilot/internal/device"
	"github.com/xkilldash9x/uipilot/internal/engine"
	"github.com/xkilldash9x/uipilot/internal/llmclient"
	"github.com/xkilldash9x/uipilot/internal/observability"
	"github.com/xkilldash9x/uipilot/internal/store"
)

var (
	cfgFile string
	cfg     *config.Config
)

// NewRootCommand builds a fresh root command tree. Each invocation gets clean
// flag state.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "uipilot",
		Short:   "uipilot drives mobile apps toward natural-language goals.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "uipilot"})
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting uipilot", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newGenerateCmd(),
		newRunCmd(),
		newImproveCmd(),
		newScriptsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command under a signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	return nil
}

// buildEngine assembles the full engine stack from the loaded config. The
// returned cleanup closes the repository.
func buildEngine(ctx context.Context) (*engine.Engine, func(), error) {
	logger := observability.GetLogger()

	llm, err := llmclient.NewClient(cfg.LLM, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build llm client: %w", err)
	}

	repo, closeRepo, err := store.NewRepository(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open script store: %w", err)
	}

	driver := device.New(cfg.Device, logger)
	eng := engine.New(driver, llm, repo, *cfg, logger)
	return eng, closeRepo, nil
}

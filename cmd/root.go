package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "lead-dispatch",
	Short: "Bulk lead ingestion, sequence scheduling and paced email dispatch",
	Long:  "Ingests lead files into a deduplicated store, enrolls qualified leads in multi-step sequences, and sends due steps in rate-limited waves.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

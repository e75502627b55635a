package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Advance due sequence enrollments",
	Long:  "Sends every due sequence step. With --once, runs a single sweep and prints its tally; otherwise sweeps on the configured interval until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		if !sweepOnce {
			zap.L().Info("sweeper started", zap.Duration("interval", cfg.Sequence.SweepInterval))
			env.Engine.Run(ctx)
			return nil
		}

		res, err := env.Service.RunSweepOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single sweep and exit")
	rootCmd.AddCommand(sweepCmd)
}

package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-dispatch/internal/model"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <lead-id>",
	Short: "Enroll a lead in a sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		seq, _ := cmd.Flags().GetString("sequence")
		enr, err := env.Service.Enroll(ctx, args[0], seq)
		if err != nil {
			return eris.Wrap(err, "enroll")
		}
		return printEnrollment(os.Stdout, enr)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <lead-id>",
	Short: "Pause a lead's active sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		enr, err := env.Service.Pause(ctx, args[0], reason)
		if err != nil {
			return eris.Wrap(err, "pause")
		}
		return printEnrollment(os.Stdout, enr)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <lead-id>",
	Short: "Resume a lead's paused sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		enr, err := env.Service.Resume(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "resume")
		}
		return printEnrollment(os.Stdout, enr)
	},
}

func printEnrollment(w io.Writer, enr *model.Enrollment) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(enr)
}

func init() {
	enrollCmd.Flags().String("sequence", "", "sequence name (default welcome)")
	pauseCmd.Flags().String("reason", "manual", "reason recorded on the enrollment")

	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/sequence"
	"github.com/sells-group/lead-dispatch/internal/store"
)

var sequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "Manage sequence definitions",
}

var sequencesLoadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Load sequence definitions from YAML",
	Long:  "Validates and upserts sequences from a YAML file (argument or sequence.file). Without a file the built-in welcome sequence is installed.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		path := cfg.Sequence.File
		if len(args) == 1 {
			path = args[0]
		}
		seqs, err := loadSequences(ctx, st, path)
		if err != nil {
			return err
		}
		formatSequences(os.Stdout, seqs)
		return nil
	},
}

var sequencesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sequences",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		seqs, err := st.ListSequences(ctx)
		if err != nil {
			return eris.Wrap(err, "sequences list")
		}
		if len(seqs) == 0 {
			fmt.Fprintln(os.Stderr, "No sequences found.")
			return nil
		}
		formatSequences(os.Stdout, seqs)
		return nil
	},
}

// loadSequences upserts the sequences in path, or the defaults when path
// is empty. Nothing is written unless every definition is valid.
func loadSequences(ctx context.Context, st store.Store, path string) ([]model.Sequence, error) {
	seqs := sequence.DefaultSequences()
	if path != "" {
		loaded, err := sequence.LoadFile(path, sequence.NewRenderer())
		if err != nil {
			return nil, err
		}
		seqs = loaded
	}
	for i := range seqs {
		if err := st.UpsertSequence(ctx, &seqs[i]); err != nil {
			return nil, eris.Wrapf(err, "upsert sequence %s", seqs[i].Name)
		}
		zap.L().Info("sequence loaded",
			zap.String("name", seqs[i].Name),
			zap.Int("steps", len(seqs[i].Steps)),
		)
	}
	return seqs, nil
}

// formatSequences writes a table of sequences to out.
func formatSequences(out io.Writer, seqs []model.Sequence) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTEPS")
	_, _ = fmt.Fprintln(w, "--\t----\t-----")
	for _, s := range seqs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", truncateID(s.ID), s.Name, len(s.Steps))
	}
	_ = w.Flush()
}

func init() {
	sequencesCmd.AddCommand(sequencesLoadCmd)
	sequencesCmd.AddCommand(sequencesListCmd)
	rootCmd.AddCommand(sequencesCmd)
}

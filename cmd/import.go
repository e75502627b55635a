package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/fetcher"
	"github.com/sells-group/lead-dispatch/internal/ingest"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/pkg/notion"
)

var (
	importSource string
	importNotion bool
)

var importCmd = &cobra.Command{
	Use:   "import [file-or-url]",
	Short: "Ingest a lead file or the Notion lead queue",
	Long: "Parses a CSV, TSV, XLSX or JSON lead file from a local path, http(s) or ftp URL and runs it through " +
		"dedup, classification, CRM sync and enrollment as one tracked run. With --notion, queued pages in the " +
		"Notion lead database are ingested and marked Imported or Rejected.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if importNotion == (len(args) == 1) {
			return eris.New("pass either a file or URL, or --notion")
		}

		env, err := initApp(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		var res model.RunResult
		if importNotion {
			res, err = importFromNotion(ctx, env)
		} else {
			res, err = importFromFile(ctx, env, args[0])
		}
		if err != nil {
			return err
		}
		return printRunResult(os.Stdout, res)
	},
}

func importFromFile(ctx context.Context, env *appEnv, location string) (model.RunResult, error) {
	f := fetcher.New(fetcher.Options{
		Timeout:  cfg.Ingest.FetchTimeout,
		MaxBytes: cfg.Ingest.MaxFileBytes,
		Retry:    retryConfig(),
	})
	data, name, err := f.Fetch(ctx, location)
	if err != nil {
		return model.RunResult{}, eris.Wrap(err, "import: fetch")
	}
	sheet, err := fetcher.ParseFile(data, name)
	if err != nil {
		return model.RunResult{}, eris.Wrap(err, "import: parse")
	}

	source := importSource
	if source == "" {
		source = name
	}
	zap.L().Info("import: file parsed",
		zap.String("file", name),
		zap.Int("rows", len(sheet.Rows)),
	)
	return env.Service.ImportRecords(ctx, source, ingest.RecordsFromSheet(sheet, source))
}

func importFromNotion(ctx context.Context, env *appEnv) (model.RunResult, error) {
	if cfg.Notion.Token == "" {
		return model.RunResult{}, eris.New("notion token is required (DISPATCH_NOTION_TOKEN)")
	}
	if cfg.Notion.LeadDB == "" {
		return model.RunResult{}, eris.New("notion lead DB ID is required (DISPATCH_NOTION_LEAD_DB)")
	}
	nc := notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))

	pages, err := notion.QueryQueuedLeads(ctx, nc, cfg.Notion.LeadDB)
	if err != nil {
		return model.RunResult{}, err
	}
	if len(pages) == 0 {
		zap.L().Info("import: no queued notion leads")
		return model.RunResult{}, nil
	}

	source := importSource
	if source == "" {
		source = "notion"
	}
	res, err := env.Service.ImportRecords(ctx, source, notionRecords(pages, source))
	if err != nil {
		// Pages stay queued so the next import retries them.
		return res, err
	}
	markNotionPages(ctx, nc, pages, res)
	return res, nil
}

// notionRecords turns queued pages into records numbered from 1 in query
// order.
func notionRecords(pages []notionapi.Page, source string) []ingest.Record {
	out := make([]ingest.Record, 0, len(pages))
	for i, p := range pages {
		out = append(out, ingest.Record{
			Row:       i + 1,
			Fields:    notion.PageFields(p),
			Source:    source,
			SourceRef: string(p.ID),
		})
	}
	return out
}

// markNotionPages writes each page's outcome back to Notion. Failures are
// logged; the run itself already succeeded.
func markNotionPages(ctx context.Context, nc notion.Client, pages []notionapi.Page, res model.RunResult) {
	rejected := make(map[int]string, len(res.Details))
	for _, d := range res.Details {
		rejected[d.Row] = d.Reason
	}
	for i, p := range pages {
		status, note := notion.StatusImported, "run "+res.RunID
		if reason, ok := rejected[i+1]; ok {
			status, note = notion.StatusRejected, reason
		}
		if err := notion.SetStatus(ctx, nc, string(p.ID), status, note); err != nil {
			zap.L().Warn("import: update notion page failed",
				zap.String("page_id", string(p.ID)),
				zap.String("status", status),
				zap.Error(err),
			)
		}
	}
}

func printRunResult(w io.Writer, res model.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func init() {
	importCmd.Flags().StringVar(&importSource, "source", "", "source label recorded on leads and the run (default file name)")
	importCmd.Flags().BoolVar(&importNotion, "notion", false, "ingest queued pages from the Notion lead database")
	rootCmd.AddCommand(importCmd)
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/spf13/cobra"
)

func newImportCommand() *cobra.Command {
	var asJSON bool
	importCmd := &cobra.Command{
		Use:   "import <latest|date|runs|list> [YYYY-MM-DD | run-id...]",
		Short: "Import completed crawl runs into canonical events",
		Long: `Import completed crawl runs through capture, geocoding and promotion.

Actions:
  latest         import the most recent successful run not imported yet
  date <day>     import the successful runs that started on day
  runs <id...>   import the given runs
  list           list recent runs and whether they were imported

Runs are read from RUN_SOURCE (postgres or apify). Re-importing a run is safe.

Examples:
  harvester import latest
  harvester import date 2025-06-14
  harvester import runs 01JX3S0Q5ZKV8M2N7P4R6T9W1Y
  harvester import list --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := importRequest(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			importer, err := a.importer()
			if err != nil {
				return err
			}
			res, err := importer.Import(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printBatch(out, res)
			if res.Failed() > 0 {
				return fmt.Errorf("%d run(s) failed to import", res.Failed())
			}
			return nil
		},
	}
	importCmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return importCmd
}

// importRequest maps positional arguments to a batch request.
func importRequest(args []string) (ingest.Request, error) {
	action, err := ingest.ParseAction(args[0])
	if err != nil {
		return ingest.Request{}, err
	}
	req := ingest.Request{Action: action}
	switch action {
	case ingest.ActionDate:
		if len(args) != 2 {
			return ingest.Request{}, fmt.Errorf("import date takes exactly one YYYY-MM-DD argument")
		}
		req.Date = args[1]
	case ingest.ActionRuns:
		if len(args) < 2 {
			return ingest.Request{}, ingest.ErrMissingRunIDs
		}
		req.RunIDs = args[1:]
	default:
		if len(args) > 1 {
			return ingest.Request{}, fmt.Errorf("import %s takes no arguments", action)
		}
	}
	return req, nil
}

func printBatch(w io.Writer, res *ingest.BatchResult) {
	for _, l := range res.Listed {
		imported := "no"
		if l.Imported {
			imported = "yes"
		}
		fmt.Fprintf(w, "%-28s %-10s items=%-6d imported=%s started=%s\n",
			l.ID, l.Status, l.ItemCount, imported, l.StartedAt.Format("2006-01-02 15:04"))
	}
	for _, r := range res.Runs {
		fmt.Fprintf(w, "%-28s %s", r.RunID, r.Status)
		if r.Result != nil {
			fmt.Fprintf(w, "  captured=%d new=%d geocoded=%d failed=%d promoted=%d",
				r.Result.Capture.Fetched, r.Result.Capture.Inserted,
				r.Result.Geocode.Resolved, r.Result.Geocode.Failed, r.Result.Promote.Inserted)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  error=%s", r.Error)
		}
		fmt.Fprintln(w)
	}
	if len(res.Deferred) > 0 {
		fmt.Fprintf(w, "deferred %d run(s): %v\n", len(res.Deferred), res.Deferred)
	}
	if res.Action != ingest.ActionList && len(res.Runs) == 0 && len(res.Deferred) == 0 {
		fmt.Fprintln(w, "nothing to import")
	}
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	logLevel  string
	logFormat string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "harvester",
		Short: "Togather harvester - Ticketmaster event crawler and importer",
		Long: `Harvester crawls the Ticketmaster discovery GraphQL endpoint and lands the
results as geocoded canonical events.

The search endpoint stops serving pages after roughly 1,000-1,200 results.
Crawls that hit this ceiling record where they stopped so the next run can
continue from that date.

Commands:
- crawl: run a crawl (optionally chained across the ceiling) or discover categories
- import: capture, geocode and promote the events of completed runs
- migrate: manage the database schema
- serve: run the trigger API and the background import jobs`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")

	root.AddCommand(
		newCrawlCommand(),
		newImportCommand(),
		newMigrateCommand(),
		newServeCommand(),
		newTokenCommand(),
		newHealthcheckCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command tree. It is called by main.main().
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

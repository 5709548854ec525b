package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asterlane/engram/pkg/vectorcache"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search [query...]",
	Short: "Keyword-search the exported cache without the daemon",
	Long: `Search scar titles and descriptions by keyword against the cache
export the daemon writes on every load. This works offline: no daemon, no
embedding provider. For semantic search use the daemon's recall endpoint.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	export, err := vectorcache.ReadExport(cfg.Cache.ExportPath)
	if err != nil {
		return fmt.Errorf("no cache export available (has the daemon loaded once?): %w", err)
	}

	query := strings.Join(args, " ")
	results := vectorcache.KeywordSearch(export, query, searchLimit)

	if len(results) == 0 {
		fmt.Println("No matches")
		return nil
	}

	fmt.Printf("%d match(es) for %q:\n", len(results), query)
	for _, r := range results {
		fmt.Printf("  [%s] %s (%s)\n", r.Scar.Severity, r.Scar.Title, r.Scar.ID)
		if r.Scar.Description != "" {
			fmt.Printf("      %s\n", r.Scar.Description)
		}
	}
	return nil
}

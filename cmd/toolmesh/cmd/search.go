package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/toolmesh/discovery/internal/search"
)

func newSearchCmd() *cobra.Command {
	var (
		tags       []string
		topK       int
		topN       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Query the discovery index",
		Long: `Search ranks registered tools and agents against a natural-language
query, tag filters, or both. With only tags and no query text, results
are filtered without vector ranking.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}

			handle, _, err := openHandle()
			if err != nil {
				return err
			}
			defer func() { _ = handle.Close() }()

			engine, err := handle.Engine(cmd.Context())
			if err != nil {
				return err
			}

			results, err := engine.Search(cmd.Context(), search.Request{
				Query:        query,
				Tags:         tags,
				TopKServices: topK,
				TopNTools:    topN,
			})
			if err != nil {
				return err
			}

			if jsonOutput || !isatty.IsTerminal(os.Stdout.Fd()) {
				return json.NewEncoder(os.Stdout).Encode(results)
			}
			printResults(results)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&tags, "tag", nil, "required tag (repeatable, AND semantics)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "service candidates to consider (default from config)")
	cmd.Flags().IntVar(&topN, "top-n", 0, "maximum results (default from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON")
	return cmd
}

func printResults(results []search.Result) {
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for i, r := range results {
		fmt.Printf("%d. %s  (%s, score %.4f)\n", i+1, r.ID, r.Type, r.Score)
		if r.ToolName != "" && r.ToolName != r.ID {
			fmt.Printf("   name: %s  service: %s\n", r.ToolName, r.ServicePath)
		}
		for field, weight := range r.MatchedFields {
			fmt.Printf("   matched %s (+%.1f)\n", field, weight)
		}
	}
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolmesh/discovery/pkg/version"
)

// statusReport is the JSON shape of `toolmesh status`.
type statusReport struct {
	Backend      string            `json:"backend"`
	Documents    int               `json:"documents"`
	NeedsRebuild bool              `json:"needs_rebuild"`
	Model        string            `json:"model"`
	Dimensions   int               `json:"dimensions"`
	Build        version.BuildInfo `json:"build"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index and embedder status",
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, cfg, err := openHandle()
			if err != nil {
				return err
			}
			defer func() { _ = handle.Close() }()

			mgr, err := handle.Manager(cmd.Context())
			if err != nil {
				return err
			}
			embedder, err := handle.Embedder(cmd.Context())
			if err != nil {
				return err
			}
			count, err := handle.Count(cmd.Context())
			if err != nil {
				return err
			}

			report := statusReport{
				Backend:      cfg.Backend.Variant,
				Documents:    count,
				NeedsRebuild: mgr.NeedsRebuild(),
				Model:        embedder.ModelName(),
				Dimensions:   embedder.Dimensions(),
				Build:        version.Info(),
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(report)
			}

			fmt.Printf("Backend:       %s\n", report.Backend)
			fmt.Printf("Documents:     %d\n", report.Documents)
			fmt.Printf("Needs rebuild: %v\n", report.NeedsRebuild)
			fmt.Printf("Model:         %s (%d dimensions)\n", report.Model, report.Dimensions)
			fmt.Printf("Version:       %s\n", report.Build.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON")
	return cmd
}

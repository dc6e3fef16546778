package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolmesh/discovery/internal/catalog"
)

func newRebuildCmd() *cobra.Command {
	var snapshotPath string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from an entity snapshot",
		Long: `Rebuild re-embeds and re-indexes every entity in a YAML snapshot
file, prunes documents the snapshot no longer names, and reconstructs
derived index structures. Per-entity failures are counted, not fatal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			entities, err := catalog.LoadSnapshotFile(snapshotPath)
			if err != nil {
				return err
			}

			handle, _, err := openHandle()
			if err != nil {
				return err
			}
			defer func() { _ = handle.Close() }()

			mgr, err := handle.Manager(cmd.Context())
			if err != nil {
				return err
			}

			stats, err := mgr.RebuildAll(cmd.Context(), catalog.NewSliceSnapshot(entities...))
			if err != nil {
				return err
			}

			fmt.Printf("Rebuild complete: %d indexed, %d failed, %d skipped\n",
				stats.Indexed, stats.Failed, stats.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "path to the YAML entity snapshot")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

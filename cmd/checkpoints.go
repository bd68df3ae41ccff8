package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/nodefinder/internal/store"
)

var (
	checkpointDir string
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage search checkpoints",
	Long: `Manage the checkpoints in a directory, including listing, inspecting and
cleaning old checkpoints. A checkpoint named NAME is the file NAME.json; its
event trace, if any, is NAME.trace.jsonl.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	Long:  `Display all checkpoints with their run ID, timestamp, node count and pending work.`,
	RunE:  runListCheckpoints,
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show the content of a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowCheckpoint,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old checkpoints",
	Long: `Delete old checkpoints based on retention policy.
You can specify how many checkpoints to keep or delete checkpoints older than N days.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(showCheckpointCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointDir, "dir", "./checkpoints", "Checkpoint directory")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N checkpoints (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func output(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	checkpointStore, err := store.NewFSStore(checkpointDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := output(cmd)
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRUN ID\tTIMESTAMP\tDIM\tNODES\tREJECTED\tPENDING\tSIZE")
	fmt.Fprintln(w, "----\t------\t---------\t---\t-----\t--------\t-------\t----")

	for _, info := range infos {
		sizeStr := "unknown"
		if fi, err := os.Stat(checkpointStore.CheckpointPath(info.Name)); err == nil {
			sizeStr = formatBytes(fi.Size())
		}

		pending := "done"
		if info.NumSimplices > 0 || info.NumPositions > 0 {
			pending = fmt.Sprintf("%d+%d", info.NumSimplices, info.NumPositions)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			info.Name,
			shortID(info.RunID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Dim,
			info.NumNodes,
			info.NumRejected,
			pending,
			sizeStr,
		)
	}

	w.Flush()

	fmt.Fprintf(out, "\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runShowCheckpoint(cmd *cobra.Command, args []string) error {
	checkpointStore, err := store.NewFSStore(checkpointDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	cp, err := checkpointStore.LoadCheckpoint(args[0])
	if err != nil {
		return err
	}

	out := output(cmd)
	fmt.Fprintf(out, "Checkpoint: %s\n", args[0])
	fmt.Fprintf(out, "  Run ID: %s\n", cp.RunID)
	fmt.Fprintf(out, "  Saved: %s\n", cp.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "  Limits: %v (periodic: %t)\n", cp.CoordinateSystem.Limits, cp.CoordinateSystem.Periodic)
	fmt.Fprintf(out, "  Gap threshold: %g\n", float64(cp.Result.GapThreshold))
	fmt.Fprintf(out, "  Distance cutoff: %g\n", float64(cp.Result.DistCutoff))
	fmt.Fprintf(out, "  Nodes: %d\n", len(cp.Result.Nodes))
	fmt.Fprintf(out, "  Rejected: %d\n", len(cp.Result.Rejected))
	fmt.Fprintf(out, "  Refinement centers: %d\n", len(cp.Result.Refined))
	fmt.Fprintf(out, "  Queued simplices: %d\n", len(cp.Queue.Simplices))
	fmt.Fprintf(out, "  Queued positions: %d\n", len(cp.Queue.Positions))
	fmt.Fprintf(out, "  Finished: %t\n", cp.Finished())
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	checkpointStore, err := store.NewFSStore(checkpointDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := output(cmd)
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints to clean.")
		return nil
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (run %s, %d nodes, %s)\n",
			info.Name,
			shortID(info.RunID),
			info.NumNodes,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := checkpointStore.DeleteCheckpoint(info.Name); err != nil {
			slog.Error("Failed to delete checkpoint", "name", info.Name, "error", err)
			failed++
		} else {
			slog.Info("Deleted checkpoint", "name", info.Name)
			deleted++
		}
	}

	fmt.Fprintf(out, "\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion applies the retention policy: checkpoints
// older than olderThanDays are deleted, and of the rest only the keepLast
// newest are kept. Zero disables either rule.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast, olderThanDays int, now time.Time) []store.CheckpointInfo {
	sorted := make([]store.CheckpointInfo, len(infos))
	copy(sorted, infos)
	// newest first
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	var cutoff time.Time
	if olderThanDays > 0 {
		cutoff = now.AddDate(0, 0, -olderThanDays)
	}

	var toDelete []store.CheckpointInfo
	kept := 0
	for _, info := range sorted {
		tooOld := olderThanDays > 0 && info.Timestamp.Before(cutoff)
		if tooOld || (keepLast > 0 && kept >= keepLast) {
			toDelete = append(toDelete, info)
			continue
		}
		kept++
	}
	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

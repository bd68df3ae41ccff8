package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/nodefinder/internal/server"
)

var (
	serverURL string
	listRuns  bool
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Query the status of a running search",
	Long: `Queries a search started with --listen for its status.
Without a run-id the latest run is shown. With --all every run known to the
server is listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatusCmd,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	statusCmd.Flags().BoolVar(&listRuns, "all", false, "List all runs")
	rootCmd.AddCommand(statusCmd)
}

// runStatus mirrors the JSON run status of the server.
type runStatus struct {
	server.Run
	ElapsedSeconds float64 `json:"elapsed"`
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if listRuns {
		var runs []runStatus
		if err := getJSON(serverURL+"/api/v1/runs", &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found")
			return nil
		}
		fmt.Fprintf(w, "Found %d run(s):\n\n", len(runs))
		for _, r := range runs {
			printRun(w, r)
			fmt.Fprintln(w)
		}
		return nil
	}

	url := serverURL + "/api/v1/status"
	if len(args) == 1 {
		url = fmt.Sprintf("%s/api/v1/runs/%s/status", serverURL, args[0])
	}
	var r runStatus
	if err := getJSON(url, &r); err != nil {
		return err
	}
	printRun(w, r)
	return nil
}

func getJSON(url string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printRun(w io.Writer, r runStatus) {
	fmt.Fprintf(w, "Run: %s\n", r.ID)
	fmt.Fprintf(w, "  State: %s\n", r.State)
	fmt.Fprintf(w, "  Elapsed: %s\n", (time.Duration(r.ElapsedSeconds * float64(time.Second))).Round(time.Second))
	if r.SaveFile != "" {
		fmt.Fprintf(w, "  Checkpoint: %s (%d saved)\n", r.SaveFile, r.Checkpoints)
	}

	p := r.Progress
	fmt.Fprintf(w, "  Nodes: %d\n", p.Nodes)
	fmt.Fprintf(w, "  Rejected: %d\n", p.Rejected)
	fmt.Fprintf(w, "  Simplices: %d queued, %d running\n", p.SimplicesQueued, p.SimplicesRunning)
	fmt.Fprintf(w, "  Refinement positions queued: %d\n", p.PositionsQueued)
	fmt.Fprintf(w, "  Evaluations: %d\n", p.Evaluations)
	if r.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", r.Error)
	}
}

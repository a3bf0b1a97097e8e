package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var syncAll bool

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "run every enabled job to completion")
}

var syncCmd = &cobra.Command{
	Use:   "sync [job-id]",
	Short: "Run a sync job batch by batch",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if syncAll {
			runAll()
			return
		}
		if len(args) == 0 {
			fmt.Println("Provide a job id or use --all")
			return
		}
		runOne(args[0])
	},
}

// runOne drives the batch loop from the client side, feeding each
// response's runId and nextBatch back into the next request.
func runOne(jobID string) {
	runID := ""
	batch := 1
	for {
		body, _ := json.Marshal(map[string]any{"runId": runID, "batchNumber": batch})
		resp, err := request("POST", "/api/sync/"+jobID, bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Error connecting to API: %v\n", err)
			return
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("❌ Batch %d failed (%s): %s\n", batch, resp.Status, string(raw))
			return
		}

		var res struct {
			RunID         string `json:"runId"`
			HasMore       bool   `json:"hasMore"`
			NextBatch     int    `json:"nextBatch"`
			RowsProcessed int64  `json:"rowsProcessed"`
			RowsDeleted   int    `json:"rowsDeleted"`
			Summary       string `json:"summary"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			fmt.Printf("Error decoding response: %v\n", err)
			return
		}
		fmt.Printf("📦 Batch %d: %d rows (run %s)\n", batch, res.RowsProcessed, res.RunID)
		if !res.HasMore {
			fmt.Printf("✅ %s\n", res.Summary)
			return
		}
		runID = res.RunID
		batch = res.NextBatch
	}
}

func runAll() {
	resp, err := request("POST", "/api/sync", nil)
	if err != nil {
		fmt.Printf("Error connecting to API: %v\n", err)
		return
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("❌ Sync failed (%s): %s\n", resp.Status, string(raw))
		return
	}

	var out struct {
		Success bool `json:"success"`
		Results []struct {
			Name    string `json:"name"`
			Success bool   `json:"success"`
			Summary string `json:"summary"`
			Error   string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	for _, r := range out.Results {
		if r.Success {
			fmt.Printf("✅ %s: %s\n", r.Name, r.Summary)
		} else {
			fmt.Printf("❌ %s: %s\n", r.Name, r.Error)
		}
	}
	if !out.Success {
		fmt.Println("⚠️  Some jobs failed")
	}
}

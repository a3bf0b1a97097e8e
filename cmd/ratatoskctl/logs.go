package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	logsRunID string
	logsLimit int
	logsClear bool
)

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().StringVar(&logsRunID, "run", "", "run id (default is the latest run)")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 0, "keep only the newest N entries")
	logsCmd.Flags().BoolVar(&logsClear, "clear", false, "delete the logs instead of reading them")
}

var logsCmd = &cobra.Command{
	Use:   "logs [job-id]",
	Short: "Read or clear run logs for a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if logsClear {
			clearLogs(args[0])
			return
		}
		readLogs(args[0])
	},
}

func logsQuery() string {
	q := url.Values{}
	if logsRunID != "" {
		q.Set("runId", logsRunID)
	}
	if logsLimit > 0 {
		q.Set("limit", strconv.Itoa(logsLimit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func readLogs(jobID string) {
	resp, err := request("GET", "/api/logs/"+jobID+logsQuery(), nil)
	if err != nil {
		fmt.Printf("Error connecting to API: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Printf("API returned %s: %s\n", resp.Status, string(body))
		return
	}

	var out struct {
		Exists bool `json:"exists"`
		Runs   []struct {
			RunID     string `json:"runId"`
			Status    string `json:"status"`
			StartedAt string `json:"startedAt"`
			EndedAt   string `json:"endedAt"`
		} `json:"runs"`
		Logs []struct {
			Timestamp string `json:"timestamp"`
			Level     string `json:"level"`
			Phase     string `json:"phase"`
			Message   string `json:"message"`
		} `json:"logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	if !out.Exists {
		fmt.Println("No logs for this job")
		return
	}

	for _, entry := range out.Logs {
		color := "\033[0m"
		switch entry.Level {
		case "ERROR":
			color = "\033[31m"
		case "WARNING":
			color = "\033[33m"
		case "SUCCESS":
			color = "\033[32m"
		}
		fmt.Printf("[%s] %s%-7s\033[0m %-12s %s\n",
			entry.Timestamp, color, entry.Level, entry.Phase, entry.Message)
	}

	fmt.Printf("\nRuns (%d):\n", len(out.Runs))
	for _, run := range out.Runs {
		fmt.Printf("  %s  %-8s  started %s\n", run.RunID, run.Status, run.StartedAt)
	}
}

func clearLogs(jobID string) {
	path := "/api/logs/" + jobID
	if logsRunID != "" {
		path += "?runId=" + url.QueryEscape(logsRunID)
	}
	resp, err := request("DELETE", path, nil)
	if err != nil {
		fmt.Printf("Error connecting to API: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Printf("Clear failed (%s): %s\n", resp.Status, string(body))
		return
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	fmt.Printf("✅ Removed %d log entries\n", out.Deleted)
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage cron schedules",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules grouped by cron expression",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := request("GET", "/api/schedule", nil)
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
			Schedules []struct {
				Schedule string `json:"schedule"`
				NextFire string `json:"nextFire"`
				Jobs     []struct {
					Name    string `json:"name"`
					Enabled bool   `json:"enabled"`
				} `json:"jobs"`
			} `json:"schedules"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Printf("Error decoding response: %v\n", err)
			return
		}
		if len(out.Schedules) == 0 {
			fmt.Println("No schedules configured")
			return
		}
		for _, group := range out.Schedules {
			fmt.Printf("⏰ %s (next fire %s)\n", group.Schedule, group.NextFire)
			for _, job := range group.Jobs {
				marker := "✅"
				if !job.Enabled {
					marker = "💤"
				}
				fmt.Printf("   %s %s\n", marker, job.Name)
			}
		}
	},
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set [job-id] [cron-expression]",
	Short: "Set or clear a job's cron schedule",
	Long:  `Set a job's cron expression; pass an empty string ("") to clear it.`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		body, _ := json.Marshal(map[string]string{"cronSchedule": args[1]})
		resp, err := request("PUT", "/api/schedule/"+args[0], bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Error connecting to API: %v\n", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			fmt.Printf("Update failed (%s): %s\n", resp.Status, string(raw))
			return
		}
		if args[1] == "" {
			fmt.Println("✅ Schedule cleared")
		} else {
			fmt.Printf("✅ Schedule set to %q\n", args[1])
		}
	},
}

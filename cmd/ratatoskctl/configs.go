package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(configsCmd)
	configsCmd.AddCommand(configsListCmd)
	configsCmd.AddCommand(configsGetCmd)
	configsCmd.AddCommand(configsApplyCmd)
	configsCmd.AddCommand(configsDeleteCmd)
}

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "Manage sync job configurations",
}

type jobView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Enabled      bool   `json:"enabled"`
	CronSchedule string `json:"cronSchedule"`
	LastStatus   string `json:"lastStatus"`
	LastSummary  string `json:"lastSummary"`
	LastRunAt    string `json:"lastRunAt"`
}

func fetchJobs() ([]jobView, error) {
	resp, err := request("GET", "/api/configs", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned %s: %s", resp.Status, string(body))
	}
	var jobs []jobView
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured jobs",
	Run: func(cmd *cobra.Command, args []string) {
		jobs, err := fetchJobs()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs configured")
			return
		}
		for _, job := range jobs {
			state := "disabled"
			if job.Enabled {
				state = "enabled"
			}
			fmt.Printf("%-36s  %-24s  %-16s  %-8s  %s\n",
				job.ID, job.Name, job.Type, state, job.LastStatus)
		}
	},
}

var configsGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Print one job configuration as YAML",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := request("GET", "/api/configs", nil)
		if err != nil {
			fmt.Printf("Error connecting to API: %v\n", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("API returned error: %s\n", resp.Status)
			return
		}
		var jobs []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
			fmt.Printf("Error decoding response: %v\n", err)
			return
		}
		for _, job := range jobs {
			if job["id"] == args[0] || job["name"] == args[0] {
				out, _ := yaml.Marshal(job)
				fmt.Println(string(out))
				return
			}
		}
		fmt.Printf("❌ Job %s not found\n", args[0])
	},
}

var configsApplyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Create or update a job from a YAML/JSON file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Printf("Error reading file: %v\n", err)
			return
		}
		var job map[string]any
		if err := yaml.Unmarshal(data, &job); err != nil {
			fmt.Printf("Error parsing YAML: %v\n", err)
			return
		}

		jsonData, _ := json.Marshal(job)
		method, path := "POST", "/api/configs"
		if id, ok := job["id"].(string); ok && id != "" {
			method, path = "PUT", "/api/configs/"+id
		}
		resp, err := request(method, path, bytes.NewReader(jsonData))
		if err != nil {
			fmt.Printf("Error connecting to API: %v\n", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			fmt.Printf("Apply failed (%s): %s\n", resp.Status, string(body))
			return
		}
		fmt.Println("✅ Job applied successfully")
	},
}

var configsDeleteCmd = &cobra.Command{
	Use:   "delete [job-id]",
	Short: "Delete a job configuration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := request("DELETE", "/api/configs/"+args[0], nil)
		if err != nil {
			fmt.Printf("Error connecting to API: %v\n", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			fmt.Printf("Delete failed (%s): %s\n", resp.Status, string(body))
			return
		}
		fmt.Println("✅ Job deleted")
	},
}

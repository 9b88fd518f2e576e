package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lightfit/internal/server"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Query server status or specific run",
	Long: `Queries a running server for run status information.
If no run-id is provided, lists all runs.
If run-id is provided, shows detailed status for that run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	if len(args) == 0 {
		return listServerRuns(client, serverURL+"/api/v1/runs")
	}
	return getRunStatus(client, serverURL+"/api/v1/runs/"+args[0], args[0])
}

func getJSON(client *http.Client, url string, v any) (int, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listServerRuns(client *http.Client, url string) error {
	var runs []server.Run
	if _, err := getJSON(client, url, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("Found %d run(s):\n\n", len(runs))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATE\tMETHOD\tIMPROVEMENTS\tOBJECTIVE")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.6g -> %.6g\n",
			run.ID, run.State, run.Config.Method, run.Improvements, run.InitialObjective, run.BestObjective)
	}
	return w.Flush()
}

func getRunStatus(client *http.Client, url, runID string) error {
	var status struct {
		server.Run
		Elapsed float64 `json:"elapsed"`
	}
	code, err := getJSON(client, url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", status.ID)
	fmt.Printf("State: %s\n", status.State)
	fmt.Println()

	c := status.Config
	fmt.Println("Configuration:")
	fmt.Printf("  Scene: %s\n", c.ScenePath)
	fmt.Printf("  Method: %s\n", methodName(c.Method))
	fmt.Printf("  Objective: %s\n", c.Objective)
	fmt.Printf("  Step size: %g\n", c.StepSize)
	fmt.Printf("  Max iterations: %d\n", c.MaxIterations)
	fmt.Printf("  Parameters: %d\n", len(status.Labels))
	fmt.Println()

	fmt.Println("Progress:")
	if status.Improvements > 0 {
		fmt.Printf("  Initial objective: %.6g\n", status.InitialObjective)
		fmt.Printf("  Best objective: %.6g\n", status.BestObjective)
		if status.InitialObjective > 0 {
			improvement := status.InitialObjective - status.BestObjective
			fmt.Printf("  Improvement: %.6g (%.1f%%)\n", improvement, improvement/status.InitialObjective*100)
		}
	}
	if status.State.Terminal() {
		fmt.Printf("  Iterations: %d, evaluations: %d\n", status.Iterations, status.Evaluations)
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Millisecond))

	if status.Error != "" {
		fmt.Printf("\nError: %s\n", status.Error)
	}
	return nil
}

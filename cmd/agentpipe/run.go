package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the run command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConflict    = 2
	ExitUnavailable = 3
)

var (
	runOrchestrationID string
	runInput           string
	runGatewayURL      string
	runAPIKey          string
	runTimeout         int
	runStartFromStep   int
	runResumeFrom      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch an orchestration and wait for the result",
	Long: `Launch an execution of an orchestration through the server's HTTP API
and poll until it reaches a terminal state, printing the final output.

Examples:
  agentpipe run -o 6f1c... -i "summarize today's incidents"
  agentpipe run -o 6f1c... -i "retry" --start-from-step 2

Exit codes:
  0  execution completed
  1  execution failed or was cancelled
  2  another execution is already running
  3  server unavailable`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runOrchestrationID, "orchestration", "o", "", "orchestration ID (required)")
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "input passed to the first step")
	runCmd.Flags().StringVar(&runGatewayURL, "gateway-url", "http://localhost:8080", "server HTTP API URL")
	runCmd.Flags().StringVar(&runAPIKey, "api-key", "", "API key (or AGENTPIPE_API_KEY env)")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 600, "timeout in seconds")
	runCmd.Flags().IntVar(&runStartFromStep, "start-from-step", 0, "resume from this step index")
	runCmd.Flags().StringVar(&runResumeFrom, "resume-from", "", "execution ID to seed earlier step results from")

	_ = runCmd.MarkFlagRequired("orchestration")
}

func runRun(_ *cobra.Command, _ []string) error {
	apiKey := goutils.Env("AGENTPIPE_API_KEY", runAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set AGENTPIPE_API_KEY)")
		os.Exit(ExitConflict)
	}
	gatewayURL := goutils.Env("AGENTPIPE_GATEWAY_URL", runGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(runTimeout)*time.Second)
	defer cancel()

	execID, err := launchExecution(ctx, gatewayURL, apiKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "[execution_id=%s]\n", execID)

	return waitForExecution(ctx, gatewayURL, apiKey, execID)
}

// executionView is the subset of the execution response the CLI needs.
type executionView struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	FinalOutput string `json:"final_output"`
	Error       string `json:"error"`
}

func launchExecution(ctx context.Context, gatewayURL, apiKey string) (string, error) {
	body := map[string]any{
		"input":           runInput,
		"start_from_step": runStartFromStep,
	}
	if runResumeFrom != "" {
		body["resume_from"] = runResumeFrom
	}
	reqBody, _ := json.Marshal(body)

	url := fmt.Sprintf("%s/v1/orchestrations/%s/executions", gatewayURL, runOrchestrationID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		var exec executionView
		if err := json.Unmarshal(respBody, &exec); err != nil {
			return "", fmt.Errorf("parsing launch response: %w", err)
		}
		return exec.ID, nil

	case http.StatusConflict:
		fmt.Fprintln(os.Stderr, "Error: an execution is already running for this orchestration")
		os.Exit(ExitConflict)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitConflict)

	case http.StatusNotFound:
		fmt.Fprintln(os.Stderr, "Error: orchestration not found")
		os.Exit(ExitFailure)

	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}
	return "", nil
}

// waitForExecution polls until the execution reaches a terminal state.
func waitForExecution(ctx context.Context, gatewayURL, apiKey, execID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "Error: timed out waiting for execution; it keeps running on the server")
			os.Exit(ExitFailure)
		case <-ticker.C:
		}

		exec, err := fetchExecution(ctx, gatewayURL, apiKey, execID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitUnavailable)
		}

		switch exec.Status {
		case "completed":
			fmt.Println(exec.FinalOutput)
			os.Exit(ExitSuccess)
		case "failed":
			fmt.Fprintf(os.Stderr, "Execution failed: %s\n", exec.Error)
			os.Exit(ExitFailure)
		case "cancelled":
			fmt.Fprintln(os.Stderr, "Execution cancelled")
			os.Exit(ExitFailure)
		}
	}
}

func fetchExecution(ctx context.Context, gatewayURL, apiKey, execID string) (*executionView, error) {
	url := fmt.Sprintf("%s/v1/executions/%s", gatewayURL, execID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var exec executionView
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		return nil, fmt.Errorf("parsing execution: %w", err)
	}
	return &exec, nil
}

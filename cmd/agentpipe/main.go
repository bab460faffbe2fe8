// AgentPipe — multi-agent orchestration engine for LLM pipelines.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentpipe",
	Short: "AgentPipe — orchestrate multi-agent LLM pipelines.",
	Long: `AgentPipe runs named pipelines of LLM agent personas. Orchestrations
combine agents with a sequential, parallel, or consensus strategy; executions
are single-flight per orchestration, cancellable, and resumable, with bounded
agent-to-agent delegation and completion hooks.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

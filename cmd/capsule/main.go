package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Capsule - code execution and generation job pipeline",
	Long: `Capsule is the asynchronous job pipeline behind the capsule learning
platform. It admits, dedupes, rate-limits, and queues code-execution and
AI content-generation jobs, runs them against a remote sandbox, and serves
job status to polling clients.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

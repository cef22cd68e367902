package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rachelpine/capsule/internal/admission"
	"github.com/rachelpine/capsule/internal/config"
	"github.com/rachelpine/capsule/internal/job"
	"github.com/rachelpine/capsule/internal/pipeline"
	"github.com/rachelpine/capsule/internal/queue"
	"github.com/rachelpine/capsule/internal/sandbox"
	"github.com/rachelpine/capsule/internal/store"
)

var (
	languageFlag string
	stdinFlag    string
	timeoutFlag  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a source file through the sandbox and wait for the result",
	Long: `Submit a single execution job through the full admission and worker
pipeline, backed by an in-memory store, and wait synchronously for the
result. Reads from stdin when no file is given.

Examples:
  capsule run --language python solution.py
  echo 'print("hi")' | capsule run --language python`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language to execute (required)")
	runCmd.Flags().StringVar(&stdinFlag, "stdin", "", "Stdin passed to the program")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "How long to wait for the result")
	_ = runCmd.MarkFlagRequired("language")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	code, err := readSource(args)
	if err != nil {
		return err
	}

	// One-shot pipeline: in-memory store and queue, one worker.
	st, err := store.Open("", cfg.JobTTL())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	q, err := queue.New(st.DB())
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	runtimes, err := loadRuntimes(cfg)
	if err != nil {
		return err
	}
	executor := sandbox.NewClient(cfg.Sandbox.BaseURL, runtimes, cfg.Sandbox.MaxRequestsPerSecond)

	ctrl := admission.New(admission.Config{}, st, q, runtimes, nil, nil)
	svc := pipeline.New(ctrl, st, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := queue.NewWorker(queue.WorkerConfig{Limits: sandboxLimits(cfg)}, q, st, executor, nil, nil, nil, nil)
	go w.Run(ctx)

	res, err := svc.ExecuteSync(ctx, "cli", languageFlag, code, stdinFlag, timeoutFlag)
	if err != nil {
		return err
	}

	fmt.Print(res.Stdout)
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if !res.Success {
		os.Exit(exitCode(res))
	}
	return nil
}

func readSource(args []string) (string, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading source: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("no source given on stdin or as a file argument")
	}
	return string(data), nil
}

func exitCode(res *job.ExecutionResult) int {
	if res.ExitCode != 0 {
		return res.ExitCode
	}
	return 1
}

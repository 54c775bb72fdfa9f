package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/contrib-evaluator/internal/observability"
	"github.com/jonathan/contrib-evaluator/internal/pipeline"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

var (
	syncChallenge string
	syncFrom      string
	syncTo        string
	syncCreatedBy string

	retryRunID  string
	retryReason string
	retryBy     string

	cancelRunID string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync evaluation for a challenge",
	Long: `Gather commits and meeting notes for a challenge, identify contributions,
merge them with what the challenge already holds and evaluate them. Without
--from/--to the window starts where the last succeeded run ended.`,
	RunE: runSync,
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry a finished run over the same window",
	RunE:  runRetry,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel an active run",
	RunE:  runCancel,
}

func init() {
	syncCmd.Flags().StringVarP(&syncChallenge, "challenge", "c", "", "Challenge ID (required)")
	syncCmd.Flags().StringVar(&syncFrom, "from", "", "Window start (RFC 3339 or YYYY-MM-DD)")
	syncCmd.Flags().StringVar(&syncTo, "to", "", "Window end (RFC 3339 or YYYY-MM-DD)")
	syncCmd.Flags().StringVar(&syncCreatedBy, "created-by", "cli", "Who triggered the run")
	_ = syncCmd.MarkFlagRequired("challenge")

	retryCmd.Flags().StringVar(&retryRunID, "run", "", "Run ID to retry (required)")
	retryCmd.Flags().StringVar(&retryReason, "reason", "", "Why the run is retried (required)")
	retryCmd.Flags().StringVar(&retryBy, "by", "cli", "Who retried the run")
	_ = retryCmd.MarkFlagRequired("run")
	_ = retryCmd.MarkFlagRequired("reason")

	cancelCmd.Flags().StringVar(&cancelRunID, "run", "", "Run ID to cancel (required)")
	_ = cancelCmd.MarkFlagRequired("run")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)

	opts := pipeline.SyncOptions{
		TriggerType: types.TriggerManual,
		CreatedBy:   syncCreatedBy,
	}
	var err error
	if opts.WindowStart, err = parseTimeFlag("from", syncFrom); err != nil {
		return err
	}
	if opts.WindowEnd, err = parseTimeFlag("to", syncTo); err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{withAgents: true, onProgress: printProgress})
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Syncing challenge %s...\n", syncChallenge)
	res, err := a.orch.RunSyncEvaluation(ctx, syncChallenge, opts)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

func runRetry(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	runID, err := uuid.Parse(retryRunID)
	if err != nil {
		return fmt.Errorf("invalid run ID %q: %w", retryRunID, err)
	}

	a, err := newApp(ctx, appOptions{withAgents: true, onProgress: printProgress})
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Retrying run %s...\n", runID)
	res, err := a.orch.Retry(ctx, runID, retryReason, retryBy)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

func runCancel(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	runID, err := uuid.Parse(cancelRunID)
	if err != nil {
		return fmt.Errorf("invalid run ID %q: %w", cancelRunID, err)
	}

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Cancel(ctx, runID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s canceled\n", runID)
	return nil
}

// parseTimeFlag accepts RFC 3339 timestamps and plain dates (UTC midnight)
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("--%s: %q is neither RFC 3339 nor YYYY-MM-DD", name, value)
}

func printResult(w io.Writer, res *pipeline.SyncResult) error {
	fmt.Fprintf(w, "Run %s succeeded: %d evaluated, %d skipped\n", res.RunID, len(res.Evaluations), res.Skipped)
	if verbose {
		observability.NewPrinter(w).PrintEvaluations(res.Evaluations, res.Skipped)
		return nil
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

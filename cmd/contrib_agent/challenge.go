package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/contrib-evaluator/internal/config"
	"github.com/jonathan/contrib-evaluator/internal/observability"
	"github.com/jonathan/contrib-evaluator/internal/store"
)

var (
	runsChallenge string
	runsLimit     int
	runsShow      string

	closeChallenge string

	seedFile string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the runs of a challenge, or show one run",
	RunE:  runRuns,
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Distribute the reward pool and close a challenge",
	RunE:  runClose,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create or update a challenge from a YAML file",
	Long: `Upsert a challenge with its linked repositories, team and task backlog.
Applying the same file twice leaves the store unchanged.`,
	RunE: runSeed,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func init() {
	runsCmd.Flags().StringVarP(&runsChallenge, "challenge", "c", "", "Challenge ID")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list")
	runsCmd.Flags().StringVar(&runsShow, "run", "", "Show one run with its contribution log")
	runsCmd.MarkFlagsOneRequired("challenge", "run")

	closeCmd.Flags().StringVarP(&closeChallenge, "challenge", "c", "", "Challenge ID (required)")
	_ = closeCmd.MarkFlagRequired("challenge")

	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "Challenge seed file (required)")
	_ = seedCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runRuns(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	if runsShow != "" {
		runID, err := uuid.Parse(runsShow)
		if err != nil {
			return fmt.Errorf("invalid run ID %q: %w", runsShow, err)
		}
		run, err := a.tracker.Get(ctx, runID)
		if err != nil {
			return err
		}
		rows, err := a.tracker.Contributions(ctx, runID)
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintRun(run, rows)
		fmt.Fprintln(w, "CONTRIBUTION\tSTATUS\tNOTES")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.ContributionID, r.Status, r.Notes)
		}
		return nil
	}

	list, err := a.tracker.List(ctx, runsChallenge, runsLimit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "RUN\tSTATUS\tTRIGGER\tCONTRIBUTIONS\tCREATED")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Status, r.TriggerType, r.Meta.ContributionCount, r.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runClose(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{onProgress: printProgress})
	if err != nil {
		return err
	}
	defer a.Close()

	rewards, err := a.orch.ComputeChallengeRewards(ctx, closeChallenge)
	if err != nil {
		return err
	}
	if verbose {
		challenge, err := a.store.GetChallenge(ctx, closeChallenge)
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintRewards(challenge, rewards)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Challenge %s closed\n", closeChallenge)
	fmt.Fprintln(w, "CONTRIBUTION\tUSER\tSCORE\tREWARD")
	for _, r := range rewards {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\n", r.ContributionID, r.UserID, r.Score, r.Reward)
	}
	return nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	seed, err := config.LoadSeed(seedFile)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := store.Seed(ctx, a.store, seed); err != nil {
		return fmt.Errorf("failed to seed challenge %s: %w", seed.ID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded challenge %s: %d repos, %d members, %d tasks\n",
		seed.ID, len(seed.Repos), len(seed.Team), len(seed.Tasks))
	return nil
}

// runMigrate opens the configured store, which applies pending migrations
func runMigrate(cmd *cobra.Command, _ []string) error {
	a, err := newApp(commandContext(cmd), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
	return nil
}

// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, shorten(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// shorten truncates s to n runes, marking the cut with "..."
func shorten(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// PrintEvaluations outputs the contributions evaluated by a run, best first
// in the order given, with their top criteria.
func (p *Printer) PrintEvaluations(evaluated []types.Contribution, skipped int) {
	if len(evaluated) == 0 && skipped == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Evaluated: %d   Skipped: %d\n", len(evaluated), skipped))

	count := min(len(evaluated), maxItemsToShow)
	for i := 0; i < count; i++ {
		c := evaluated[i]
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("#%d  %s [%s]\n", i+1, c.Title, c.Type))
		sb.WriteString(fmt.Sprintf("    User: %s  Commits: %d\n", c.UserID, len(c.CommitShas)))
		if c.Evaluation != nil {
			sb.WriteString(fmt.Sprintf("    Score: %.2f", c.Evaluation.GlobalScore))
			if c.Evaluation.GridVersion != "" {
				sb.WriteString(fmt.Sprintf(" (grid %s)", c.Evaluation.GridVersion))
			}
			sb.WriteString("\n")
			for j, s := range c.Evaluation.Scores {
				if j == 3 {
					sb.WriteString(fmt.Sprintf("    ... and %d more criteria\n", len(c.Evaluation.Scores)-3))
					break
				}
				sb.WriteString(fmt.Sprintf("    • %s: %d\n", s.Criterion, s.Score))
			}
		}
	}
	if len(evaluated) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("\n... and %d more contributions\n", len(evaluated)-maxItemsToShow))
	}

	p.printBox("EVALUATED CONTRIBUTIONS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintRun outputs a run's status and what it did to each contribution.
func (p *Printer) PrintRun(run *types.EvaluationRun, rows []types.RunContribution) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:       %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Challenge: %s\n", run.ChallengeID))
	sb.WriteString(fmt.Sprintf("Status:    %s (%s)\n", run.Status, run.TriggerType))
	if w := run.Window(); w != nil {
		sb.WriteString(fmt.Sprintf("Window:    %s → %s\n", w.Start.Format("2006-01-02 15:04"), w.End.Format("2006-01-02 15:04")))
	}
	if run.RetryOfRunID != nil {
		sb.WriteString(fmt.Sprintf("Retry of:  %s\n", *run.RetryOfRunID))
	}
	if run.ErrorCode != "" {
		sb.WriteString(fmt.Sprintf("Error:     %s: %s\n", run.ErrorCode, run.ErrorMessage))
	}
	if run.Meta.DurationMs > 0 {
		sb.WriteString(fmt.Sprintf("Duration:  %dms\n", run.Meta.DurationMs))
	}

	if len(rows) > 0 {
		counts := make(map[types.RunContributionStatus]int)
		for _, r := range rows {
			counts[r.Status]++
		}
		sb.WriteString("\nContributions:\n")
		for _, status := range []types.RunContributionStatus{
			types.RunContributionIdentified, types.RunContributionMerged,
			types.RunContributionEvaluated, types.RunContributionSkipped,
		} {
			if counts[status] > 0 {
				sb.WriteString(fmt.Sprintf("  • %s: %d\n", status, counts[status]))
			}
		}
	}

	p.printBox("EVALUATION RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintRewards outputs the reward split of a closed challenge.
func (p *Printer) PrintRewards(challenge *types.Challenge, rewards []types.Reward) {
	if challenge == nil {
		return
	}

	var sb strings.Builder
	total := 0
	for _, r := range rewards {
		total += r.Reward
	}
	sb.WriteString(fmt.Sprintf("Challenge: %s\n", challenge.Name))
	sb.WriteString(fmt.Sprintf("Pool:      %d   Distributed: %d\n", challenge.RewardPool, total))

	if len(rewards) == 0 {
		sb.WriteString("\nNo evaluated contributions")
	}
	for i, r := range rewards {
		if i == maxItemsToShow {
			sb.WriteString(fmt.Sprintf("\n... and %d more rewards", len(rewards)-maxItemsToShow))
			break
		}
		sb.WriteString(fmt.Sprintf("\n%-12s %6.2f → %d", r.UserID, r.Score, r.Reward))
	}

	p.printBox("REWARDS", sb.String())
}

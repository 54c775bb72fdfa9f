package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/contrib-evaluator/internal/grid"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

var (
	gridFile string
	gridType string
)

var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Manage evaluation grids",
}

var gridValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a grid file against the schema and weight rules",
	RunE:  runGridValidate,
}

var gridPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a grid file as the active grid of its contribution type",
	RunE:  runGridPublish,
}

var gridShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the grid used for a contribution type",
	RunE:  runGridShow,
}

func init() {
	gridValidateCmd.Flags().StringVarP(&gridFile, "file", "f", "", "Grid JSON file (required)")
	_ = gridValidateCmd.MarkFlagRequired("file")
	gridPublishCmd.Flags().StringVarP(&gridFile, "file", "f", "", "Grid JSON file (required)")
	_ = gridPublishCmd.MarkFlagRequired("file")
	gridShowCmd.Flags().StringVarP(&gridType, "type", "t", "", "Contribution type (required)")
	_ = gridShowCmd.MarkFlagRequired("type")

	gridCmd.AddCommand(gridValidateCmd, gridPublishCmd, gridShowCmd)
	rootCmd.AddCommand(gridCmd)
}

func readGrid(path string) (*types.EvaluationGrid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read grid file: %w", err)
	}
	return grid.Parse(data)
}

func runGridValidate(cmd *cobra.Command, _ []string) error {
	g, err := readGrid(gridFile)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Validation passed: %s grid %s with %d criteria\n",
		g.ContributionType, g.Version, len(grid.Flatten(g)))
	return nil
}

func runGridPublish(cmd *cobra.Command, _ []string) error {
	g, err := readGrid(gridFile)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.grids.Publish(ctx, g); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published %s grid %s\n", g.ContributionType, g.Version)
	return nil
}

func runGridShow(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := a.grids.Resolve(ctx, types.ContributionType(gridType))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal grid: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

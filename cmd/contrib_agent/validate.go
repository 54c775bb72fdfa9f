package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/contrib-evaluator/internal/schemas"
)

var (
	validateSchema string
	validateJSON   string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a JSON file against a schema",
	Long: `Validate a JSON document, such as a recorded agent answer, against one of the
built-in schemas (identify, merge, evaluate, grid) or a JSON Schema file.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateSchema, "schema", "", "Built-in schema name or path to a schema file (required)")
	validateCmd.Flags().StringVar(&validateJSON, "json", "", "Path to the JSON file to validate (required)")
	_ = validateCmd.MarkFlagRequired("schema")
	_ = validateCmd.MarkFlagRequired("json")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	var err error
	switch validateSchema {
	case schemas.Identify, schemas.Merge, schemas.Evaluate, schemas.Grid:
		var data []byte
		data, err = os.ReadFile(validateJSON)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", validateJSON, err)
		}
		err = schemas.Validate(validateSchema, data)
	default:
		err = schemas.ValidateJSON(validateSchema, validateJSON)
	}

	var verr *schemas.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprint(cmd.OutOrStdout(), verr.Error())
		return fmt.Errorf("validation failed")
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Validation passed")
	return nil
}

package schemas

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer"}
	}
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidateJSON_Files(t *testing.T) {
	dir := t.TempDir()
	schemaPath := writeFile(t, dir, "schema.json", personSchema)

	tests := []struct {
		name      string
		content   string
		wantError bool
	}{
		{name: "valid", content: `{"name": "Ada", "age": 36}`},
		{name: "missing required field", content: `{"age": 36}`, wantError: true},
		{name: "wrong type", content: `{"name": "Ada", "age": "old"}`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonPath := writeFile(t, dir, tt.name+".json", tt.content)
			err := ValidateJSON(schemaPath, jsonPath)
			if !tt.wantError {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			validationErr, ok := err.(*ValidationError)
			require.True(t, ok, "error should be ValidationError type")
			assert.Greater(t, len(validationErr.Errors), 0)
		})
	}
}

func TestValidateJSON_NonExistentFiles(t *testing.T) {
	dir := t.TempDir()
	schemaPath := writeFile(t, dir, "schema.json", personSchema)
	jsonPath := writeFile(t, dir, "doc.json", `{"name": "Ada"}`)

	err := ValidateJSON(filepath.Join(dir, "missing_schema.json"), jsonPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	err = ValidateJSON(schemaPath, filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidateJSON_MalformedJSON(t *testing.T) {
	dir := t.TempDir()
	schemaPath := writeFile(t, dir, "schema.json", personSchema)
	malformed := writeFile(t, dir, "malformed.json", "{ invalid json }")

	assert.Error(t, ValidateJSON(schemaPath, malformed))
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Errors: []FieldError{
			{Field: "name", Message: "is required"},
			{Field: "age", Message: "must be a number"},
		},
	}

	errorMsg := err.Error()
	assert.Contains(t, errorMsg, "validation failed")
	assert.Contains(t, errorMsg, "name")
	assert.Contains(t, errorMsg, "age")
}

func TestEmbeddedSchemas_AreValidJSON(t *testing.T) {
	for _, name := range []string{Identify, Merge, Evaluate, Grid} {
		t.Run(name, func(t *testing.T) {
			content, err := Load(name)
			require.NoError(t, err)

			var v map[string]any
			require.NoError(t, json.Unmarshal([]byte(content), &v))
			assert.Equal(t, "object", v["type"])

			// Compiles
			_, err = compile(name)
			assert.NoError(t, err)
		})
	}

	_, err := Load("unknown")
	var loadErr *SchemaLoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestValidate_Identify(t *testing.T) {
	valid := `{"contributions": [{"title": "Parser", "type": "code", "description": "Adds parser",
		"userId": "u1", "commitShas": ["abc"]}]}`
	assert.NoError(t, Validate(Identify, []byte(valid)))

	badType := `{"contributions": [{"title": "Parser", "type": "docs", "description": "d",
		"userId": "u1", "commitShas": ["abc"]}]}`
	assert.Error(t, Validate(Identify, []byte(badType)))

	noShas := `{"contributions": [{"title": "Parser", "type": "code", "description": "d",
		"userId": "u1", "commitShas": []}]}`
	assert.Error(t, Validate(Identify, []byte(noShas)))

	assert.NoError(t, Validate(Identify, []byte(`{"contributions": []}`)))
	assert.Error(t, Validate(Identify, []byte(`{}`)))
}

func TestValidate_Merge(t *testing.T) {
	assert.NoError(t, Validate(Merge, []byte(`{"decisions": [{"index": 0, "oldContributionId": null}]}`)))
	assert.NoError(t, Validate(Merge, []byte(`{"decisions": [{"index": 1, "oldContributionId": "id", "title": "t", "description": "d"}]}`)))
	assert.Error(t, Validate(Merge, []byte(`{"decisions": [{"index": -1}]}`)))
}

func TestValidate_Evaluate(t *testing.T) {
	assert.NoError(t, Validate(Evaluate, []byte(`{"scores": [{"criterion": "tests", "score": 9}]}`)))
	assert.Error(t, Validate(Evaluate, []byte(`{"scores": [{"criterion": "tests", "score": 10}]}`)))
	assert.Error(t, Validate(Evaluate, []byte(`{"scores": [{"criterion": "tests", "score": 4.5}]}`)))
	assert.Error(t, Validate(Evaluate, []byte(`{"scores": []}`)))
}

func TestValidate_MalformedDocument(t *testing.T) {
	assert.Error(t, Validate(Evaluate, []byte(`{"scores": [`)))
}

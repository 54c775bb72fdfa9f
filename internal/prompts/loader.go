// Package prompts holds the embedded prompt templates of the agent stages and
// renders them. Templates use {{.Key}} placeholders; rendering requires data
// for exactly the placeholders a template declares.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

//go:embed *.json
var promptFiles embed.FS

// ID names one template: the embedded file and the key inside it
type ID struct {
	File string
	Key  string
}

func (id ID) String() string {
	return id.File + "#" + id.Key
}

// Templates of the agent stages
var (
	Identify           = ID{File: "identify.json", Key: "identify-contributions"}
	Merge              = ID{File: "merge.json", Key: "merge-contributions"}
	Evaluate           = ID{File: "evaluate.json", Key: "evaluate-contribution"}
	PreviousEvaluation = ID{File: "evaluate.json", Key: "previous-evaluation"}
)

var placeholderRe = regexp.MustCompile(`\{\{\.([A-Za-z][A-Za-z0-9_]*)\}\}`)

// loadAll parses every embedded file once
var loadAll = sync.OnceValues(func() (map[string]map[string]string, error) {
	entries, err := promptFiles.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt files: %w", err)
	}
	files := make(map[string]map[string]string, len(entries))
	for _, e := range entries {
		data, err := promptFiles.ReadFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt file %s: %w", e.Name(), err)
		}
		var templates map[string]string
		if err := json.Unmarshal(data, &templates); err != nil {
			return nil, fmt.Errorf("failed to parse prompt file %s: %w", e.Name(), err)
		}
		files[e.Name()] = templates
	}
	return files, nil
})

// Get returns the raw template of id
func Get(id ID) (string, error) {
	files, err := loadAll()
	if err != nil {
		return "", err
	}
	templates, ok := files[id.File]
	if !ok {
		return "", fmt.Errorf("prompt file %s not found", id.File)
	}
	template, ok := templates[id.Key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found in %s", id.Key, id.File)
	}
	return template, nil
}

// Placeholders returns the distinct placeholder names of a template, sorted
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// Render fills the template of id with data. Every placeholder must have a
// value and every value a placeholder. Values are inserted verbatim; a
// placeholder inside a value is not expanded.
func Render(id ID, data map[string]string) (string, error) {
	template, err := Get(id)
	if err != nil {
		return "", err
	}

	names := Placeholders(template)
	var missing []string
	declared := make(map[string]bool, len(names))
	for _, n := range names {
		declared[n] = true
		if _, ok := data[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("prompt %s: no value for %s", id, strings.Join(missing, ", "))
	}
	var unknown []string
	for k := range data {
		if !declared[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return "", fmt.Errorf("prompt %s: no placeholder for %s", id, strings.Join(unknown, ", "))
	}

	pairs := make([]string, 0, 2*len(names))
	for _, n := range names {
		pairs = append(pairs, "{{."+n+"}}", data[n])
	}
	return strings.NewReplacer(pairs...).Replace(template), nil
}

// MustRender is Render for the built-in templates, whose keys are fixed at
// compile time. It panics on a mismatch.
func MustRender(id ID, data map[string]string) string {
	out, err := Render(id, data)
	if err != nil {
		panic(fmt.Sprintf("failed to render prompt: %v", err))
	}
	return out
}

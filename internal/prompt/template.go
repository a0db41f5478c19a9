// Package prompt renders the context sent to the reasoning service.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value; missing variables are an error.
// {{#if variable}}...{{/if}} blocks are kept only when the variable is non-empty.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := expandConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// expandConditionals resolves {{#if}} blocks innermost first: for each
// {{/if}} the nearest preceding {{#if}} is its opener.
func expandConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}

		openLocs := ifOpenRe.FindAllStringSubmatchIndex(result[:closeIdx], -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		loc := openLocs[len(openLocs)-1]
		openStart, openEnd := loc[0], loc[1]
		name := result[loc[2]:loc[3]]

		var body string
		if vars[name] != "" {
			body = result[openEnd:closeIdx]
		}
		result = result[:openStart] + body + result[closeIdx+len(ifCloseStr):]
	}

	if loc := ifOpenRe.FindString(result); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return result, nil
}

// OverridePath is where a project may replace the built-in decision template,
// relative to its repository root.
const OverridePath = ".steward/decide.md"

// LoadDecideTemplate returns the project's override template when present,
// else the built-in one.
func LoadDecideTemplate(repoPath string) string {
	if repoPath != "" {
		if data, err := os.ReadFile(filepath.Join(repoPath, OverridePath)); err == nil {
			return string(data)
		}
	}
	return decideTemplate
}

// Builtin returns the built-in decision template.
func Builtin() string { return decideTemplate }

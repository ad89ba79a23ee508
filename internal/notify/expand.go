package notify

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholder matches ${name}.
var placeholder = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// MissingAction decides what happens to a placeholder without a value.
type MissingAction int

const (
	// MissingKeep leaves the placeholder in the output.
	MissingKeep MissingAction = iota

	// MissingEmpty replaces the placeholder with "".
	MissingEmpty

	// MissingError fails the expansion.
	MissingError
)

// UndefinedVariableError lists placeholders that had no value.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return "undefined variable: " + e.Names[0]
	}
	return "undefined variables: " + strings.Join(e.Names, ", ")
}

// Expander substitutes ${name} placeholders. It is safe for concurrent use.
type Expander struct {
	missing MissingAction
}

// NewExpander creates an expander with the given missing-value policy.
func NewExpander(missing MissingAction) *Expander {
	return &Expander{missing: missing}
}

// Expand substitutes every placeholder in s with its value from vars.
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	if s == "" {
		return "", nil
	}
	var undefined []string
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := vars[name]; ok {
			return fmt.Sprint(val)
		}
		switch e.missing {
		case MissingEmpty:
			return ""
		case MissingError:
			undefined = append(undefined, name)
		}
		return match
	})
	if len(undefined) > 0 {
		return out, &UndefinedVariableError{Names: undefined}
	}
	return out, nil
}

// Variables returns the placeholder names in s in order of appearance,
// without duplicates.
func Variables(s string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

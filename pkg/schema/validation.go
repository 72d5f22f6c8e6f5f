package schema

import (
	"fmt"
	"strings"
)

// Issue is a single problem found while checking a definition or payload.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Issues collects problems so every one can be reported at once.
type Issues []Issue

// Add records a problem at path.
func (is *Issues) Add(path, format string, args ...any) {
	*is = append(*is, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil when empty, otherwise a VALIDATION_ERROR listing every issue.
func (is Issues) Err(subject string) error {
	if len(is) == 0 {
		return nil
	}
	lines := make([]string, len(is))
	for i, issue := range is {
		lines[i] = issue.String()
	}
	msg := fmt.Sprintf("invalid %s: %s", subject, lines[0])
	if len(is) > 1 {
		msg = fmt.Sprintf("invalid %s: %d issues", subject, len(is))
	}
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"issues": strings.Join(lines, "; ")})
}

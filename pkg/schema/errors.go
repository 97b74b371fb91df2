package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a schema id or version is unknown.
var ErrNotFound = errors.New("schema not found")

// DefinitionError reports a schema that is not well-formed.
type DefinitionError struct {
	Problems []string
}

func (e *DefinitionError) Error() string {
	return "invalid schema: " + strings.Join(e.Problems, "; ")
}

// CompatibilityError is returned by Register when the new version
// violates the compatibility mode against the previous version.
type CompatibilityError struct {
	SchemaID   string
	Mode       string
	Previous   int
	Violations []string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("schema %s is not %s compatible with version %d: %s",
		e.SchemaID, e.Mode, e.Previous, strings.Join(e.Violations, "; "))
}

// ValidationError wraps a failed validation so that callers can tell
// payload problems apart from infrastructure failures.
type ValidationError struct {
	SchemaID string
	Version  int
	Issues   []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		msgs = append(msgs, i.String())
	}
	return fmt.Sprintf("payload invalid for schema %s v%d: %s", e.SchemaID, e.Version, strings.Join(msgs, "; "))
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

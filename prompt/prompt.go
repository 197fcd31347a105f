// Package prompt validates prompt templates against the columns of the input data.
//
// Templates reference columns with {column}; a reference may carry a conversion or
// format spec ({score:.2f}, {name!r}) which is passed through untouched. {{ and }} are
// literal braces.
package prompt

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Error is returned for a template the service would reject
type Error struct {
	Message string
	// Missing lists the referenced columns not present in the data
	Missing []string
}

func (e *Error) Error() string {
	return e.Message
}

// References returns the distinct column names referenced by template, in order of first use
func References(template string) ([]string, error) {
	var refs []string
	for i := 0; i < len(template); i++ {
		switch template[i] {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end == -1 {
				return nil, &Error{Message: "Prompt has an unmatched '{'."}
			}
			field := template[i+1 : i+1+end]
			if name := fieldName(field); name != "" && !slices.Contains(refs, name) {
				refs = append(refs, name)
			}
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				i++
				continue
			}
			return nil, &Error{Message: "Prompt has an unmatched '}'."}
		}
	}
	return refs, nil
}

// fieldName strips any conversion or format spec from a replacement field
func fieldName(field string) string {
	if i := strings.IndexAny(field, "!:"); i != -1 {
		field = field[:i]
	}
	return strings.TrimSpace(field)
}

// Validate checks template is non-empty, references at least one column, and
// that every referenced column exists in columns (case-sensitive)
func Validate(template string, columns []string) error {
	if template == "" {
		return &Error{Message: "Prompt is required."}
	}
	refs, err := References(template)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return &Error{Message: "Prompt requires at least one column reference."}
	}

	var missing []string
	for _, r := range refs {
		if !slices.Contains(columns, r) {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &Error{
			Message: fmt.Sprintf("Column reference(s) not found in data: %s.", strings.Join(missing, ", ")),
			Missing: missing,
		}
	}
	return nil
}

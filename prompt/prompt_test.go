package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		template    string
		columns     []string
		wantMessage string
		wantMissing []string
	}{
		"single column": {
			template: "Analyze this text: {content}",
			columns:  []string{"content", "id"},
		},
		"repeated column": {
			template: "First: {data}, Second: {data}, Third: {other}",
			columns:  []string{"data", "other"},
		},
		"subset of columns": {
			template: "Use only {col1} and {col2}",
			columns:  []string{"col1", "col2", "col3"},
		},
		"format specifiers": {
			template: "Value: {column:.2f} and {other:>10} and {name!r}",
			columns:  []string{"column", "other", "name"},
		},
		"escaped braces": {
			template: "Format: {{content}} and {actual_column}",
			columns:  []string{"actual_column"},
		},
		"empty": {
			template:    "",
			columns:     []string{"content"},
			wantMessage: "Prompt is required.",
		},
		"no reference": {
			template:    "This is a plain text prompt",
			columns:     []string{"content"},
			wantMessage: "Prompt requires at least one column reference.",
		},
		"only escaped braces": {
			template:    "Literal {{content}}",
			columns:     []string{"content"},
			wantMessage: "Prompt requires at least one column reference.",
		},
		"missing columns": {
			template:    "Use {valid} with {missing2} and {missing1}",
			columns:     []string{"valid", "other"},
			wantMessage: "Column reference(s) not found in data: missing1, missing2.",
			wantMissing: []string{"missing1", "missing2"},
		},
		"case sensitive": {
			template:    "Use {Content}",
			columns:     []string{"content"},
			wantMessage: "Column reference(s) not found in data: Content.",
			wantMissing: []string{"Content"},
		},
		"unmatched open": {
			template:    "Use {content",
			columns:     []string{"content"},
			wantMessage: "Prompt has an unmatched '{'.",
		},
		"unmatched close": {
			template:    "Use content}",
			columns:     []string{"content"},
			wantMessage: "Prompt has an unmatched '}'.",
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := Validate(test.template, test.columns)
			if test.wantMessage == "" {
				require.NoError(t, err)
				return
			}
			var promptErr *Error
			require.ErrorAs(t, err, &promptErr)
			assert.Equal(t, test.wantMessage, promptErr.Message)
			assert.Equal(t, test.wantMissing, promptErr.Missing)
		})
	}
}

func TestReferencesOrder(t *testing.T) {
	refs, err := References("{b} {a} {b:.1f} {{c}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, refs)
}

package error_helpers

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
)

// HclDiagsToError joins the error diagnostics into a single error, one "summary: detail (location)" per line
// diagnostics repeating an earlier message for another range are dropped
func HclDiagsToError(prefix string, diags hcl.Diagnostics) error {
	if !diags.HasErrors() {
		return nil
	}
	seen := map[string]bool{}
	var lines []string
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		msg := d.Summary
		if d.Detail != "" {
			msg += ": " + d.Detail
		}
		if seen[msg] {
			continue
		}
		seen[msg] = true
		if d.Subject != nil && d.Subject.Filename != "" {
			msg += fmt.Sprintf(" (%s)", d.Subject.String())
		}
		lines = append(lines, msg)
	}
	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", prefix, lines[0])
	}
	return fmt.Errorf("%s:\n\t%s", prefix, strings.Join(lines, "\n\t"))
}

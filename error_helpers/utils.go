package error_helpers

import (
	"fmt"
	"strings"
)

func allErrorsNil(errs ...error) bool {
	for _, e := range errs {
		if e != nil {
			return false
		}
	}
	return true
}

// CombineErrorsWithPrefix joins the non-nil errors into a single error
// a single error is returned as is (wrapped with the prefix if one is given) so it can still be inspected with errors.As
func CombineErrorsWithPrefix(prefix string, errs ...error) error {
	if allErrorsNil(errs...) {
		return nil
	}

	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}

	if len(nonNil) == 1 {
		if len(prefix) == 0 {
			return nonNil[0]
		}
		return fmt.Errorf("%s - %w", prefix, nonNil[0])
	}

	combinedErrorString := []string{}
	if prefix != "" {
		combinedErrorString = append(combinedErrorString, prefix)
	}
	for _, e := range nonNil {
		combinedErrorString = append(combinedErrorString, e.Error())
	}
	return &combinedError{message: strings.Join(combinedErrorString, "\n\t"), errs: nonNil}
}

// combinedError keeps every joined error reachable by errors.Is and errors.As
type combinedError struct {
	message string
	errs    []error
}

func (e *combinedError) Error() string {
	return e.message
}

func (e *combinedError) Unwrap() []error {
	return e.errs
}

func CombineErrors(errs ...error) error {
	return CombineErrorsWithPrefix("", errs...)
}

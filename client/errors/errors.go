package errors

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// maxListed bounds how many errors are spelled out
const maxListed = 5

func formatError(es []error) string {
	if len(es) == 1 {
		return es[0].Error()
	}

	listed := es
	if len(listed) > maxListed {
		listed = listed[:maxListed]
	}

	points := make([]string, len(listed))
	for i, err := range listed {
		points[i] = err.Error()
	}

	msg := fmt.Sprintf("%d errors occurred: %s", len(es), strings.Join(points, "; "))
	if rest := len(es) - len(listed); rest > 0 {
		msg += fmt.Sprintf("; and %d more", rest)
	}
	return msg
}

// FormatErrorOrNil renders merr on a single line, or returns nil when it holds no errors
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}

package orm

import (
	"errors"
	"fmt"

	"riskdesk/core/riskmatrix"
)

// ErrValidation wraps all pre-persistence input rejections.
var ErrValidation = errors.New("validation failed")

// ApprovalBlockedError is the expected, recoverable refusal to approve a form
// whose highest residual risk is High or Extremely High. It carries the
// blocking level for display.
type ApprovalBlockedError struct {
	Level riskmatrix.Level
}

func (e *ApprovalBlockedError) Error() string {
	return fmt.Sprintf("approval blocked: highest residual risk is %s", e.Level)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

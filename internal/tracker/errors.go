package tracker

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrWalletRequired = errors.New("wallet address is required")
	ErrDuplicateTrade = errors.New("trade already recorded")
	ErrInvalidPeriod  = errors.New("invalid period (expected day|week|month|year|all)")
	ErrInvalidLimit   = errors.New("invalid limit (must be between 1 and 100)")
	ErrUnknownMetric  = errors.New("unknown leaderboard metric")
)

// ValidationError reports a missing or malformed ingestion field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is a caller-input error that should
// map to a 4xx response.
func IsValidationError(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}

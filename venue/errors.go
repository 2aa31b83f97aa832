package venue

import (
	"fmt"

	"fundingarb/apperr"
)

// apperrTransient wraps a venue SDK/network error as a transient failure,
// the kind ExecutionCoordinator keys off to record an order as pending
// rather than failed.
func apperrTransient(venue, op string, cause error) error {
	return apperr.Wrap(apperr.Transient, fmt.Sprintf("%s: %s", venue, op), cause)
}

func apperrNotSupported(venue, symbol string) error {
	return apperr.New(apperr.NotSupported, fmt.Sprintf("%s: %s not listed", venue, symbol))
}

func apperrInternal(venue, op string, cause error) error {
	return apperr.Wrap(apperr.Internal, fmt.Sprintf("%s: %s", venue, op), cause)
}

func apperrValidation(venue, message string) error {
	return apperr.New(apperr.Validation, fmt.Sprintf("%s: %s", venue, message))
}

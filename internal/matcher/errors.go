package matcher

import (
	"errors"
	"fmt"

	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/storage"
)

var (
	ErrInvalidTransition = models.ErrInvalidTransition
	ErrNoCandidates      = errors.New("no drivers available")
	ErrNoViableScore     = errors.New("no viable candidate")
	ErrOfferConflict     = errors.New("offer conflict")
	ErrOfferExpired      = errors.New("offer expired")
	ErrRegionUnresolved  = errors.New("no region determinable")
	ErrDataQuality       = errors.New("data quality issue")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")

	ErrOfferResolved   = fmt.Errorf("%w: offer is no longer pending", ErrInvalidTransition)
	ErrOfferNotExpired = fmt.Errorf("%w: offer has not expired", ErrInvalidTransition)
	ErrAlreadyAssigned = fmt.Errorf("%w: order already assigned", ErrOfferConflict)
)

// FailureReason maps an engine error to a stable string callers can show or
// switch on.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrOfferResolved):
		return "offer_resolved"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNoCandidates):
		return "no_candidates"
	case errors.Is(err, ErrNoViableScore):
		return "no_viable_score"
	case errors.Is(err, ErrOfferConflict):
		return "offer_conflict"
	case errors.Is(err, ErrOfferExpired):
		return "offer_expired"
	case errors.Is(err, ErrRegionUnresolved):
		return "region_unresolved"
	case errors.Is(err, ErrDataQuality):
		return "data_quality"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	}
	return "internal"
}

// storeErr translates persistence errors into engine error kinds.
func storeErr(err error, what, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %s %s: %v", ErrOfferConflict, what, id, err)
	}
	return err
}

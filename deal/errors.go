package deal

import (
	"errors"
	"fmt"

	"tradegate/ledger"
)

// ValidationError reports a malformed request, rejected before any side
// effect.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an absent deal, milestone, participant, or wallet.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func notFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// PreconditionError reports an operation attempted in the wrong state. The
// operation is rejected before any side effect.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return "precondition: " + e.Msg }

func preconditionf(format string, args ...interface{}) error {
	return &PreconditionError{Msg: fmt.Sprintf(format, args...)}
}

// KeyMissingError reports absent signing material for a wallet. Fatal for
// the operation.
type KeyMissingError struct {
	Address string
}

func (e *KeyMissingError) Error() string {
	return fmt.Sprintf("signing material missing for %s", e.Address)
}

// Error kinds exposed to callers for stable machine-readable mapping.
const (
	KindValidation        = "validation"
	KindNotFound          = "not_found"
	KindPrecondition      = "precondition"
	KindLedgerRejected    = "ledger_rejected"
	KindLedgerUnavailable = "ledger_unavailable"
	KindKeyMissing        = "key_material_missing"
	KindInternal          = "internal"
)

// Kind classifies an error into one of the stable kind codes.
func Kind(err error) string {
	var (
		validation   *ValidationError
		missing      *NotFoundError
		precondition *PreconditionError
		keyMissing   *KeyMissingError
		rejected     *ledger.RejectedError
		unavailable  *ledger.UnavailableError
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &missing):
		return KindNotFound
	case errors.As(err, &precondition):
		return KindPrecondition
	case errors.As(err, &keyMissing):
		return KindKeyMissing
	case errors.As(err, &rejected):
		return KindLedgerRejected
	case errors.As(err, &unavailable):
		return KindLedgerUnavailable
	default:
		return KindInternal
	}
}

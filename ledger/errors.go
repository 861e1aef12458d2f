package ledger

import "fmt"

// RejectedError reports a submission that reached the ledger and was refused
// with a terminal result code. The operation's local state must not change.
type RejectedError struct {
	Code string
	Hash string
}

func (e *RejectedError) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("ledger rejected transaction %s: %s", e.Hash, e.Code)
	}
	return fmt.Sprintf("ledger rejected transaction: %s", e.Code)
}

// UnavailableError reports a transport failure or timeout. The outcome on the
// ledger is unknown; callers must re-query before retrying a mutating call.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

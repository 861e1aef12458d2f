package ledger

import (
	"fmt"
	"time"
)

// EpochOffset is the fixed difference between the ledger's clock origin
// (2000-01-01T00:00:00Z) and the Unix epoch.
const EpochOffset int64 = 946684800

const secondsPerDay int64 = 86400

// ToLedgerTime converts a Unix timestamp to ledger seconds.
func ToLedgerTime(unixSeconds int64) int64 {
	return unixSeconds - EpochOffset
}

// FromLedgerTime converts ledger seconds back to a Unix timestamp.
func FromLedgerTime(ledgerSeconds int64) int64 {
	return ledgerSeconds + EpochOffset
}

// Deadlines computes the cancel and finish deadlines for a conditional
// transfer created at now. finishAfter is zero (omitted) when
// finishAfterDays is zero; when both are present cancelAfter must exceed
// finishAfter.
func Deadlines(now time.Time, cancelAfterDays, finishAfterDays int) (cancelAfter, finishAfter int64, err error) {
	if cancelAfterDays <= 0 {
		return 0, 0, fmt.Errorf("cancel deadline must be positive, got %d days", cancelAfterDays)
	}
	if finishAfterDays < 0 {
		return 0, 0, fmt.Errorf("finish deadline must not be negative, got %d days", finishAfterDays)
	}
	base := ToLedgerTime(now.Unix())
	cancelAfter = base + int64(cancelAfterDays)*secondsPerDay
	if finishAfterDays > 0 {
		finishAfter = base + int64(finishAfterDays)*secondsPerDay
		if cancelAfter <= finishAfter {
			return 0, 0, fmt.Errorf("cancel deadline (%d days) must exceed finish deadline (%d days)", cancelAfterDays, finishAfterDays)
		}
	}
	return cancelAfter, finishAfter, nil
}

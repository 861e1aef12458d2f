package ledger

import (
	"testing"
	"time"
)

func TestLedgerTimeRoundTrip(t *testing.T) {
	if got := ToLedgerTime(EpochOffset); got != 0 {
		t.Fatalf("ledger epoch origin should map to 0, got %d", got)
	}
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC).Unix()
	if got := FromLedgerTime(ToLedgerTime(now)); got != now {
		t.Fatalf("round trip mismatch: %d != %d", got, now)
	}
}

func TestDeadlines(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	cancelAfter, finishAfter, err := Deadlines(now, 30, 0)
	if err != nil {
		t.Fatalf("deadlines: %v", err)
	}
	if finishAfter != 0 {
		t.Fatalf("finishAfter should be omitted when finish days is zero, got %d", finishAfter)
	}
	want := ToLedgerTime(now.Unix()) + 30*86400
	if cancelAfter != want {
		t.Fatalf("cancelAfter = %d, want %d", cancelAfter, want)
	}

	cancelAfter, finishAfter, err = Deadlines(now, 30, 7)
	if err != nil {
		t.Fatalf("deadlines: %v", err)
	}
	if finishAfter == 0 || cancelAfter <= finishAfter {
		t.Fatalf("cancelAfter %d must exceed finishAfter %d", cancelAfter, finishAfter)
	}
}

func TestDeadlinesRejectsInvalidWindows(t *testing.T) {
	now := time.Now()
	if _, _, err := Deadlines(now, 0, 0); err == nil {
		t.Fatal("zero cancel window must be rejected")
	}
	if _, _, err := Deadlines(now, 30, -1); err == nil {
		t.Fatal("negative finish window must be rejected")
	}
	if _, _, err := Deadlines(now, 7, 7); err == nil {
		t.Fatal("finish window equal to cancel window must be rejected")
	}
	if _, _, err := Deadlines(now, 7, 10); err == nil {
		t.Fatal("finish window beyond cancel window must be rejected")
	}
}

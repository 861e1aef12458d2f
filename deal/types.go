package deal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DealStatus represents the lifecycle of a deal.
type DealStatus string

const (
	// DealStatusDraft marks deals that have been agreed but not escrowed yet.
	DealStatusDraft DealStatus = "draft"
	// DealStatusFunded marks deals whose milestones are all escrowed on-ledger.
	DealStatusFunded DealStatus = "funded"
	// DealStatusActive marks funded deals with at least one milestone verified
	// or released.
	DealStatusActive DealStatus = "active"
	// DealStatusCompleted marks deals with every milestone released.
	DealStatusCompleted DealStatus = "completed"
	// DealStatusCancelled marks deals abandoned before completion. Escrowed
	// value reverts on-ledger after the cancel deadline.
	DealStatusCancelled DealStatus = "cancelled"
	// DealStatusDisputed marks deals frozen pending out-of-band resolution.
	// Already-released milestones stand.
	DealStatusDisputed DealStatus = "disputed"
)

// Terminal reports whether the status accepts no further transitions.
func (s DealStatus) Terminal() bool {
	return s == DealStatusCompleted || s == DealStatusCancelled
}

// MilestoneStatus represents the state of an individual milestone.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "Pending"
	MilestoneReleased MilestoneStatus = "Released"
	MilestoneDisputed MilestoneStatus = "Disputed"
)

// VerificationStatus represents the facilitator attestation state.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "Pending"
	VerificationVerified VerificationStatus = "Verified"
	VerificationDisputed VerificationStatus = "Disputed"
)

// EscrowStatus represents the local mirror of the ledger object's state.
// Transitions only move forward, never back to created.
type EscrowStatus string

const (
	EscrowCreated   EscrowStatus = "created"
	EscrowFinished  EscrowStatus = "finished"
	EscrowCancelled EscrowStatus = "cancelled"
)

// Participant roles.
const (
	RoleBuyer       = "buyer"
	RoleSupplier    = "supplier"
	RoleFacilitator = "facilitator"
)

// Compliance statuses derived from participant verification.
const (
	ComplianceComplete = "KYC Complete"
	CompliancePending  = "Pending Verification"
)

// ErrInvalidDeal describes malformed deal definitions.
var ErrInvalidDeal = errors.New("deal: invalid deal")

// Wallet holds a provisioned settlement account. The seed is plaintext in
// memory only; the repository seals it before it touches disk.
type Wallet struct {
	ID        string
	Name      string
	Role      string
	Address   string
	Seed      string
	DID       string
	CreatedAt time.Time
}

// Participant is a deal party referenced by its role slot.
type Participant struct {
	ID              string
	Role            string
	Name            string
	LedgerAddress   string
	DecentralizedID string
	Issuer          string
	Verified        bool
}

// Clone returns a copy of the participant.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// MilestoneVerification records the facilitator attestation for a milestone.
// Only present when the deal has a facilitator.
type MilestoneVerification struct {
	Verifier        string
	CredentialLabel string
	Status          VerificationStatus
	VerifiedAt      time.Time
}

func (v *MilestoneVerification) Clone() *MilestoneVerification {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

// EscrowRecord is the local mirror of the on-ledger conditional transfer.
// The fulfillment is the opening held secret until release; the repository
// seals it at rest and it must never be logged.
type EscrowRecord struct {
	Sequence        uint32
	Owner           string
	Destination     string
	Amount          int64
	Condition       string
	Fulfillment     string
	CancelAfter     int64
	FinishAfter     int64
	Status          EscrowStatus
	TransactionHash string
}

func (e *EscrowRecord) Clone() *EscrowRecord {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Milestone is a percentage-weighted tranche of a deal, individually
// escrowed and released in index order.
type Milestone struct {
	ID           string
	Name         string
	Percentage   int
	Amount       int64
	Status       MilestoneStatus
	ReleasedAt   time.Time
	Verification *MilestoneVerification
	Escrow       *EscrowRecord
}

func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Verification = m.Verification.Clone()
	clone.Escrow = m.Escrow.Clone()
	return &clone
}

// Funded reports whether the milestone's escrow exists on-ledger.
func (m *Milestone) Funded() bool {
	return m != nil && m.Escrow != nil && m.Escrow.TransactionHash != "" && m.Escrow.Status != ""
}

// Participants holds the deal's role slots. Participants are referenced, not
// owned; the facilitator slot may be empty.
type Participants struct {
	BuyerID       string
	SupplierID    string
	FacilitatorID string
}

// Deal aggregates milestones under a shared reference and owns their
// lifecycle.
type Deal struct {
	ID                string
	DealReference     string
	Name              string
	Amount            int64
	Currency          string
	SettlementAsset   string
	Status            DealStatus
	Participants      Participants
	Milestones        []*Milestone
	EscrowBalance     int64
	SupplierBalance   int64
	Dispute           bool
	DisputeReason     string
	ComplianceStatus  string
	TransactionHashes []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy so callers never mutate shared state.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Milestones = make([]*Milestone, len(d.Milestones))
	for i, m := range d.Milestones {
		clone.Milestones[i] = m.Clone()
	}
	clone.TransactionHashes = append([]string(nil), d.TransactionHashes...)
	return &clone
}

// Validate ensures the deal aggregate is sane prior to persistence.
func (d *Deal) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: deal must not be nil", ErrInvalidDeal)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidDeal)
	}
	if d.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidDeal)
	}
	if d.Participants.BuyerID == "" || d.Participants.SupplierID == "" {
		return fmt.Errorf("%w: buyer and supplier required", ErrInvalidDeal)
	}
	if d.Participants.BuyerID == d.Participants.SupplierID {
		return fmt.Errorf("%w: buyer and supplier must differ", ErrInvalidDeal)
	}
	if len(d.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrInvalidDeal)
	}
	total := 0
	var amountSum int64
	for i, m := range d.Milestones {
		if m == nil {
			return fmt.Errorf("%w: milestone %d must not be nil", ErrInvalidDeal, i)
		}
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("%w: milestone %d name required", ErrInvalidDeal, i)
		}
		if m.Percentage <= 0 {
			return fmt.Errorf("%w: milestone %d percentage must be positive", ErrInvalidDeal, i)
		}
		total += m.Percentage
		amountSum += m.Amount
	}
	if total != 100 {
		return fmt.Errorf("%w: milestone percentages must sum to 100, got %d", ErrInvalidDeal, total)
	}
	if amountSum != d.Amount {
		return fmt.Errorf("%w: milestone amounts sum to %d, deal amount is %d", ErrInvalidDeal, amountSum, d.Amount)
	}
	return nil
}

// ReleasedTotal sums the amounts of released milestones. Balances are always
// derived from this rather than trusted from incremental counters.
func (d *Deal) ReleasedTotal() int64 {
	var total int64
	for _, m := range d.Milestones {
		if m != nil && m.Status == MilestoneReleased {
			total += m.Amount
		}
	}
	return total
}

// EscrowedTotal sums the amounts of milestones with a live escrow object
// still holding value.
func (d *Deal) EscrowedTotal() int64 {
	var total int64
	for _, m := range d.Milestones {
		if m != nil && m.Funded() && m.Escrow.Status == EscrowCreated {
			total += m.Amount
		}
	}
	return total
}

// AllReleased reports whether every milestone has been released.
func (d *Deal) AllReleased() bool {
	for _, m := range d.Milestones {
		if m == nil || m.Status != MilestoneReleased {
			return false
		}
	}
	return len(d.Milestones) > 0
}

// Credential mirrors an on-ledger identity attestation between an issuer and
// a wallet.
type Credential struct {
	WalletID        string
	IssuerAddress   string
	CredentialType  string
	Accepted        bool
	Expiration      int64
	TransactionHash string
	CreatedAt       time.Time
}

// TransactionLogEntry is an append-only audit record. Entries are never
// mutated or deleted.
type TransactionLogEntry struct {
	ID          string
	DealID      string
	WalletID    string
	Type        string
	Hash        string
	Amount      int64
	FromAddress string
	ToAddress   string
	Status      string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Audit entry types.
const (
	LogWalletCreated       = "wallet_created"
	LogParticipantVerified = "participant_verified"
	LogDealCreated         = "deal_created"
	LogEscrowCreated       = "escrow_created"
	LogDealFunded          = "deal_funded"
	LogMilestoneVerified   = "milestone_verified"
	LogEscrowReleased      = "escrow_released"
	LogDisputeRaised       = "dispute_raised"
	LogDealCancelled       = "deal_cancelled"
)

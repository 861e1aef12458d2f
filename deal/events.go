package deal

import "strconv"

// Event is a deterministic payload describing an externally observable state
// change. Events carry the same attributes for the same input, so downstream
// consumers can de-duplicate on content.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives lifecycle events. The gateway wires metrics and audit
// fan-out through this hook.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

const (
	EventTypeWalletCreated       = "deal.wallet_created"
	EventTypeParticipantVerified = "deal.participant_verified"
	EventTypeDealCreated         = "deal.created"
	EventTypeEscrowCreated       = "deal.escrow_created"
	EventTypeDealFunded          = "deal.funded"
	EventTypeMilestoneVerified   = "deal.milestone_verified"
	EventTypeMilestoneReleased   = "deal.milestone_released"
	EventTypeDealCompleted       = "deal.completed"
	EventTypeDealDisputed        = "deal.disputed"
	EventTypeDealCancelled       = "deal.cancelled"
)

// NewWalletCreatedEvent emits the canonical payload for a provisioned wallet.
func NewWalletCreatedEvent(w *Wallet) Event {
	return Event{Type: EventTypeWalletCreated, Attributes: map[string]string{
		"wallet":  w.ID,
		"address": w.Address,
		"role":    w.Role,
	}}
}

// NewParticipantVerifiedEvent emits the payload for a completed verification
// workflow.
func NewParticipantVerifiedEvent(p *Participant) Event {
	return Event{Type: EventTypeParticipantVerified, Attributes: map[string]string{
		"participant": p.ID,
		"address":     p.LedgerAddress,
		"issuer":      p.Issuer,
	}}
}

// NewDealCreatedEvent emits the payload for a newly created deal.
func NewDealCreatedEvent(d *Deal) Event {
	return newDealEvent(EventTypeDealCreated, d)
}

// NewEscrowCreatedEvent emits the payload for a single milestone escrow
// validated on-ledger during funding.
func NewEscrowCreatedEvent(d *Deal, index int) Event {
	m := d.Milestones[index]
	attrs := map[string]string{
		"deal":      d.ID,
		"reference": d.DealReference,
		"milestone": strconv.Itoa(index),
		"amount":    strconv.FormatInt(m.Amount, 10),
	}
	if m.Escrow != nil {
		attrs["sequence"] = strconv.FormatUint(uint64(m.Escrow.Sequence), 10)
		attrs["tx_hash"] = m.Escrow.TransactionHash
	}
	return Event{Type: EventTypeEscrowCreated, Attributes: attrs}
}

// NewDealFundedEvent emits the payload once every milestone is escrowed.
func NewDealFundedEvent(d *Deal) Event {
	return newDealEvent(EventTypeDealFunded, d)
}

// NewMilestoneVerifiedEvent emits the payload for a facilitator attestation.
func NewMilestoneVerifiedEvent(d *Deal, index int) Event {
	return Event{Type: EventTypeMilestoneVerified, Attributes: map[string]string{
		"deal":      d.ID,
		"reference": d.DealReference,
		"milestone": strconv.Itoa(index),
	}}
}

// NewMilestoneReleasedEvent emits the payload for a released milestone.
func NewMilestoneReleasedEvent(d *Deal, index int) Event {
	m := d.Milestones[index]
	return Event{Type: EventTypeMilestoneReleased, Attributes: map[string]string{
		"deal":      d.ID,
		"reference": d.DealReference,
		"milestone": strconv.Itoa(index),
		"amount":    strconv.FormatInt(m.Amount, 10),
	}}
}

// NewDealCompletedEvent emits the payload when the final milestone releases.
func NewDealCompletedEvent(d *Deal) Event {
	return newDealEvent(EventTypeDealCompleted, d)
}

// NewDealDisputedEvent emits the payload when a dispute freezes a deal.
func NewDealDisputedEvent(d *Deal) Event {
	ev := newDealEvent(EventTypeDealDisputed, d)
	ev.Attributes["reason"] = d.DisputeReason
	return ev
}

// NewDealCancelledEvent emits the payload when a deal is abandoned.
func NewDealCancelledEvent(d *Deal) Event {
	return newDealEvent(EventTypeDealCancelled, d)
}

func newDealEvent(eventType string, d *Deal) Event {
	return Event{Type: eventType, Attributes: map[string]string{
		"deal":      d.ID,
		"reference": d.DealReference,
		"status":    string(d.Status),
		"amount":    strconv.FormatInt(d.Amount, 10),
	}}
}

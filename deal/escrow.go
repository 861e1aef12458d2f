package deal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"tradegate/ledger"
	"tradegate/observability"
)

// FundDeal escrows every milestone in index order. Creations are strictly
// sequential from the buyer's account so ledger sequence numbers never
// collide. Partial progress is persisted after each milestone; re-invoking
// skips milestones whose escrow is already recorded as created.
func (e *Engine) FundDeal(ctx context.Context, dealID string) (*Deal, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, notFound("deal", dealID)
	}
	if d.Status == DealStatusFunded {
		return nil, preconditionf("deal %s is already funded", dealID)
	}
	if d.Status != DealStatusDraft {
		return nil, preconditionf("deal %s cannot be funded from %s", dealID, d.Status)
	}

	buyer, supplier, err := e.dealParties(ctx, d)
	if err != nil {
		return nil, err
	}
	seed, err := e.signingSeed(ctx, buyer.LedgerAddress)
	if err != nil {
		return nil, err
	}

	state, err := e.client.AccountState(ctx, buyer.LedgerAddress)
	if err != nil {
		return nil, fmt.Errorf("query buyer account: %w", err)
	}
	var remaining int64
	for _, m := range d.Milestones {
		if !m.Funded() {
			remaining += m.Amount
		}
	}
	balance, err := strconv.ParseInt(state.Balance, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse buyer balance %q: %w", state.Balance, err)
	}
	if balance < remaining {
		return nil, preconditionf("buyer balance %d cannot cover remaining escrow total %d", balance, remaining)
	}

	for i, m := range d.Milestones {
		if m.Funded() {
			// Already created in a previous attempt; never re-create.
			continue
		}
		cancelAfter, finishAfter, err := ledger.Deadlines(e.now(), e.cancelAfterDays, e.finishAfterDays)
		if err != nil {
			return nil, validationf("deadline configuration: %v", err)
		}
		res, err := e.client.SubmitAndConfirm(ctx, ledger.TxIntent{
			Type:        ledger.TxEscrowCreate,
			Account:     buyer.LedgerAddress,
			Destination: supplier.LedgerAddress,
			Amount:      strconv.FormatInt(m.Amount, 10),
			Condition:   m.Escrow.Condition,
			CancelAfter: cancelAfter,
			FinishAfter: finishAfter,
			Memo:        d.DealReference + ":" + m.ID,
			SigningSeed: seed,
		})
		if err != nil {
			// Milestones created so far stay recorded; the caller re-invokes
			// to resume. A timeout is an unknown outcome and requires a
			// ledger re-query before retrying this milestone.
			return nil, fmt.Errorf("fund milestone %d: %w", i, err)
		}

		m.Escrow.Sequence = res.Sequence
		m.Escrow.Owner = buyer.LedgerAddress
		m.Escrow.Destination = supplier.LedgerAddress
		m.Escrow.CancelAfter = cancelAfter
		m.Escrow.FinishAfter = finishAfter
		m.Escrow.Status = EscrowCreated
		m.Escrow.TransactionHash = res.Hash
		d.TransactionHashes = append(d.TransactionHashes, res.Hash)
		d.UpdatedAt = e.now()
		if err := e.store.UpdateDeal(ctx, d); err != nil {
			return nil, fmt.Errorf("persist funding progress: %w", err)
		}
		if err := e.appendLog(ctx, &TransactionLogEntry{
			DealID:      d.ID,
			Type:        LogEscrowCreated,
			Hash:        res.Hash,
			Amount:      m.Amount,
			FromAddress: buyer.LedgerAddress,
			ToAddress:   supplier.LedgerAddress,
			Status:      "confirmed",
			Metadata: map[string]string{
				"milestone": strconv.Itoa(i),
				"sequence":  strconv.FormatUint(uint64(res.Sequence), 10),
			},
		}); err != nil {
			return nil, fmt.Errorf("append audit log: %w", err)
		}
		e.emit(NewEscrowCreatedEvent(d, i))
		observability.Deals().RecordEscrowCreated()
	}

	d.Status = DealStatusFunded
	e.syncBalances(ctx, d)
	d.UpdatedAt = e.now()
	if err := e.store.UpdateDeal(ctx, d); err != nil {
		return nil, fmt.Errorf("persist deal: %w", err)
	}
	if err := e.appendLog(ctx, &TransactionLogEntry{
		DealID: d.ID,
		Type:   LogDealFunded,
		Amount: d.EscrowBalance,
		Status: string(DealStatusFunded),
	}); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	e.emit(NewDealFundedEvent(d))
	observability.Deals().RecordTransition(string(DealStatusFunded))
	e.log.InfoContext(ctx, "deal funded",
		slog.String("deal", d.ID),
		slog.Int64("escrowed", d.EscrowBalance),
	)
	return d.Clone(), nil
}

// ReleaseMilestone finalizes a milestone's escrow by revealing the opening.
// All preconditions are checked before any ledger call; a ledger failure
// leaves local state untouched.
func (e *Engine) ReleaseMilestone(ctx context.Context, dealID string, index int) (*Deal, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, notFound("deal", dealID)
	}
	if index < 0 || index >= len(d.Milestones) {
		return nil, notFound("milestone", fmt.Sprintf("%s[%d]", dealID, index))
	}
	if d.Dispute {
		return nil, preconditionf("deal %s is disputed", dealID)
	}
	if d.Status != DealStatusFunded && d.Status != DealStatusActive {
		return nil, preconditionf("deal %s cannot release from %s", dealID, d.Status)
	}
	m := d.Milestones[index]
	if m.Status == MilestoneReleased {
		return nil, preconditionf("milestone %d is already released", index)
	}
	if index > 0 && d.Milestones[index-1].Status != MilestoneReleased {
		return nil, preconditionf("milestone %d cannot release before milestone %d", index, index-1)
	}
	if !m.Funded() || m.Escrow.Status != EscrowCreated {
		return nil, preconditionf("milestone %d has no live escrow", index)
	}
	if m.Escrow.Fulfillment == "" {
		return nil, &KeyMissingError{Address: m.Escrow.Owner}
	}
	if !ledger.VerifyFulfillment(m.Escrow.Condition, m.Escrow.Fulfillment) {
		return nil, preconditionf("milestone %d fulfillment does not satisfy its condition", index)
	}
	seed, err := e.signingSeed(ctx, m.Escrow.Owner)
	if err != nil {
		return nil, err
	}

	res, err := e.client.SubmitAndConfirm(ctx, ledger.TxIntent{
		Type:        ledger.TxEscrowFinish,
		Account:     m.Escrow.Owner,
		Owner:       m.Escrow.Owner,
		OfferSeq:    m.Escrow.Sequence,
		Condition:   m.Escrow.Condition,
		Fulfillment: m.Escrow.Fulfillment,
		SigningSeed: seed,
	})
	if err != nil {
		return nil, fmt.Errorf("release milestone %d: %w", index, err)
	}

	now := e.now()
	m.Status = MilestoneReleased
	m.ReleasedAt = now
	m.Escrow.Status = EscrowFinished
	m.Escrow.TransactionHash = res.Hash
	d.TransactionHashes = append(d.TransactionHashes, res.Hash)
	e.syncBalances(ctx, d)
	if d.AllReleased() {
		d.Status = DealStatusCompleted
	} else {
		d.Status = DealStatusActive
	}
	d.UpdatedAt = now

	if err := e.store.UpdateDeal(ctx, d); err != nil {
		return nil, fmt.Errorf("persist deal: %w", err)
	}
	if err := e.appendLog(ctx, &TransactionLogEntry{
		DealID:      d.ID,
		Type:        LogEscrowReleased,
		Hash:        res.Hash,
		Amount:      m.Amount,
		FromAddress: m.Escrow.Owner,
		ToAddress:   m.Escrow.Destination,
		Status:      "confirmed",
		Metadata: map[string]string{
			"milestone": strconv.Itoa(index),
			"sequence":  strconv.FormatUint(uint64(m.Escrow.Sequence), 10),
		},
	}); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	e.emit(NewMilestoneReleasedEvent(d, index))
	observability.Deals().RecordRelease()
	observability.Deals().RecordTransition(string(d.Status))
	if d.Status == DealStatusCompleted {
		e.emit(NewDealCompletedEvent(d))
	}
	e.log.InfoContext(ctx, "milestone released",
		slog.String("deal", d.ID),
		slog.Int("milestone", index),
		slog.Int64("amount", m.Amount),
	)
	return d.Clone(), nil
}

// GetEscrowStatus is a read-only passthrough to the ledger's settlement
// object query. A missing entry returns (nil, nil).
func (e *Engine) GetEscrowStatus(ctx context.Context, owner string, sequence uint32) (*ledger.EscrowEntry, error) {
	return e.client.EscrowEntry(ctx, owner, sequence)
}

// dealParties resolves the buyer and supplier participants.
func (e *Engine) dealParties(ctx context.Context, d *Deal) (buyer, supplier *Participant, err error) {
	buyer, err = e.store.GetParticipant(ctx, d.Participants.BuyerID)
	if err != nil {
		return nil, nil, err
	}
	if buyer == nil {
		return nil, nil, notFound("participant", d.Participants.BuyerID)
	}
	supplier, err = e.store.GetParticipant(ctx, d.Participants.SupplierID)
	if err != nil {
		return nil, nil, err
	}
	if supplier == nil {
		return nil, nil, notFound("participant", d.Participants.SupplierID)
	}
	return buyer, supplier, nil
}

// signingSeed loads the wallet seed for an address from the repository.
func (e *Engine) signingSeed(ctx context.Context, address string) (string, error) {
	w, err := e.store.GetWalletByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	if w == nil || w.Seed == "" {
		return "", &KeyMissingError{Address: address}
	}
	return w.Seed, nil
}

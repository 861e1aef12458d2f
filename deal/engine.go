package deal

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradegate/crypto"
	"tradegate/ledger"
	"tradegate/observability"
)

// Trustline describes the settlement asset line provisioned for new wallets.
type Trustline struct {
	Currency string
	Issuer   string
	Limit    string
}

// Engine owns the deal and milestone lifecycles. All mutating operations
// assume at most one in-flight call per deal; the calling layer provides
// that serialization.
type Engine struct {
	store   Store
	client  ledger.Client
	emitter Emitter
	log     *slog.Logger
	now     func() time.Time

	cancelAfterDays int
	finishAfterDays int
	faucetEnabled   bool
	trustline       *Trustline
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter wires a lifecycle event sink.
func WithEmitter(emitter Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithClock overrides the time source, used by tests for determinism.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithDeadlines overrides the default escrow deadline windows.
func WithDeadlines(cancelAfterDays, finishAfterDays int) Option {
	return func(e *Engine) {
		e.cancelAfterDays = cancelAfterDays
		e.finishAfterDays = finishAfterDays
	}
}

// WithFaucet enables test-net faucet funding during wallet provisioning.
func WithFaucet(enabled bool) Option {
	return func(e *Engine) {
		e.faucetEnabled = enabled
	}
}

// WithTrustline provisions a settlement asset trustline for new wallets.
func WithTrustline(currency, issuer, limit string) Option {
	return func(e *Engine) {
		e.trustline = &Trustline{Currency: currency, Issuer: issuer, Limit: limit}
	}
}

// NewEngine constructs an engine over the supplied repository and ledger
// client. Both collaborators are injected; the engine never reaches for
// ambient global state.
func NewEngine(store Store, client ledger.Client, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("deal: nil store")
	}
	if client == nil {
		return nil, fmt.Errorf("deal: nil ledger client")
	}
	engine := &Engine{
		store:           store,
		client:          client,
		emitter:         NoopEmitter{},
		log:             slog.Default(),
		now:             time.Now,
		cancelAfterDays: 30,
		finishAfterDays: 0,
	}
	for _, opt := range opts {
		opt(engine)
	}
	if _, _, err := ledger.Deadlines(engine.now(), engine.cancelAfterDays, engine.finishAfterDays); err != nil {
		return nil, fmt.Errorf("deal: %w", err)
	}
	return engine, nil
}

func (e *Engine) emit(ev Event) {
	e.emitter.Emit(ev)
}

func (e *Engine) appendLog(ctx context.Context, entry *TransactionLogEntry) error {
	entry.ID = uuid.NewString()
	entry.CreatedAt = e.now()
	return e.store.AppendLog(ctx, entry)
}

// CreateWallet provisions a settlement wallet and its participant record,
// funding it from the faucet and provisioning the trustline and identity
// document when configured.
func (e *Engine) CreateWallet(ctx context.Context, name, role string) (*Wallet, *Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, validationf("wallet name required")
	}
	switch role {
	case RoleBuyer, RoleSupplier, RoleFacilitator:
	default:
		return nil, nil, validationf("unknown role %q", role)
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate wallet key: %w", err)
	}
	address := key.PubKey().Address().String()
	seed := hex.EncodeToString(key.Bytes())

	if e.faucetEnabled {
		if _, err := e.client.FundWallet(ctx, address); err != nil {
			return nil, nil, fmt.Errorf("fund wallet: %w", err)
		}
	}
	if e.trustline != nil {
		_, err := e.client.SubmitAndConfirm(ctx, ledger.TxIntent{
			Type:        ledger.TxTrustSet,
			Account:     address,
			Currency:    e.trustline.Currency,
			Issuer:      e.trustline.Issuer,
			Limit:       e.trustline.Limit,
			SigningSeed: seed,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("provision trustline: %w", err)
		}
	}

	did := "did:tg:" + address
	didRes, err := e.client.SubmitAndConfirm(ctx, ledger.TxIntent{
		Type:        ledger.TxDIDSet,
		Account:     address,
		DIDDocument: did,
		SigningSeed: seed,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("set identity document: %w", err)
	}
	wallet := &Wallet{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		Address:   address,
		Seed:      seed,
		DID:       did,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateWallet(ctx, wallet); err != nil {
		return nil, nil, fmt.Errorf("persist wallet: %w", err)
	}
	participant := &Participant{
		ID:              uuid.NewString(),
		Role:            role,
		Name:            name,
		LedgerAddress:   address,
		DecentralizedID: did,
	}
	if err := e.store.CreateParticipant(ctx, participant); err != nil {
		return nil, nil, fmt.Errorf("persist participant: %w", err)
	}
	if err := e.appendLog(ctx, &TransactionLogEntry{
		WalletID:  wallet.ID,
		Type:      LogWalletCreated,
		Hash:      didRes.Hash,
		ToAddress: address,
		Status:    "confirmed",
		Metadata:  map[string]string{"role": role, "did": did},
	}); err != nil {
		return nil, nil, fmt.Errorf("append audit log: %w", err)
	}
	e.emit(NewWalletCreatedEvent(wallet))
	e.log.InfoContext(ctx, "wallet provisioned",
		slog.String("address", address),
		slog.String("role", role),
	)
	return wallet, participant, nil
}

// MilestoneInput describes one tranche of a new deal.
type MilestoneInput struct {
	Name       string
	Percentage int
}

// CreateDealRequest carries the parameters for CreateDeal.
type CreateDealRequest struct {
	Name            string
	Amount          int64
	Currency        string
	SettlementAsset string
	BuyerID         string
	SupplierID      string
	FacilitatorID   string
	Milestones      []MilestoneInput
}

// CreateDeal validates the request, pre-generates a condition per milestone,
// and persists the deal in draft.
func (e *Engine) CreateDeal(ctx context.Context, req CreateDealRequest) (*Deal, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, validationf("deal name required")
	}
	if req.Amount <= 0 {
		return nil, validationf("deal amount must be positive, got %d", req.Amount)
	}
	if len(req.Milestones) == 0 {
		return nil, validationf("at least one milestone required")
	}
	total := 0
	for i, m := range req.Milestones {
		if strings.TrimSpace(m.Name) == "" {
			return nil, validationf("milestone %d name required", i)
		}
		if m.Percentage <= 0 {
			return nil, validationf("milestone %d percentage must be positive", i)
		}
		total += m.Percentage
	}
	if total != 100 {
		return nil, validationf("milestone percentages must sum to 100, got %d", total)
	}
	if req.BuyerID == req.SupplierID {
		return nil, validationf("buyer and supplier must differ")
	}

	buyer, err := e.store.GetParticipant(ctx, req.BuyerID)
	if err != nil {
		return nil, err
	}
	if buyer == nil {
		return nil, notFound("participant", req.BuyerID)
	}
	supplier, err := e.store.GetParticipant(ctx, req.SupplierID)
	if err != nil {
		return nil, err
	}
	if supplier == nil {
		return nil, notFound("participant", req.SupplierID)
	}
	var facilitator *Participant
	if req.FacilitatorID != "" {
		facilitator, err = e.store.GetParticipant(ctx, req.FacilitatorID)
		if err != nil {
			return nil, err
		}
		if facilitator == nil {
			return nil, notFound("participant", req.FacilitatorID)
		}
	}

	reference, err := e.store.NextDealReference(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate deal reference: %w", err)
	}

	milestones := make([]*Milestone, len(req.Milestones))
	var allocated int64
	for i, input := range req.Milestones {
		amount := req.Amount * int64(input.Percentage) / 100
		if i == len(req.Milestones)-1 {
			// The final tranche absorbs integer rounding so the amounts
			// always sum to the deal total.
			amount = req.Amount - allocated
		}
		allocated += amount
		pair, err := ledger.GenerateCondition()
		if err != nil {
			return nil, fmt.Errorf("generate milestone condition: %w", err)
		}
		milestone := &Milestone{
			ID:         uuid.NewString(),
			Name:       input.Name,
			Percentage: input.Percentage,
			Amount:     amount,
			Status:     MilestonePending,
			Escrow: &EscrowRecord{
				Owner:       buyer.LedgerAddress,
				Destination: supplier.LedgerAddress,
				Amount:      amount,
				Condition:   pair.Condition,
				Fulfillment: pair.Fulfillment,
			},
		}
		if facilitator != nil {
			milestone.Verification = &MilestoneVerification{
				Verifier:        facilitator.LedgerAddress,
				CredentialLabel: credentialTypeBusiness,
				Status:          VerificationPending,
			}
		}
		milestones[i] = milestone
	}

	compliance := CompliancePending
	if buyer.Verified && supplier.Verified {
		compliance = ComplianceComplete
	}

	now := e.now()
	d := &Deal{
		ID:              uuid.NewString(),
		DealReference:   reference,
		Name:            strings.TrimSpace(req.Name),
		Amount:          req.Amount,
		Currency:        req.Currency,
		SettlementAsset: req.SettlementAsset,
		Status:          DealStatusDraft,
		Participants: Participants{
			BuyerID:       buyer.ID,
			SupplierID:    supplier.ID,
			FacilitatorID: req.FacilitatorID,
		},
		Milestones:       milestones,
		ComplianceStatus: compliance,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := d.Validate(); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	if err := e.store.CreateDeal(ctx, d); err != nil {
		return nil, fmt.Errorf("persist deal: %w", err)
	}
	if err := e.appendLog(ctx, &TransactionLogEntry{
		DealID: d.ID,
		Type:   LogDealCreated,
		Amount: d.Amount,
		Status: string(DealStatusDraft),
		Metadata: map[string]string{
			"reference":  reference,
			"milestones": fmt.Sprintf("%d", len(milestones)),
		},
	}); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	e.emit(NewDealCreatedEvent(d))
	observability.Deals().RecordTransition(string(DealStatusDraft))
	e.log.InfoContext(ctx, "deal created",
		slog.String("deal", d.ID),
		slog.String("status", string(d.Status)),
	)
	return d.Clone(), nil
}

// GetDeal returns a deep copy of the deal.
func (e *Engine) GetDeal(ctx context.Context, id string) (*Deal, error) {
	d, err := e.store.GetDeal(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, notFound("deal", id)
	}
	return d.Clone(), nil
}

// ListDeals returns all deals.
func (e *Engine) ListDeals(ctx context.Context) ([]*Deal, error) {
	return e.store.ListDeals(ctx)
}

// ListParticipants returns every registered participant.
func (e *Engine) ListParticipants(ctx context.Context) ([]*Participant, error) {
	return e.store.ListParticipants(ctx)
}

// ListDealsByParticipant returns the deals referencing the participant in
// any role slot.
func (e *Engine) ListDealsByParticipant(ctx context.Context, participantID string) ([]*Deal, error) {
	return e.store.ListDealsByParticipant(ctx, participantID)
}

// DealHistory returns the append-only audit trail for a deal.
func (e *Engine) DealHistory(ctx context.Context, dealID string) ([]*TransactionLogEntry, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, notFound("deal", dealID)
	}
	return e.store.LogByDeal(ctx, dealID)
}

// WalletHistory returns the audit trail for a wallet.
func (e *Engine) WalletHistory(ctx context.Context, walletID string) ([]*TransactionLogEntry, error) {
	w, err := e.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, notFound("wallet", walletID)
	}
	return e.store.LogByWallet(ctx, walletID)
}

// DisputeDeal freezes all pending milestones and marks the deal disputed.
// Released milestones and their escrow objects are left untouched; partial
// settlement stands.
func (e *Engine) DisputeDeal(ctx context.Context, dealID, reason string) (*Deal, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationf("dispute reason required")
	}
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, notFound("deal", dealID)
	}
	if d.Status.Terminal() {
		return nil, preconditionf("deal %s is %s", dealID, d.Status)
	}
	if d.Dispute {
		return nil, preconditionf("deal %s is already disputed", dealID)
	}

	for _, m := range d.Milestones {
		if m.Status == MilestonePending {
			m.Status = MilestoneDisputed
		}
		if m.Verification != nil && m.Verification.Status == VerificationPending {
			m.Verification.Status = VerificationDisputed
		}
	}
	d.Dispute = true
	d.DisputeReason = strings.TrimSpace(reason)
	d.Status = DealStatusDisputed
	d.UpdatedAt = e.now()

	if err := e.store.UpdateDeal(ctx, d); err != nil {
		return nil, fmt.Errorf("persist deal: %w", err)
	}
	if err := e.appendLog(ctx, &TransactionLogEntry{
		DealID:   d.ID,
		Type:     LogDisputeRaised,
		Status:   string(DealStatusDisputed),
		Metadata: map[string]string{"reason": d.DisputeReason},
	}); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	e.emit(NewDealDisputedEvent(d))
	observability.Deals().RecordTransition(string(DealStatusDisputed))
	e.log.WarnContext(ctx, "deal disputed",
		slog.String("deal", d.ID),
		slog.String("reason", d.DisputeReason),
	)
	return d.Clone(), nil
}

// CancelDeal abandons a deal before any milestone releases. Escrowed value,
// if any, reverts on-ledger once the cancel deadline passes.
func (e *Engine) CancelDeal(ctx context.Context, dealID string) (*Deal, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, notFound("deal", dealID)
	}
	if d.Status != DealStatusDraft && d.Status != DealStatusFunded {
		return nil, preconditionf("deal %s cannot be cancelled from %s", dealID, d.Status)
	}

	d.Status = DealStatusCancelled
	d.UpdatedAt = e.now()
	if err := e.store.UpdateDeal(ctx, d); err != nil {
		return nil, fmt.Errorf("persist deal: %w", err)
	}
	if err := e.appendLog(ctx, &TransactionLogEntry{
		DealID: d.ID,
		Type:   LogDealCancelled,
		Status: string(DealStatusCancelled),
	}); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	e.emit(NewDealCancelledEvent(d))
	observability.Deals().RecordTransition(string(DealStatusCancelled))
	return d.Clone(), nil
}

// syncBalances derives the balance counters from milestone state. Stored
// counters are a cache; divergence is logged as a consistency fault and the
// derived values win.
func (e *Engine) syncBalances(ctx context.Context, d *Deal) {
	released := d.ReleasedTotal()
	escrowed := d.EscrowedTotal()
	if d.SupplierBalance != released || d.EscrowBalance != escrowed {
		if d.SupplierBalance != 0 || d.EscrowBalance != 0 {
			e.log.WarnContext(ctx, "balance counters diverged from milestone state",
				slog.String("deal", d.ID),
				slog.Int64("stored_supplier", d.SupplierBalance),
				slog.Int64("derived_supplier", released),
				slog.Int64("stored_escrow", d.EscrowBalance),
				slog.Int64("derived_escrow", escrowed),
			)
		}
	}
	d.SupplierBalance = released
	d.EscrowBalance = escrowed
}

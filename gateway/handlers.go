package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tradegate/deal"
)

// Response shapes are explicit so wallet seeds and escrow fulfillments can
// never leak through serialization.

type walletResponse struct {
	WalletID      string    `json:"walletId"`
	ParticipantID string    `json:"participantId"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	Address       string    `json:"address"`
	DID           string    `json:"did,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type participantResponse struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	Name          string `json:"name"`
	LedgerAddress string `json:"ledgerAddress"`
	Issuer        string `json:"issuer,omitempty"`
	Verified      bool   `json:"verified"`
}

type verificationResponse struct {
	Verifier   string    `json:"verifier"`
	Status     string    `json:"status"`
	VerifiedAt time.Time `json:"verifiedAt,omitempty"`
}

type escrowResponse struct {
	Sequence        uint32 `json:"sequence"`
	Owner           string `json:"owner"`
	Destination     string `json:"destination"`
	Amount          int64  `json:"amount"`
	Condition       string `json:"condition"`
	CancelAfter     int64  `json:"cancelAfter,omitempty"`
	FinishAfter     int64  `json:"finishAfter,omitempty"`
	Status          string `json:"status,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

type milestoneResponse struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Percentage   int                   `json:"percentage"`
	Amount       int64                 `json:"amount"`
	Status       string                `json:"status"`
	ReleasedAt   *time.Time            `json:"releasedAt,omitempty"`
	Verification *verificationResponse `json:"verification,omitempty"`
	Escrow       *escrowResponse       `json:"escrow,omitempty"`
}

type dealResponse struct {
	ID                string              `json:"id"`
	DealReference     string              `json:"dealReference"`
	Name              string              `json:"name"`
	Amount            int64               `json:"amount"`
	Currency          string              `json:"currency,omitempty"`
	SettlementAsset   string              `json:"settlementAsset,omitempty"`
	Status            string              `json:"status"`
	BuyerID           string              `json:"buyerId"`
	SupplierID        string              `json:"supplierId"`
	FacilitatorID     string              `json:"facilitatorId,omitempty"`
	Milestones        []milestoneResponse `json:"milestones"`
	EscrowBalance     int64               `json:"escrowBalance"`
	SupplierBalance   int64               `json:"supplierBalance"`
	Dispute           bool                `json:"dispute"`
	DisputeReason     string              `json:"disputeReason,omitempty"`
	ComplianceStatus  string              `json:"complianceStatus,omitempty"`
	TransactionHashes []string            `json:"transactionHashes,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

type logEntryResponse struct {
	ID          string            `json:"id"`
	DealID      string            `json:"dealId,omitempty"`
	WalletID    string            `json:"walletId,omitempty"`
	Type        string            `json:"type"`
	Hash        string            `json:"hash,omitempty"`
	Amount      int64             `json:"amount,omitempty"`
	FromAddress string            `json:"fromAddress,omitempty"`
	ToAddress   string            `json:"toAddress,omitempty"`
	Status      string            `json:"status,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func participantView(p *deal.Participant) participantResponse {
	return participantResponse{
		ID:            p.ID,
		Role:          p.Role,
		Name:          p.Name,
		LedgerAddress: p.LedgerAddress,
		Issuer:        p.Issuer,
		Verified:      p.Verified,
	}
}

func dealView(d *deal.Deal) dealResponse {
	resp := dealResponse{
		ID:                d.ID,
		DealReference:     d.DealReference,
		Name:              d.Name,
		Amount:            d.Amount,
		Currency:          d.Currency,
		SettlementAsset:   d.SettlementAsset,
		Status:            string(d.Status),
		BuyerID:           d.Participants.BuyerID,
		SupplierID:        d.Participants.SupplierID,
		FacilitatorID:     d.Participants.FacilitatorID,
		EscrowBalance:     d.EscrowBalance,
		SupplierBalance:   d.SupplierBalance,
		Dispute:           d.Dispute,
		DisputeReason:     d.DisputeReason,
		ComplianceStatus:  d.ComplianceStatus,
		TransactionHashes: d.TransactionHashes,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
	resp.Milestones = make([]milestoneResponse, len(d.Milestones))
	for i, m := range d.Milestones {
		view := milestoneResponse{
			ID:         m.ID,
			Name:       m.Name,
			Percentage: m.Percentage,
			Amount:     m.Amount,
			Status:     string(m.Status),
		}
		if !m.ReleasedAt.IsZero() {
			released := m.ReleasedAt
			view.ReleasedAt = &released
		}
		if m.Verification != nil {
			view.Verification = &verificationResponse{
				Verifier:   m.Verification.Verifier,
				Status:     string(m.Verification.Status),
				VerifiedAt: m.Verification.VerifiedAt,
			}
		}
		if m.Escrow != nil {
			view.Escrow = &escrowResponse{
				Sequence:        m.Escrow.Sequence,
				Owner:           m.Escrow.Owner,
				Destination:     m.Escrow.Destination,
				Amount:          m.Escrow.Amount,
				Condition:       m.Escrow.Condition,
				CancelAfter:     m.Escrow.CancelAfter,
				FinishAfter:     m.Escrow.FinishAfter,
				Status:          string(m.Escrow.Status),
				TransactionHash: m.Escrow.TransactionHash,
			}
		}
		resp.Milestones[i] = view
	}
	return resp
}

func logView(entries []*deal.TransactionLogEntry) []logEntryResponse {
	out := make([]logEntryResponse, len(entries))
	for i, entry := range entries {
		out[i] = logEntryResponse{
			ID:          entry.ID,
			DealID:      entry.DealID,
			WalletID:    entry.WalletID,
			Type:        entry.Type,
			Hash:        entry.Hash,
			Amount:      entry.Amount,
			FromAddress: entry.FromAddress,
			ToAddress:   entry.ToAddress,
			Status:      entry.Status,
			Metadata:    entry.Metadata,
			CreatedAt:   entry.CreatedAt,
		}
	}
	return out
}

type createWalletRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request, _ *Principal, body []byte) {
	var req createWalletRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	wallet, participant, err := s.engine.CreateWallet(r.Context(), req.Name, req.Role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, walletResponse{
		WalletID:      wallet.ID,
		ParticipantID: participant.ID,
		Name:          wallet.Name,
		Role:          wallet.Role,
		Address:       wallet.Address,
		DID:           wallet.DID,
		CreatedAt:     wallet.CreatedAt,
	})
}

type verifyParticipantRequest struct {
	IssuerID  string `json:"issuerId"`
	SubjectID string `json:"subjectId"`
}

func (s *Server) handleVerifyParticipant(w http.ResponseWriter, r *http.Request, _ *Principal, body []byte) {
	var req verifyParticipantRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	participant, err := s.engine.VerifyParticipant(r.Context(), req.IssuerID, req.SubjectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participantView(participant))
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	participants, err := s.engine.ListParticipants(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]participantResponse, 0, len(participants))
	for _, p := range participants {
		out = append(out, participantView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type createDealRequest struct {
	Name            string `json:"name"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	SettlementAsset string `json:"settlementAsset"`
	BuyerID         string `json:"buyerId"`
	SupplierID      string `json:"supplierId"`
	FacilitatorID   string `json:"facilitatorId"`
	Milestones      []struct {
		Name       string `json:"name"`
		Percentage int    `json:"percentage"`
	} `json:"milestones"`
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request, _ *Principal, body []byte) {
	var req createDealRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	engineReq := deal.CreateDealRequest{
		Name:            req.Name,
		Amount:          req.Amount,
		Currency:        req.Currency,
		SettlementAsset: req.SettlementAsset,
		BuyerID:         req.BuyerID,
		SupplierID:      req.SupplierID,
		FacilitatorID:   req.FacilitatorID,
	}
	for _, m := range req.Milestones {
		engineReq.Milestones = append(engineReq.Milestones, deal.MilestoneInput{Name: m.Name, Percentage: m.Percentage})
	}
	created, err := s.engine.CreateDeal(r.Context(), engineReq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dealView(created))
}

func (s *Server) handleFundDeal(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	funded, err := s.engine.FundDeal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealView(funded))
}

type verifyMilestoneRequest struct {
	VerifierAddress string `json:"verifierAddress"`
}

func (s *Server) handleVerifyMilestone(w http.ResponseWriter, r *http.Request, _ *Principal, body []byte) {
	index, err := dealPathIndex(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	var req verifyMilestoneRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	updated, err := s.engine.VerifyMilestone(r.Context(), chi.URLParam(r, "id"), index, req.VerifierAddress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealView(updated))
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	index, err := dealPathIndex(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.engine.ReleaseMilestone(r.Context(), chi.URLParam(r, "id"), index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealView(updated))
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDisputeDeal(w http.ResponseWriter, r *http.Request, _ *Principal, body []byte) {
	var req disputeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	updated, err := s.engine.DisputeDeal(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealView(updated))
}

func (s *Server) handleCancelDeal(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	updated, err := s.engine.CancelDeal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealView(updated))
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	var (
		deals []*deal.Deal
		err   error
	)
	if participantID := r.URL.Query().Get("participant"); participantID != "" {
		deals, err = s.engine.ListDealsByParticipant(r.Context(), participantID)
	} else {
		deals, err = s.engine.ListDeals(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]dealResponse, len(deals))
	for i, d := range deals {
		out[i] = dealView(d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	d, err := s.engine.GetDeal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealView(d))
}

func (s *Server) handleDealHistory(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	entries, err := s.engine.DealHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logView(entries))
}

func (s *Server) handleWalletHistory(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	entries, err := s.engine.WalletHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logView(entries))
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request, _ *Principal, _ []byte) {
	sequence, err := strconv.ParseUint(chi.URLParam(r, "sequence"), 10, 32)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid escrow sequence")
		return
	}
	entry, err := s.engine.GetEscrowStatus(r.Context(), chi.URLParam(r, "owner"), uint32(sequence))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entry == nil {
		writeErrorBody(w, http.StatusNotFound, "escrow not found")
		return
	}
	amount, err := strconv.ParseInt(entry.Amount, 10, 64)
	if err != nil {
		writeErrorBody(w, http.StatusBadGateway, "ledger returned a malformed escrow amount")
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{
		Sequence:    entry.Sequence,
		Owner:       entry.Owner,
		Destination: entry.Destination,
		Amount:      amount,
		Condition:   entry.Condition,
		CancelAfter: entry.CancelAfter,
		FinishAfter: entry.FinishAfter,
	})
}

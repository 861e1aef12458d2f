package deal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"tradegate/ledger"
	"tradegate/observability"
)

const (
	credentialTypeBusiness = "BusinessVerification"
	credentialValidityDays = 365
)

// VerifyParticipant runs the credential workflow between an issuer and a
// subject. The call is idempotent: an already-verified subject is a logged
// no-op, and a valid credential already on record or on-ledger is reused
// rather than re-issued.
func (e *Engine) VerifyParticipant(ctx context.Context, issuerID, subjectID string) (*Participant, error) {
	issuer, err := e.store.GetParticipant(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	if issuer == nil {
		return nil, notFound("participant", issuerID)
	}
	subject, err := e.store.GetParticipant(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, notFound("participant", subjectID)
	}
	if subject.Verified {
		e.log.InfoContext(ctx, "participant already verified",
			slog.String("address", subject.LedgerAddress),
		)
		return subject.Clone(), nil
	}

	subjectWallet, err := e.store.GetWalletByAddress(ctx, subject.LedgerAddress)
	if err != nil {
		return nil, err
	}
	if subjectWallet == nil {
		return nil, &KeyMissingError{Address: subject.LedgerAddress}
	}

	ledgerNow := ledger.ToLedgerTime(e.now().Unix())
	var hash string
	var expiration int64

	stored, err := e.store.GetCredential(ctx, subjectWallet.ID, issuer.LedgerAddress, credentialTypeBusiness)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.Accepted && (stored.Expiration == 0 || stored.Expiration > ledgerNow) {
		// A locally recorded credential means a prior run completed the
		// ledger workflow; no new submissions.
		hash = stored.TransactionHash
		expiration = stored.Expiration
		e.log.InfoContext(ctx, "reusing stored credential",
			slog.String("address", subject.LedgerAddress),
		)
	} else {
		// Both signatures are needed before any ledger call: issuance is
		// signed by the issuer, acceptance by the subject.
		issuerSeed, err := e.signingSeed(ctx, issuer.LedgerAddress)
		if err != nil {
			return nil, err
		}
		subjectSeed, err := e.signingSeed(ctx, subject.LedgerAddress)
		if err != nil {
			return nil, err
		}

		existing, err := e.client.CredentialEntry(ctx, issuer.LedgerAddress, subject.LedgerAddress, credentialTypeBusiness)
		if err != nil {
			return nil, fmt.Errorf("query credential: %w", err)
		}
		if credentialValid(existing, ledgerNow) {
			hash = existing.TxHash
			expiration = existing.Expiration
			e.log.InfoContext(ctx, "reusing existing credential",
				slog.String("address", subject.LedgerAddress),
			)
		} else {
			expiration = ledgerNow + credentialValidityDays*86400
			createRes, err := e.client.SubmitAndConfirm(ctx, ledger.TxIntent{
				Type:           ledger.TxCredentialCreate,
				Account:        issuer.LedgerAddress,
				Subject:        subject.LedgerAddress,
				CredentialType: credentialTypeBusiness,
				Expiration:     expiration,
				SigningSeed:    issuerSeed,
			})
			if err != nil {
				return nil, fmt.Errorf("issue credential: %w", err)
			}
			// Acceptance requires the subject's own signature, hence the
			// second submission.
			acceptRes, err := e.client.SubmitAndConfirm(ctx, ledger.TxIntent{
				Type:           ledger.TxCredentialAccept,
				Account:        subject.LedgerAddress,
				Issuer:         issuer.LedgerAddress,
				CredentialType: credentialTypeBusiness,
				SigningSeed:    subjectSeed,
			})
			if err != nil {
				return nil, fmt.Errorf("accept credential: %w", err)
			}
			hash = acceptRes.Hash
			if hash == "" {
				hash = createRes.Hash
			}
		}

		if err := e.store.PutCredential(ctx, &Credential{
			WalletID:        subjectWallet.ID,
			IssuerAddress:   issuer.LedgerAddress,
			CredentialType:  credentialTypeBusiness,
			Accepted:        true,
			Expiration:      expiration,
			TransactionHash: hash,
			CreatedAt:       e.now(),
		}); err != nil {
			return nil, fmt.Errorf("persist credential: %w", err)
		}
	}

	subject.Verified = true
	subject.Issuer = issuer.LedgerAddress
	if err := e.store.UpdateParticipant(ctx, subject); err != nil {
		return nil, fmt.Errorf("persist participant: %w", err)
	}
	if err := e.appendLog(ctx, &TransactionLogEntry{
		WalletID:    subjectWallet.ID,
		Type:        LogParticipantVerified,
		Hash:        hash,
		FromAddress: issuer.LedgerAddress,
		ToAddress:   subject.LedgerAddress,
		Status:      "confirmed",
		Metadata:    map[string]string{"credential": credentialTypeBusiness},
	}); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	e.emit(NewParticipantVerifiedEvent(subject))
	e.log.InfoContext(ctx, "participant verified",
		slog.String("address", subject.LedgerAddress),
	)
	return subject.Clone(), nil
}

// credentialValid reports whether an on-ledger credential can be reused: it
// exists, was accepted, and has not expired.
func credentialValid(entry *ledger.CredentialEntry, ledgerNow int64) bool {
	if entry == nil || !entry.Accepted {
		return false
	}
	if entry.Expiration != 0 && entry.Expiration <= ledgerNow {
		return false
	}
	return true
}

// VerifyMilestone records the facilitator's attestation for a milestone.
// Only the deal's facilitator may attest, and only while the milestone is
// pending.
func (e *Engine) VerifyMilestone(ctx context.Context, dealID string, index int, verifierAddress string) (*Deal, error) {
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
	if d.Status != DealStatusFunded && d.Status != DealStatusActive {
		return nil, preconditionf("deal %s cannot verify milestones from %s", dealID, d.Status)
	}
	if d.Participants.FacilitatorID == "" {
		return nil, preconditionf("deal %s has no facilitator", dealID)
	}
	m := d.Milestones[index]
	if m.Status != MilestonePending {
		return nil, preconditionf("milestone %d is %s, not pending", index, m.Status)
	}
	verifier, err := e.store.GetParticipantByAddress(ctx, verifierAddress)
	if err != nil {
		return nil, err
	}
	if verifier == nil || verifier.ID != d.Participants.FacilitatorID {
		return nil, preconditionf("verifier %s is not the deal facilitator", verifierAddress)
	}
	if m.Verification == nil {
		m.Verification = &MilestoneVerification{
			Verifier:        verifier.LedgerAddress,
			CredentialLabel: credentialTypeBusiness,
		}
	}

	now := e.now()
	m.Verification.Status = VerificationVerified
	m.Verification.VerifiedAt = now
	d.Status = DealStatusActive
	d.UpdatedAt = now

	if err := e.store.UpdateDeal(ctx, d); err != nil {
		return nil, fmt.Errorf("persist deal: %w", err)
	}
	if err := e.appendLog(ctx, &TransactionLogEntry{
		DealID:      d.ID,
		Type:        LogMilestoneVerified,
		FromAddress: verifierAddress,
		Status:      string(VerificationVerified),
		Metadata:    map[string]string{"milestone": strconv.Itoa(index)},
	}); err != nil {
		return nil, fmt.Errorf("append audit log: %w", err)
	}
	e.emit(NewMilestoneVerifiedEvent(d, index))
	observability.Deals().RecordTransition(string(DealStatusActive))
	e.log.InfoContext(ctx, "milestone verified",
		slog.String("deal", d.ID),
		slog.Int("milestone", index),
	)
	return d.Clone(), nil
}

package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradegate/crypto"
	"tradegate/deal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	store, err := Open(filepath.Join(t.TempDir(), "test.sqlite"), sealer)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWalletSeedSealedAtRest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	w := &deal.Wallet{
		ID:        "wallet-1",
		Name:      "buyer",
		Role:      deal.RoleBuyer,
		Address:   "tg1qqbuyer",
		Seed:      "deadbeefcafef00ddeadbeefcafef00d",
		DID:       "did:tg:tg1qqbuyer",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateWallet(ctx, w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	got, err := store.GetWallet(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got == nil || got.Seed != w.Seed || got.Address != w.Address {
		t.Fatalf("wallet round trip mismatch: %+v", got)
	}

	byAddr, err := store.GetWalletByAddress(ctx, "tg1qqbuyer")
	if err != nil {
		t.Fatalf("get by address: %v", err)
	}
	if byAddr == nil || byAddr.ID != "wallet-1" {
		t.Fatalf("lookup by address failed: %+v", byAddr)
	}

	// The seed must not be readable straight out of the database.
	var sealed []byte
	row := store.db.QueryRow(`SELECT seed_sealed FROM wallets WHERE id = ?`, "wallet-1")
	if err := row.Scan(&sealed); err != nil {
		t.Fatalf("read raw seed column: %v", err)
	}
	if bytes.Contains(sealed, []byte(w.Seed)) {
		t.Fatal("seed stored in plaintext")
	}

	missing, err := store.GetWallet(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing wallet should be (nil, nil), got %v / %v", missing, err)
	}
}

func TestParticipantLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := &deal.Participant{
		ID:            "participant-1",
		Role:          deal.RoleSupplier,
		Name:          "Acme Exports",
		LedgerAddress: "tg1qqsupplier",
	}
	if err := store.CreateParticipant(ctx, p); err != nil {
		t.Fatalf("create participant: %v", err)
	}

	p.Verified = true
	p.Issuer = "tg1qqfacilitator"
	if err := store.UpdateParticipant(ctx, p); err != nil {
		t.Fatalf("update participant: %v", err)
	}

	got, err := store.GetParticipantByAddress(ctx, "tg1qqsupplier")
	if err != nil {
		t.Fatalf("get by address: %v", err)
	}
	if got == nil || !got.Verified || got.Issuer != "tg1qqfacilitator" {
		t.Fatalf("participant round trip mismatch: %+v", got)
	}

	all, err := store.ListParticipants(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list participants: %v / %d", err, len(all))
	}

	ghost := &deal.Participant{ID: "nope"}
	if err := store.UpdateParticipant(ctx, ghost); err == nil {
		t.Fatal("updating a missing participant should fail")
	}
}

func testDeal(reference string) *deal.Deal {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &deal.Deal{
		ID:            "deal-" + reference,
		DealReference: reference,
		Name:          "Coffee shipment",
		Amount:        500,
		Currency:      "USD",
		Status:        deal.DealStatusDraft,
		Participants: deal.Participants{
			BuyerID:    "participant-buyer",
			SupplierID: "participant-supplier",
		},
		ComplianceStatus: deal.CompliancePending,
		Milestones: []*deal.Milestone{
			{
				ID: "m-0", Name: "Deposit", Percentage: 40, Amount: 200,
				Status: deal.MilestonePending,
				Escrow: &deal.EscrowRecord{
					Owner:       "tg1qqbuyer",
					Destination: "tg1qqsupplier",
					Amount:      200,
					Condition:   "A0258020AA810120",
					Fulfillment: "A0228020BB",
				},
			},
			{
				ID: "m-1", Name: "Delivery", Percentage: 60, Amount: 300,
				Status: deal.MilestonePending,
				Escrow: &deal.EscrowRecord{
					Owner:       "tg1qqbuyer",
					Destination: "tg1qqsupplier",
					Amount:      300,
					Condition:   "A0258020CC810120",
					Fulfillment: "A0228020DD",
				},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestDealRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	d := testDeal("DEAL-2026-0001")
	if err := store.CreateDeal(ctx, d); err != nil {
		t.Fatalf("create deal: %v", err)
	}

	got, err := store.GetDeal(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if got == nil {
		t.Fatal("deal not found")
	}
	if got.DealReference != d.DealReference || got.Amount != 500 || got.Status != deal.DealStatusDraft {
		t.Fatalf("deal fields mismatch: %+v", got)
	}
	if len(got.Milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(got.Milestones))
	}
	for i, m := range got.Milestones {
		want := d.Milestones[i]
		if m.ID != want.ID || m.Amount != want.Amount || m.Escrow == nil {
			t.Fatalf("milestone %d mismatch: %+v", i, m)
		}
		if m.Escrow.Condition != want.Escrow.Condition || m.Escrow.Fulfillment != want.Escrow.Fulfillment {
			t.Fatalf("milestone %d escrow mismatch: %+v", i, m.Escrow)
		}
	}

	missing, err := store.GetDeal(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing deal should be (nil, nil), got %v / %v", missing, err)
	}
}

func TestUpdateDealPersistsProgress(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	d := testDeal("DEAL-2026-0002")
	if err := store.CreateDeal(ctx, d); err != nil {
		t.Fatalf("create deal: %v", err)
	}

	releasedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	d.Status = deal.DealStatusActive
	d.SupplierBalance = 200
	d.EscrowBalance = 300
	d.TransactionHashes = []string{"CREATE0", "CREATE1", "FINISH0"}
	d.Milestones[0].Status = deal.MilestoneReleased
	d.Milestones[0].ReleasedAt = releasedAt
	d.Milestones[0].Escrow.Status = deal.EscrowFinished
	d.Milestones[0].Escrow.TransactionHash = "FINISH0"
	d.Milestones[0].Verification = &deal.MilestoneVerification{
		Verifier:   "tg1qqfacilitator",
		Status:     deal.VerificationVerified,
		VerifiedAt: releasedAt,
	}
	if err := store.UpdateDeal(ctx, d); err != nil {
		t.Fatalf("update deal: %v", err)
	}

	got, err := store.GetDeal(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if got.Status != deal.DealStatusActive || got.SupplierBalance != 200 || got.EscrowBalance != 300 {
		t.Fatalf("deal progress not persisted: %+v", got)
	}
	if len(got.TransactionHashes) != 3 || got.TransactionHashes[2] != "FINISH0" {
		t.Fatalf("tx hashes not persisted: %v", got.TransactionHashes)
	}
	m := got.Milestones[0]
	if m.Status != deal.MilestoneReleased || !m.ReleasedAt.Equal(releasedAt) {
		t.Fatalf("milestone release not persisted: %+v", m)
	}
	if m.Escrow.Status != deal.EscrowFinished || m.Escrow.TransactionHash != "FINISH0" {
		t.Fatalf("escrow record not persisted: %+v", m.Escrow)
	}
	if m.Verification == nil || m.Verification.Status != deal.VerificationVerified {
		t.Fatalf("verification not persisted: %+v", m.Verification)
	}

	if err := store.UpdateDeal(ctx, testDeal("DEAL-2026-9999")); err == nil {
		t.Fatal("updating a missing deal should fail")
	}
}

func TestFulfillmentSealedAtRest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	d := testDeal("DEAL-2026-0003")
	if err := store.CreateDeal(ctx, d); err != nil {
		t.Fatalf("create deal: %v", err)
	}

	var sealed []byte
	row := store.db.QueryRow(`SELECT escrow_fulfillment_sealed FROM milestones WHERE deal_id = ? AND idx = 0`, d.ID)
	if err := row.Scan(&sealed); err != nil {
		t.Fatalf("read raw fulfillment column: %v", err)
	}
	if bytes.Contains(sealed, []byte(d.Milestones[0].Escrow.Fulfillment)) {
		t.Fatal("fulfillment stored in plaintext")
	}
}

func TestListDealsByParticipant(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := testDeal("DEAL-2026-0004")
	if err := store.CreateDeal(ctx, first); err != nil {
		t.Fatalf("create deal: %v", err)
	}
	second := testDeal("DEAL-2026-0005")
	second.ID = "deal-other"
	second.Participants.BuyerID = "participant-other"
	if err := store.CreateDeal(ctx, second); err != nil {
		t.Fatalf("create deal: %v", err)
	}

	mine, err := store.ListDealsByParticipant(ctx, "participant-buyer")
	if err != nil {
		t.Fatalf("list by participant: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != first.ID {
		t.Fatalf("expected only the buyer's deal, got %d", len(mine))
	}

	all, err := store.ListDeals(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("list deals: %v / %d", err, len(all))
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	missing, err := store.GetCredential(ctx, "wallet-1", "tg1qqissuer", "BusinessVerification")
	if err != nil || missing != nil {
		t.Fatalf("missing credential should be (nil, nil), got %v / %v", missing, err)
	}

	c := &deal.Credential{
		WalletID:        "wallet-1",
		IssuerAddress:   "tg1qqissuer",
		CredentialType:  "BusinessVerification",
		Accepted:        true,
		Expiration:      820368000,
		TransactionHash: "CREDHASH",
		CreatedAt:       time.Now().UTC(),
	}
	if err := store.PutCredential(ctx, c); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	got, err := store.GetCredential(ctx, "wallet-1", "tg1qqissuer", "BusinessVerification")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got == nil || !got.Accepted || got.Expiration != 820368000 || got.TransactionHash != "CREDHASH" {
		t.Fatalf("credential round trip mismatch: %+v", got)
	}
}

func TestTransactionLogOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := []*deal.TransactionLogEntry{
		{ID: "log-1", DealID: "deal-1", WalletID: "wallet-1", Type: deal.LogDealCreated, CreatedAt: base},
		{ID: "log-2", DealID: "deal-1", Type: deal.LogEscrowCreated, Amount: 200, Metadata: map[string]string{"milestone": "m-0"}, CreatedAt: base.Add(time.Second)},
		{ID: "log-3", DealID: "deal-2", Type: deal.LogDealCreated, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, entry := range entries {
		if err := store.AppendLog(ctx, entry); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	byDeal, err := store.LogByDeal(ctx, "deal-1")
	if err != nil {
		t.Fatalf("log by deal: %v", err)
	}
	if len(byDeal) != 2 || byDeal[0].ID != "log-1" || byDeal[1].ID != "log-2" {
		t.Fatalf("unexpected deal log: %+v", byDeal)
	}
	if byDeal[1].Metadata["milestone"] != "m-0" {
		t.Fatalf("metadata not persisted: %v", byDeal[1].Metadata)
	}

	byWallet, err := store.LogByWallet(ctx, "wallet-1")
	if err != nil || len(byWallet) != 1 {
		t.Fatalf("log by wallet: %v / %d", err, len(byWallet))
	}
}

func TestNextDealReference(t *testing.T) {
	store := openTestStore(t)
	store.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	first, err := store.NextDealReference(ctx)
	if err != nil {
		t.Fatalf("next reference: %v", err)
	}
	if first != "DEAL-2026-0001" {
		t.Fatalf("first reference = %s", first)
	}
	second, err := store.NextDealReference(ctx)
	if err != nil {
		t.Fatalf("next reference: %v", err)
	}
	if second != "DEAL-2026-0002" {
		t.Fatalf("second reference = %s", second)
	}

	// A new year restarts the counter.
	store.now = func() time.Time { return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC) }
	next, err := store.NextDealReference(ctx)
	if err != nil {
		t.Fatalf("next reference: %v", err)
	}
	if next != "DEAL-2027-0001" {
		t.Fatalf("new year reference = %s", next)
	}
}

func TestIdempotencyCache(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	miss, err := store.LookupIdempotency(ctx, "key-1", "idem-1", "hash-a")
	if err != nil || miss != nil {
		t.Fatalf("expected a miss, got %v / %v", miss, err)
	}

	if err := store.SaveIdempotency(ctx, "key-1", "idem-1", "hash-a", 201, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("save idempotency: %v", err)
	}

	hit, err := store.LookupIdempotency(ctx, "key-1", "idem-1", "hash-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if hit == nil || hit.Status != 201 || string(hit.Body) != `{"ok":true}` {
		t.Fatalf("unexpected cached response: %+v", hit)
	}

	if _, err := store.LookupIdempotency(ctx, "key-1", "idem-1", "hash-b"); err != ErrIdempotencyMismatch {
		t.Fatalf("reuse with a different body should mismatch, got %v", err)
	}

	if err := store.PruneIdempotency(ctx, 0); err != nil {
		t.Fatalf("prune: %v", err)
	}
	gone, err := store.LookupIdempotency(ctx, "key-1", "idem-1", "hash-a")
	if err != nil || gone != nil {
		t.Fatalf("pruned entry should miss, got %v / %v", gone, err)
	}
}

var _ deal.Store = (*Store)(nil)

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tradegate/crypto"
	"tradegate/deal"
)

// Store persists wallets, deals, credentials and the audit log in SQLite.
// Wallet seeds and escrow fulfillments are sealed before they touch disk.
type Store struct {
	db     *sql.DB
	sealer *crypto.Sealer
	now    func() time.Time
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func Open(path string, sealer *crypto.Sealer) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("storage: sealer required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, sealer: sealer, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS wallets (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            role TEXT NOT NULL,
            address TEXT NOT NULL UNIQUE,
            seed_sealed BLOB NOT NULL,
            did TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS participants (
            id TEXT PRIMARY KEY,
            role TEXT NOT NULL,
            name TEXT NOT NULL,
            ledger_address TEXT NOT NULL UNIQUE,
            did TEXT,
            issuer TEXT,
            verified INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS deals (
            id TEXT PRIMARY KEY,
            reference TEXT NOT NULL UNIQUE,
            name TEXT NOT NULL,
            amount INTEGER NOT NULL,
            currency TEXT,
            settlement_asset TEXT,
            status TEXT NOT NULL,
            buyer_id TEXT NOT NULL,
            supplier_id TEXT NOT NULL,
            facilitator_id TEXT,
            escrow_balance INTEGER NOT NULL DEFAULT 0,
            supplier_balance INTEGER NOT NULL DEFAULT 0,
            dispute INTEGER NOT NULL DEFAULT 0,
            dispute_reason TEXT,
            compliance_status TEXT,
            tx_hashes TEXT NOT NULL DEFAULT '[]',
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS milestones (
            deal_id TEXT NOT NULL,
            idx INTEGER NOT NULL,
            milestone_id TEXT NOT NULL,
            name TEXT NOT NULL,
            percentage INTEGER NOT NULL,
            amount INTEGER NOT NULL,
            status TEXT NOT NULL,
            released_at TIMESTAMP,
            verification TEXT,
            escrow_sequence INTEGER,
            escrow_owner TEXT,
            escrow_destination TEXT,
            escrow_amount INTEGER,
            escrow_condition TEXT,
            escrow_fulfillment_sealed BLOB,
            escrow_cancel_after INTEGER,
            escrow_finish_after INTEGER,
            escrow_status TEXT,
            escrow_tx_hash TEXT,
            PRIMARY KEY(deal_id, idx)
        );`,
		`CREATE TABLE IF NOT EXISTS credentials (
            wallet_id TEXT NOT NULL,
            issuer_address TEXT NOT NULL,
            credential_type TEXT NOT NULL,
            accepted INTEGER NOT NULL DEFAULT 0,
            expiration INTEGER NOT NULL DEFAULT 0,
            tx_hash TEXT,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(wallet_id, issuer_address, credential_type)
        );`,
		`CREATE TABLE IF NOT EXISTS transaction_log (
            id TEXT PRIMARY KEY,
            deal_id TEXT,
            wallet_id TEXT,
            type TEXT NOT NULL,
            hash TEXT,
            amount INTEGER NOT NULL DEFAULT 0,
            from_address TEXT,
            to_address TEXT,
            status TEXT,
            metadata TEXT NOT NULL DEFAULT '{}',
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS transaction_log_deal ON transaction_log(deal_id);`,
		`CREATE INDEX IF NOT EXISTS transaction_log_wallet ON transaction_log(wallet_id);`,
		`CREATE TABLE IF NOT EXISTS deal_counters (
            year INTEGER PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seal(secret string) ([]byte, error) {
	return s.sealer.Seal([]byte(secret))
}

func (s *Store) open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *Store) CreateWallet(ctx context.Context, w *deal.Wallet) error {
	sealed, err := s.seal(w.Seed)
	if err != nil {
		return fmt.Errorf("seal wallet seed: %w", err)
	}
	const stmt = `INSERT INTO wallets(id, name, role, address, seed_sealed, did, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, w.ID, w.Name, w.Role, w.Address, sealed, w.DID, w.CreatedAt.UTC())
	return err
}

func (s *Store) scanWallet(row *sql.Row) (*deal.Wallet, error) {
	var w deal.Wallet
	var sealed []byte
	err := row.Scan(&w.ID, &w.Name, &w.Role, &w.Address, &sealed, &w.DID, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seed, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal wallet seed: %w", err)
	}
	w.Seed = seed
	return &w, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (*deal.Wallet, error) {
	const query = `SELECT id, name, role, address, seed_sealed, did, created_at FROM wallets WHERE id = ?`
	return s.scanWallet(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetWalletByAddress(ctx context.Context, address string) (*deal.Wallet, error) {
	const query = `SELECT id, name, role, address, seed_sealed, did, created_at FROM wallets WHERE address = ?`
	return s.scanWallet(s.db.QueryRowContext(ctx, query, address))
}

func (s *Store) CreateParticipant(ctx context.Context, p *deal.Participant) error {
	const stmt = `INSERT INTO participants(id, role, name, ledger_address, did, issuer, verified) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, p.ID, p.Role, p.Name, p.LedgerAddress, p.DecentralizedID, p.Issuer, boolInt(p.Verified))
	return err
}

func scanParticipant(row interface{ Scan(...any) error }) (*deal.Participant, error) {
	var p deal.Participant
	var verified int
	err := row.Scan(&p.ID, &p.Role, &p.Name, &p.LedgerAddress, &p.DecentralizedID, &p.Issuer, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Verified = verified == 1
	return &p, nil
}

const participantColumns = `id, role, name, ledger_address, did, issuer, verified`

func (s *Store) GetParticipant(ctx context.Context, id string) (*deal.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = ?`
	return scanParticipant(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetParticipantByAddress(ctx context.Context, address string) (*deal.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE ledger_address = ?`
	return scanParticipant(s.db.QueryRowContext(ctx, query, address))
}

func (s *Store) UpdateParticipant(ctx context.Context, p *deal.Participant) error {
	const stmt = `UPDATE participants SET role = ?, name = ?, ledger_address = ?, did = ?, issuer = ?, verified = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, p.Role, p.Name, p.LedgerAddress, p.DecentralizedID, p.Issuer, boolInt(p.Verified), p.ID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("participant %s not found", p.ID)
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context) ([]*deal.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*deal.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreateDeal(ctx context.Context, d *deal.Deal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.insertDeal(ctx, tx, d); err != nil {
		return err
	}
	if err := s.insertMilestones(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateDeal(ctx context.Context, d *deal.Deal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	hashes, err := json.Marshal(d.TransactionHashes)
	if err != nil {
		return err
	}
	const stmt = `UPDATE deals SET name = ?, amount = ?, currency = ?, settlement_asset = ?, status = ?,
        buyer_id = ?, supplier_id = ?, facilitator_id = ?, escrow_balance = ?, supplier_balance = ?,
        dispute = ?, dispute_reason = ?, compliance_status = ?, tx_hashes = ?, updated_at = ? WHERE id = ?`
	res, err := tx.ExecContext(ctx, stmt, d.Name, d.Amount, d.Currency, d.SettlementAsset, string(d.Status),
		d.Participants.BuyerID, d.Participants.SupplierID, d.Participants.FacilitatorID,
		d.EscrowBalance, d.SupplierBalance, boolInt(d.Dispute), d.DisputeReason, d.ComplianceStatus,
		string(hashes), d.UpdatedAt.UTC(), d.ID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("deal %s not found", d.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM milestones WHERE deal_id = ?`, d.ID); err != nil {
		return err
	}
	if err := s.insertMilestones(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertDeal(ctx context.Context, tx *sql.Tx, d *deal.Deal) error {
	hashes, err := json.Marshal(d.TransactionHashes)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO deals(id, reference, name, amount, currency, settlement_asset, status,
        buyer_id, supplier_id, facilitator_id, escrow_balance, supplier_balance,
        dispute, dispute_reason, compliance_status, tx_hashes, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, stmt, d.ID, d.DealReference, d.Name, d.Amount, d.Currency, d.SettlementAsset,
		string(d.Status), d.Participants.BuyerID, d.Participants.SupplierID, d.Participants.FacilitatorID,
		d.EscrowBalance, d.SupplierBalance, boolInt(d.Dispute), d.DisputeReason, d.ComplianceStatus,
		string(hashes), d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	return err
}

func (s *Store) insertMilestones(ctx context.Context, tx *sql.Tx, d *deal.Deal) error {
	const stmt = `INSERT INTO milestones(deal_id, idx, milestone_id, name, percentage, amount, status,
        released_at, verification, escrow_sequence, escrow_owner, escrow_destination, escrow_amount,
        escrow_condition, escrow_fulfillment_sealed, escrow_cancel_after, escrow_finish_after,
        escrow_status, escrow_tx_hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i, m := range d.Milestones {
		var verification any
		if m.Verification != nil {
			encoded, err := json.Marshal(m.Verification)
			if err != nil {
				return err
			}
			verification = string(encoded)
		}
		var seq, amount, cancelAfter, finishAfter any
		var owner, destination, condition, status, txHash any
		var sealed []byte
		if m.Escrow != nil {
			seq = int64(m.Escrow.Sequence)
			owner = m.Escrow.Owner
			destination = m.Escrow.Destination
			amount = m.Escrow.Amount
			condition = m.Escrow.Condition
			cancelAfter = m.Escrow.CancelAfter
			finishAfter = m.Escrow.FinishAfter
			status = string(m.Escrow.Status)
			txHash = m.Escrow.TransactionHash
			var err error
			sealed, err = s.seal(m.Escrow.Fulfillment)
			if err != nil {
				return fmt.Errorf("seal fulfillment: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, stmt, d.ID, i, m.ID, m.Name, m.Percentage, m.Amount, string(m.Status),
			nullTime(m.ReleasedAt), verification, seq, owner, destination, amount,
			condition, sealed, cancelAfter, finishAfter, status, txHash)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetDeal(ctx context.Context, id string) (*deal.Deal, error) {
	const query = `SELECT id, reference, name, amount, currency, settlement_asset, status,
        buyer_id, supplier_id, facilitator_id, escrow_balance, supplier_balance,
        dispute, dispute_reason, compliance_status, tx_hashes, created_at, updated_at
        FROM deals WHERE id = ?`
	d, err := s.scanDeal(s.db.QueryRowContext(ctx, query, id))
	if err != nil || d == nil {
		return nil, err
	}
	if err := s.loadMilestones(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) ListDeals(ctx context.Context) ([]*deal.Deal, error) {
	const query = `SELECT id, reference, name, amount, currency, settlement_asset, status,
        buyer_id, supplier_id, facilitator_id, escrow_balance, supplier_balance,
        dispute, dispute_reason, compliance_status, tx_hashes, created_at, updated_at
        FROM deals ORDER BY created_at DESC`
	return s.queryDeals(ctx, query)
}

func (s *Store) ListDealsByParticipant(ctx context.Context, participantID string) ([]*deal.Deal, error) {
	const query = `SELECT id, reference, name, amount, currency, settlement_asset, status,
        buyer_id, supplier_id, facilitator_id, escrow_balance, supplier_balance,
        dispute, dispute_reason, compliance_status, tx_hashes, created_at, updated_at
        FROM deals WHERE buyer_id = ? OR supplier_id = ? OR facilitator_id = ? ORDER BY created_at DESC`
	return s.queryDeals(ctx, query, participantID, participantID, participantID)
}

func (s *Store) queryDeals(ctx context.Context, query string, args ...any) ([]*deal.Deal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*deal.Deal
	for rows.Next() {
		d, err := s.scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, d := range out {
		if err := s.loadMilestones(ctx, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) scanDeal(row interface{ Scan(...any) error }) (*deal.Deal, error) {
	var d deal.Deal
	var status, hashes string
	var dispute int
	var currency, settlementAsset, facilitatorID, disputeReason, compliance sql.NullString
	err := row.Scan(&d.ID, &d.DealReference, &d.Name, &d.Amount, &currency, &settlementAsset, &status,
		&d.Participants.BuyerID, &d.Participants.SupplierID, &facilitatorID,
		&d.EscrowBalance, &d.SupplierBalance, &dispute, &disputeReason, &compliance,
		&hashes, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Status = deal.DealStatus(status)
	d.Currency = currency.String
	d.SettlementAsset = settlementAsset.String
	d.Participants.FacilitatorID = facilitatorID.String
	d.Dispute = dispute == 1
	d.DisputeReason = disputeReason.String
	d.ComplianceStatus = compliance.String
	if err := json.Unmarshal([]byte(hashes), &d.TransactionHashes); err != nil {
		return nil, fmt.Errorf("decode tx hashes for deal %s: %w", d.ID, err)
	}
	return &d, nil
}

func (s *Store) loadMilestones(ctx context.Context, d *deal.Deal) error {
	const query = `SELECT milestone_id, name, percentage, amount, status, released_at, verification,
        escrow_sequence, escrow_owner, escrow_destination, escrow_amount, escrow_condition,
        escrow_fulfillment_sealed, escrow_cancel_after, escrow_finish_after, escrow_status, escrow_tx_hash
        FROM milestones WHERE deal_id = ? ORDER BY idx`
	rows, err := s.db.QueryContext(ctx, query, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	d.Milestones = nil
	for rows.Next() {
		var m deal.Milestone
		var status string
		var releasedAt sql.NullTime
		var verification sql.NullString
		var seq, amount, cancelAfter, finishAfter sql.NullInt64
		var owner, destination, condition, escrowStatus, txHash sql.NullString
		var sealed []byte
		if err := rows.Scan(&m.ID, &m.Name, &m.Percentage, &m.Amount, &status, &releasedAt, &verification,
			&seq, &owner, &destination, &amount, &condition, &sealed, &cancelAfter, &finishAfter,
			&escrowStatus, &txHash); err != nil {
			return err
		}
		m.Status = deal.MilestoneStatus(status)
		if releasedAt.Valid {
			m.ReleasedAt = releasedAt.Time
		}
		if verification.Valid {
			var v deal.MilestoneVerification
			if err := json.Unmarshal([]byte(verification.String), &v); err != nil {
				return fmt.Errorf("decode verification for milestone %s: %w", m.ID, err)
			}
			m.Verification = &v
		}
		if condition.Valid {
			fulfillment, err := s.open(sealed)
			if err != nil {
				return fmt.Errorf("unseal fulfillment: %w", err)
			}
			m.Escrow = &deal.EscrowRecord{
				Sequence:        uint32(seq.Int64),
				Owner:           owner.String,
				Destination:     destination.String,
				Amount:          amount.Int64,
				Condition:       condition.String,
				Fulfillment:     fulfillment,
				CancelAfter:     cancelAfter.Int64,
				FinishAfter:     finishAfter.Int64,
				Status:          deal.EscrowStatus(escrowStatus.String),
				TransactionHash: txHash.String,
			}
		}
		d.Milestones = append(d.Milestones, &m)
	}
	return rows.Err()
}

func (s *Store) PutCredential(ctx context.Context, c *deal.Credential) error {
	const stmt = `INSERT OR REPLACE INTO credentials(wallet_id, issuer_address, credential_type, accepted, expiration, tx_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, c.WalletID, c.IssuerAddress, c.CredentialType, boolInt(c.Accepted), c.Expiration, c.TransactionHash, c.CreatedAt.UTC())
	return err
}

func (s *Store) GetCredential(ctx context.Context, walletID, issuerAddress, credentialType string) (*deal.Credential, error) {
	const query = `SELECT wallet_id, issuer_address, credential_type, accepted, expiration, tx_hash, created_at FROM credentials WHERE wallet_id = ? AND issuer_address = ? AND credential_type = ?`
	row := s.db.QueryRowContext(ctx, query, walletID, issuerAddress, credentialType)
	var c deal.Credential
	var accepted int
	err := row.Scan(&c.WalletID, &c.IssuerAddress, &c.CredentialType, &accepted, &c.Expiration, &c.TransactionHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Accepted = accepted == 1
	return &c, nil
}

func (s *Store) AppendLog(ctx context.Context, entry *deal.TransactionLogEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO transaction_log(id, deal_id, wallet_id, type, hash, amount, from_address, to_address, status, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, entry.ID, entry.DealID, entry.WalletID, entry.Type, entry.Hash,
		entry.Amount, entry.FromAddress, entry.ToAddress, entry.Status, string(metadata), entry.CreatedAt.UTC())
	return err
}

func (s *Store) LogByDeal(ctx context.Context, dealID string) ([]*deal.TransactionLogEntry, error) {
	const query = `SELECT id, deal_id, wallet_id, type, hash, amount, from_address, to_address, status, metadata, created_at FROM transaction_log WHERE deal_id = ? ORDER BY created_at, rowid`
	return s.queryLog(ctx, query, dealID)
}

func (s *Store) LogByWallet(ctx context.Context, walletID string) ([]*deal.TransactionLogEntry, error) {
	const query = `SELECT id, deal_id, wallet_id, type, hash, amount, from_address, to_address, status, metadata, created_at FROM transaction_log WHERE wallet_id = ? ORDER BY created_at, rowid`
	return s.queryLog(ctx, query, walletID)
}

func (s *Store) queryLog(ctx context.Context, query string, args ...any) ([]*deal.TransactionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*deal.TransactionLogEntry
	for rows.Next() {
		var entry deal.TransactionLogEntry
		var dealID, walletID, hash, from, to, status sql.NullString
		var metadata string
		if err := rows.Scan(&entry.ID, &dealID, &walletID, &entry.Type, &hash, &entry.Amount, &from, &to, &status, &metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.DealID = dealID.String
		entry.WalletID = walletID.String
		entry.Hash = hash.String
		entry.FromAddress = from.String
		entry.ToAddress = to.String
		entry.Status = status.String
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode log metadata: %w", err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// NextDealReference allocates the next reference in the DEAL-<year>-NNNN
// series. Counters are per calendar year and strictly increasing.
func (s *Store) NextDealReference(ctx context.Context) (string, error) {
	year := s.now().UTC().Year()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	const upsert = `INSERT INTO deal_counters(year, value) VALUES (?, 1) ON CONFLICT(year) DO UPDATE SET value = value + 1`
	if _, err := tx.ExecContext(ctx, upsert, year); err != nil {
		return "", err
	}
	var value int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM deal_counters WHERE year = ?`, year).Scan(&value); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return fmt.Sprintf("DEAL-%d-%04d", year, value), nil
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, s.now().UTC())
	return err
}

// PruneIdempotency deletes cached responses older than the retention window.
func (s *Store) PruneIdempotency(ctx context.Context, olderThan time.Duration) error {
	cutoff := s.now().UTC().Add(-olderThan)
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

package deal

import "context"

// Store is the repository contract consumed by the engine. Implementations
// must provide read-after-write consistency per deal and seal wallet seeds
// and escrow fulfillments at rest.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (*Wallet, error)

	CreateParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	GetParticipantByAddress(ctx context.Context, address string) (*Participant, error)
	UpdateParticipant(ctx context.Context, p *Participant) error
	ListParticipants(ctx context.Context) ([]*Participant, error)

	CreateDeal(ctx context.Context, d *Deal) error
	GetDeal(ctx context.Context, id string) (*Deal, error)
	UpdateDeal(ctx context.Context, d *Deal) error
	ListDeals(ctx context.Context) ([]*Deal, error)
	ListDealsByParticipant(ctx context.Context, participantID string) ([]*Deal, error)

	PutCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, walletID, issuerAddress, credentialType string) (*Credential, error)

	AppendLog(ctx context.Context, entry *TransactionLogEntry) error
	LogByDeal(ctx context.Context, dealID string) ([]*TransactionLogEntry, error)
	LogByWallet(ctx context.Context, walletID string) ([]*TransactionLogEntry, error)

	// NextDealReference returns a strictly increasing, unique reference of
	// the form DEAL-<year>-NNNN, safe under concurrent callers.
	NextDealReference(ctx context.Context) (string, error)
}

package ledger

// TxIntent is a prepared transaction handed to the settlement node for
// signing and submission. Only the fields relevant to the intent type are
// populated.
type TxIntent struct {
	Type        string `json:"type"`
	Account     string `json:"account"`
	Destination string `json:"destination,omitempty"`
	Amount      string `json:"amount,omitempty"`

	// Conditional transfer fields.
	Condition   string `json:"condition,omitempty"`
	Fulfillment string `json:"fulfillment,omitempty"`
	Owner       string `json:"owner,omitempty"`
	OfferSeq    uint32 `json:"offerSequence,omitempty"`
	CancelAfter int64  `json:"cancelAfter,omitempty"`
	FinishAfter int64  `json:"finishAfter,omitempty"`

	// Credential fields.
	Subject        string `json:"subject,omitempty"`
	Issuer         string `json:"issuer,omitempty"`
	CredentialType string `json:"credentialType,omitempty"`
	Expiration     int64  `json:"expiration,omitempty"`

	// Trustline and identity fields.
	Currency    string `json:"currency,omitempty"`
	Limit       string `json:"limit,omitempty"`
	DIDDocument string `json:"didDocument,omitempty"`

	Memo string `json:"memo,omitempty"`

	// SigningSeed is forwarded to the co-located signing node and must never
	// appear in logs or persisted responses.
	SigningSeed string `json:"seed,omitempty"`
}

// Intent type tags accepted by the settlement node.
const (
	TxEscrowCreate     = "EscrowCreate"
	TxEscrowFinish     = "EscrowFinish"
	TxCredentialCreate = "CredentialCreate"
	TxCredentialAccept = "CredentialAccept"
	TxTrustSet         = "TrustSet"
	TxDIDSet           = "DIDSet"
)

// SubmitResult reports the validated outcome of a submitted transaction.
type SubmitResult struct {
	Success    bool   `json:"success"`
	Hash       string `json:"hash"`
	ResultCode string `json:"resultCode"`
	Sequence   uint32 `json:"sequence"`
}

// AccountState mirrors the node's account query result.
type AccountState struct {
	Address  string `json:"address"`
	Balance  string `json:"balance"`
	Sequence uint32 `json:"sequence"`
}

// EscrowEntry mirrors a conditional-transfer ledger object.
type EscrowEntry struct {
	Owner       string `json:"owner"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Condition   string `json:"condition"`
	Sequence    uint32 `json:"sequence"`
	CancelAfter int64  `json:"cancelAfter,omitempty"`
	FinishAfter int64  `json:"finishAfter,omitempty"`
}

// CredentialEntry mirrors an identity credential ledger object.
type CredentialEntry struct {
	Issuer         string `json:"issuer"`
	Subject        string `json:"subject"`
	CredentialType string `json:"credentialType"`
	Accepted       bool   `json:"accepted"`
	Expiration     int64  `json:"expiration,omitempty"`
	TxHash         string `json:"txHash,omitempty"`
}

// FundResult reports a faucet funding round trip.
type FundResult struct {
	Hash    string `json:"hash"`
	Balance string `json:"balance"`
}

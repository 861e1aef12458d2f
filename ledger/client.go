package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"tradegate/observability"
)

// Client is the gateway's contract with the settlement node. Implementations
// must treat transport failures as unknown outcomes for mutating calls.
type Client interface {
	SubmitAndConfirm(ctx context.Context, intent TxIntent) (*SubmitResult, error)
	AccountState(ctx context.Context, address string) (*AccountState, error)
	EscrowEntry(ctx context.Context, owner string, sequence uint32) (*EscrowEntry, error)
	CredentialEntry(ctx context.Context, issuer, subject, credentialType string) (*CredentialEntry, error)
	FundWallet(ctx context.Context, address string) (*FundResult, error)
}

// Options tunes the JSON-RPC client.
type Options struct {
	URL            string
	AuthToken      string
	RequestTimeout time.Duration
	ConfirmTimeout time.Duration
	RetryBaseDelay time.Duration
	MaxRetries     int
}

// RPCClient implements Client against the settlement node's JSON-RPC server.
// The client is explicitly constructed and owned by its caller; there is no
// package-level shared instance.
type RPCClient struct {
	baseURL        string
	authToken      string
	requestTimeout time.Duration
	confirmTimeout time.Duration
	retryBaseDelay time.Duration
	maxRetries     int
	http           *http.Client
	nextID         atomic.Int64
}

func NewRPCClient(opts Options) *RPCClient {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 30 * time.Second
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &RPCClient{
		baseURL:        opts.URL,
		authToken:      opts.AuthToken,
		requestTimeout: opts.RequestTimeout,
		confirmTimeout: opts.ConfirmTimeout,
		retryBaseDelay: opts.RetryBaseDelay,
		maxRetries:     opts.MaxRetries,
		http:           &http.Client{},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SubmitAndConfirm submits a prepared transaction and waits for validation.
// Submissions are never retried here; the outcome of a timed-out submission
// is unknown and the caller must re-query the ledger before trying again.
func (c *RPCClient) SubmitAndConfirm(ctx context.Context, intent TxIntent) (*SubmitResult, error) {
	started := time.Now()
	var result SubmitResult
	err := c.call(ctx, "ledger_submit", []interface{}{intent}, &result, c.confirmTimeout)
	if err != nil {
		observability.Ledger().RecordSubmission(intent.Type, "unavailable", time.Since(started))
		return nil, err
	}
	if !result.Success {
		observability.Ledger().RecordSubmission(intent.Type, result.ResultCode, time.Since(started))
		return &result, &RejectedError{Code: result.ResultCode, Hash: result.Hash}
	}
	observability.Ledger().RecordSubmission(intent.Type, "validated", time.Since(started))
	return &result, nil
}

// AccountState returns the balance and next sequence for an address.
func (c *RPCClient) AccountState(ctx context.Context, address string) (*AccountState, error) {
	var result AccountState
	params := []interface{}{map[string]string{"address": address}}
	if err := c.read(ctx, "ledger_accountState", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EscrowEntry fetches a conditional-transfer object. Absence is reported as
// (nil, nil), not an error.
func (c *RPCClient) EscrowEntry(ctx context.Context, owner string, sequence uint32) (*EscrowEntry, error) {
	var result *EscrowEntry
	params := []interface{}{map[string]interface{}{"owner": owner, "sequence": sequence}}
	if err := c.read(ctx, "ledger_escrowEntry", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CredentialEntry fetches a credential object. Absence is reported as
// (nil, nil), not an error.
func (c *RPCClient) CredentialEntry(ctx context.Context, issuer, subject, credentialType string) (*CredentialEntry, error) {
	var result *CredentialEntry
	params := []interface{}{map[string]string{
		"issuer":         issuer,
		"subject":        subject,
		"credentialType": credentialType,
	}}
	if err := c.read(ctx, "ledger_credentialEntry", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// FundWallet requests test-net faucet funding for a freshly provisioned
// wallet and waits for the payment to validate.
func (c *RPCClient) FundWallet(ctx context.Context, address string) (*FundResult, error) {
	var result FundResult
	params := []interface{}{map[string]string{"address": address}}
	if err := c.call(ctx, "faucet_fund", params, &result, c.confirmTimeout); err != nil {
		return nil, err
	}
	return &result, nil
}

// read performs an idempotent query with bounded retry on transport failures.
func (c *RPCClient) read(ctx context.Context, method string, params, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			observability.Ledger().RecordRetry()
			delay := c.retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return &UnavailableError{Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		err := c.call(ctx, method, params, out, c.requestTimeout)
		if err == nil {
			return nil
		}
		var unavailable *UnavailableError
		if !errors.As(err, &unavailable) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *RPCClient) call(ctx context.Context, method string, params, out interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &UnavailableError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &UnavailableError{Err: fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &UnavailableError{Err: err}
	}
	if rpcResp.Error != nil {
		return &RejectedError{Code: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		// Entry queries model absence as a null result.
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

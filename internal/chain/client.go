// Package chain defines the wire types exchanged with a collateral ledger
// node and a JSON-RPC client for talking to one.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/httputil"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

const maxResponseBytes = 8 << 20

// JSON-RPC error codes used by ledger nodes.
const (
	RPCCodeNotFound       = -100
	RPCCodeRejected       = -500
	RPCCodeParse          = -32700
	RPCCodeMethodNotFound = -32601
	RPCCodeInvalidParams  = -32602
	RPCCodeInternal       = -32603
)

// Method names served by a ledger node.
const (
	MethodLatestReference = "getlatestreference"
	MethodSendSubmission  = "sendsubmission"
	MethodSubmission      = "getsubmissionstatus"
	MethodVault           = "getvault"
	MethodHolding         = "getholding"
	MethodAsset           = "getasset"
	MethodEvents          = "getevents"
)

// RPCRequest is a JSON-RPC request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

// RPCResponse is a JSON-RPC response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client talks to a ledger node over JSON-RPC.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a new ledger RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call makes an RPC call to the ledger node.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response (http %d): %w", resp.StatusCode, err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

func (c *Client) callInto(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	result, err := c.Call(ctx, method, params...)
	if err != nil {
		return translate(err)
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// translate maps well-known RPC errors onto package errors.
func translate(err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case RPCCodeNotFound:
		return fmt.Errorf("%w: %s", ErrAccountNotFound, rpcErr.Message)
	case RPCCodeRejected:
		data := gjson.ParseBytes(rpcErr.Data)
		return &RejectError{
			Reason:           rpcErr.Message,
			Retryable:        data.Get("retryable").Bool(),
			ReferenceExpired: data.Get("reference_expired").Bool(),
		}
	}
	return err
}

// =============================================================================
// Transport
// =============================================================================

// LatestReference returns the position new submissions should anchor to.
func (c *Client) LatestReference(ctx context.Context) (Reference, error) {
	var ref Reference
	err := c.callInto(ctx, &ref, MethodLatestReference)
	return ref, err
}

// Send broadcasts a signed submission.
func (c *Client) Send(ctx context.Context, sub *Submission) (Receipt, error) {
	var r Receipt
	err := c.callInto(ctx, &r, MethodSendSubmission, sub)
	return r, err
}

// Status returns the execution status of a submission. Unknown IDs report
// StateUnknown rather than an error.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.callInto(ctx, &st, MethodSubmission, id)
	return st, err
}

// =============================================================================
// Account reads
// =============================================================================

// Vault returns the vault record at address.
func (c *Client) Vault(ctx context.Context, address string) (vault.Vault, error) {
	var v vault.Vault
	err := c.callInto(ctx, &v, MethodVault, address)
	return v, err
}

// Holding returns the holding account at address.
func (c *Client) Holding(ctx context.Context, address string) (vault.Holding, error) {
	var h vault.Holding
	err := c.callInto(ctx, &h, MethodHolding, address)
	return h, err
}

// Asset returns the asset definition for id.
func (c *Client) Asset(ctx context.Context, id string) (vault.Asset, error) {
	var a vault.Asset
	err := c.callInto(ctx, &a, MethodAsset, id)
	return a, err
}

// Decimals returns the precision of asset id.
func (c *Client) Decimals(ctx context.Context, id string) (uint8, error) {
	a, err := c.Asset(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, apperrors.New(apperrors.ErrAssetNotFound, "asset %s not registered", id)
	}
	if err != nil {
		return 0, err
	}
	return a.Decimals, nil
}

// Events returns audit events touching vaultAddr, newest first.
func (c *Client) Events(ctx context.Context, vaultAddr string, limit int) ([]vault.Event, error) {
	var evs []vault.Event
	err := c.callInto(ctx, &evs, MethodEvents, vaultAddr, limit)
	return evs, err
}

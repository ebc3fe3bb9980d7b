package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/R3E-Network/collateral_vault/internal/chain"
	"github.com/R3E-Network/collateral_vault/internal/logging"
)

const maxRequestBytes = 1 << 20

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int64             `json:"id"`
}

// RPCHandler serves node over JSON-RPC using the method names and error codes
// understood by chain.Client.
func RPCHandler(node *Node, log *logging.Logger) http.Handler {
	log = logging.OrDefault(log)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			writeRPC(w, chain.RPCResponse{JSONRPC: "2.0", Error: &chain.RPCError{Code: chain.RPCCodeParse, Message: err.Error()}})
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeRPC(w, chain.RPCResponse{JSONRPC: "2.0", Error: &chain.RPCError{Code: chain.RPCCodeParse, Message: "parse error"}})
			return
		}

		result, err := dispatch(r, node, req)
		resp := chain.RPCResponse{JSONRPC: "2.0", ID: req.ID}
		if err != nil {
			resp.Error = toRPCError(err)
			if resp.Error.Code == chain.RPCCodeInternal {
				log.WithContext(r.Context()).WithError(err).WithField("method", req.Method).Error("rpc call failed")
			}
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &chain.RPCError{Code: chain.RPCCodeInternal, Message: err.Error()}
			} else {
				resp.Result = raw
			}
		}
		writeRPC(w, resp)
	})
}

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func param(req rpcRequest, i int, out interface{}) error {
	if i >= len(req.Params) {
		return &paramError{fmt.Sprintf("%s: missing parameter %d", req.Method, i)}
	}
	if err := json.Unmarshal(req.Params[i], out); err != nil {
		return &paramError{fmt.Sprintf("%s: parameter %d: %v", req.Method, i, err)}
	}
	return nil
}

func dispatch(r *http.Request, node *Node, req rpcRequest) (interface{}, error) {
	ctx := r.Context()
	switch req.Method {
	case chain.MethodLatestReference:
		return node.LatestReference(ctx)
	case chain.MethodSendSubmission:
		var sub chain.Submission
		if err := param(req, 0, &sub); err != nil {
			return nil, err
		}
		return node.Send(ctx, &sub)
	case chain.MethodSubmission:
		var id string
		if err := param(req, 0, &id); err != nil {
			return nil, err
		}
		return node.Status(ctx, id)
	case chain.MethodVault:
		var addr string
		if err := param(req, 0, &addr); err != nil {
			return nil, err
		}
		return node.Vault(ctx, addr)
	case chain.MethodHolding:
		var addr string
		if err := param(req, 0, &addr); err != nil {
			return nil, err
		}
		return node.Holding(ctx, addr)
	case chain.MethodAsset:
		var id string
		if err := param(req, 0, &id); err != nil {
			return nil, err
		}
		return node.Asset(ctx, id)
	case chain.MethodEvents:
		var addr string
		limit := 0
		if err := param(req, 0, &addr); err != nil {
			return nil, err
		}
		if len(req.Params) > 1 {
			if err := param(req, 1, &limit); err != nil {
				return nil, err
			}
		}
		return node.Events(ctx, addr, limit)
	}
	return nil, &chain.RPCError{Code: chain.RPCCodeMethodNotFound, Message: "method not found: " + req.Method}
}

func toRPCError(err error) *chain.RPCError {
	var rpcErr *chain.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var pe *paramError
	if errors.As(err, &pe) {
		return &chain.RPCError{Code: chain.RPCCodeInvalidParams, Message: pe.msg}
	}
	var rej *chain.RejectError
	if errors.As(err, &rej) {
		data, _ := json.Marshal(rej)
		return &chain.RPCError{Code: chain.RPCCodeRejected, Message: rej.Reason, Data: data}
	}
	if errors.Is(err, chain.ErrAccountNotFound) {
		return &chain.RPCError{Code: chain.RPCCodeNotFound, Message: err.Error()}
	}
	return &chain.RPCError{Code: chain.RPCCodeInternal, Message: err.Error()}
}

func writeRPC(w http.ResponseWriter, resp chain.RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

package bridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/crossapp-wallet/internal/provider"
)

// Requester is the EIP-1193 request surface served on /rpc.
type Requester interface {
	Request(ctx context.Context, method string, params []any) (any, error)
}

// AccountsNotifier is implemented by requesters that accept account changes
// pushed by the provider app.
type AccountsNotifier interface {
	NotifyAccounts(ctx context.Context, accounts []string) error
}

type accountsReq struct {
	Accounts []string `json:"accounts"`
}

const (
	rpcCodeInvalidRequest = -32600
	rpcCodeParseError     = -32700
)

type rpcReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *provider.RPCError `json:"error,omitempty"`
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, msg string) {
	writeJSON(w, status, rpcResp{
		JSONRPC: "2.0",
		ID:      nullID(id),
		Error:   &provider.RPCError{Code: code, Message: msg},
	})
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRPCError(w, http.StatusMethodNotAllowed, nil, -32601, "method not allowed")
		return
	}

	s.mu.Lock()
	requester := s.requester
	s.mu.Unlock()
	if requester == nil {
		writeRPCError(w, http.StatusServiceUnavailable, nil, provider.CodeInternal, "provider not initialised")
		return
	}

	var req rpcReq
	if err := readJSONBody(w, r, &req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, rpcCodeParseError, "invalid request")
		return
	}
	if req.Method == "" {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcCodeInvalidRequest, "missing method")
		return
	}

	var params []any
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, http.StatusBadRequest, req.ID, rpcCodeInvalidRequest, "params must be an array")
			return
		}
	}

	res, err := requester.Request(r.Context(), req.Method, params)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcResp{JSONRPC: "2.0", ID: nullID(req.ID), Error: provider.ToRPCError(err)})
		return
	}

	raw, err := json.Marshal(res)
	if err != nil {
		writeRPCError(w, http.StatusOK, req.ID, provider.CodeInternal, "encode result")
		return
	}
	writeJSON(w, http.StatusOK, rpcResp{JSONRPC: "2.0", ID: nullID(req.ID), Result: raw})
}

// handleAccounts applies an account set reported by the provider app. An empty
// list disconnects.
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	requester := s.requester
	s.mu.Unlock()
	notifier, ok := requester.(AccountsNotifier)
	if !ok {
		http.Error(w, "provider not initialised", http.StatusServiceUnavailable)
		return
	}

	var req accountsReq
	if err := readJSONBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	for _, a := range req.Accounts {
		if !common.IsHexAddress(a) {
			http.Error(w, "invalid account "+a, http.StatusBadRequest)
			return
		}
	}

	if err := notifier.NotifyAccounts(r.Context(), req.Accounts); err != nil {
		log.Error("apply provider accounts", "error", err)
		http.Error(w, "apply accounts failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

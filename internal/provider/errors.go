package provider

import (
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/quantumauth-io/crossapp-wallet/internal/keyexchange"
	"github.com/quantumauth-io/crossapp-wallet/internal/popup"
)

var (
	ErrSessionRequired    = errors.New("no session: connect first")
	ErrChainNotConfigured = errors.New("chain not configured")
	ErrUnsupportedMethod  = errors.New("unsupported method")
	ErrInvalidParams      = errors.New("invalid params")
)

// EIP-1193 / EIP-1474 codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupported       = 4200
	CodeDisconnected      = 4900
	CodeUnrecognizedChain = 4902
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
)

// RPCError is the JSON-RPC error shape a facade should return for err.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// ToRPCError classifies err. Errors returned by the read client keep their own
// code and data.
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	out := &RPCError{Code: RPCCode(err), Message: err.Error()}

	var de rpc.DataError
	if errors.As(err, &de) {
		out.Data = de.ErrorData()
	}
	var perr *popup.ProviderError
	if errors.As(err, &perr) {
		out.Message = perr.Error()
	}
	return out
}

func RPCCode(err error) int {
	var (
		perr *popup.ProviderError
		rerr rpc.Error
	)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, popup.ErrUserRejected), errors.As(err, &perr):
		return CodeUserRejected
	case errors.Is(err, ErrSessionRequired):
		return CodeUnauthorized
	case errors.Is(err, ErrUnsupportedMethod):
		return CodeUnsupported
	case errors.Is(err, ErrChainNotConfigured):
		return CodeUnrecognizedChain
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	case errors.Is(err, keyexchange.ErrAuthenticationFailed),
		errors.Is(err, keyexchange.ErrMalformedInput),
		errors.Is(err, popup.ErrTimeout),
		errors.Is(err, popup.ErrPopupBlocked):
		return CodeInternal
	case errors.As(err, &rerr):
		return rerr.ErrorCode()
	default:
		return CodeInternal
	}
}

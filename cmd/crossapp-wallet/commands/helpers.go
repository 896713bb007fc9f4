package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/quantumauth-io/crossapp-wallet/internal/provider"
)

// parseChainID accepts "11155111" or "0xaa36a7".
func parseChainID(s string) (uint64, error) {
	return provider.ParseChainID(s)
}

// messageHex passes 0x-prefixed hex through and hex-encodes anything else as UTF-8.
func messageHex(msg string) string {
	if _, err := hexutil.Decode(msg); err == nil {
		return msg
	}
	return hexutil.Encode([]byte(msg))
}

type txRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data,omitempty"`
}

func buildTransaction(from, to, value, data string) (txRequest, error) {
	if !common.IsHexAddress(to) {
		return txRequest{}, errors.Newf("invalid recipient %q", to)
	}
	wei, ok := new(big.Int).SetString(strings.TrimSpace(value), 0)
	if !ok || wei.Sign() < 0 {
		return txRequest{}, errors.Newf("invalid value %q", value)
	}
	if data != "" {
		if _, err := hexutil.Decode(data); err != nil {
			return txRequest{}, errors.Wrap(err, "invalid data")
		}
	}
	return txRequest{
		From:  from,
		To:    common.HexToAddress(to).Hex(),
		Value: hexutil.EncodeBig(wei),
		Data:  data,
	}, nil
}

// printResult writes res as indented JSON. Relay results are already JSON
// text and are printed as such.
func printResult(w io.Writer, res any) error {
	var raw json.RawMessage
	switch v := res.(type) {
	case json.RawMessage:
		raw = v
	case string:
		if json.Valid([]byte(v)) {
			raw = json.RawMessage(v)
		}
	}
	if raw != nil {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			res = decoded
		}
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

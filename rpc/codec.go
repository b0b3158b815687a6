package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"gigchain/native/arbitration"
	"gigchain/native/escrow"
)

func decodeAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("invalid address length %d, want %d", len(decoded), len(addr))
	}
	copy(addr[:], decoded)
	return addr, nil
}

func decodeAgreementID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid agreement id %q: %w", raw, err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("invalid agreement id length %d, want %d", len(decoded), len(id))
	}
	copy(id[:], decoded)
	return id, nil
}

func decodeAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

// decodeParams unmarshals the single object-style parameter used by every
// method on this server.
func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("parameter object required")
	}
	return json.Unmarshal(req.Params[0], out)
}

// errorStatus maps engine sentinels onto JSON-RPC status codes so callers can
// distinguish bad requests from server faults.
func errorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case isClientFault(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isClientFault(err error) bool {
	for _, sentinel := range []error{
		escrow.ErrAgreementNotFound,
		escrow.ErrDisputeNotFound,
		escrow.ErrUnauthorized,
		escrow.ErrInvalidState,
		escrow.ErrPaymentMismatch,
		escrow.ErrDuplicateVote,
		arbitration.ErrAlreadyRegistered,
		arbitration.ErrNotRegistered,
		arbitration.ErrInsufficientCredential,
		arbitration.ErrInsufficientAllowance,
		arbitration.ErrUnauthorizedMint,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

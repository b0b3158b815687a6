package types

import "math/big"

// Account holds the spendable balance for a principal. Balances are tracked in
// the smallest indivisible value unit and never go negative.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

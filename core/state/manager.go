package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"gigchain/core/types"
	"gigchain/native/escrow"
	"gigchain/storage"
)

// Manager persists accounts, agreements and disputes as JSON records in a
// key-value database. It implements both the escrow engine's state interface
// and the arbitration ledger's storage interface, so a single database backs
// every subsystem. Each method applies atomically with respect to the others.
type Manager struct {
	mu    sync.Mutex
	db    storage.Database
	vault [20]byte
}

// NewManager wraps the supplied database. The escrow vault address is derived
// deterministically so every node agrees on the custody principal.
func NewManager(db storage.Database) *Manager {
	var vault [20]byte
	digest := ethcrypto.Keccak256([]byte("gigchain/escrow/vault"))
	copy(vault[:], digest[12:])
	return &Manager{db: db, vault: vault}
}

func accountKey(addr []byte) []byte {
	return []byte(fmt.Sprintf("accounts/%x", addr))
}

func agreementKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("escrow/agreement/%x", id))
}

func disputeKey(agreementID [32]byte, id uint32) []byte {
	return []byte(fmt.Sprintf("escrow/dispute/%x/%d", agreementID, id))
}

// KVGet decodes the stored value for key into out, reporting whether the key
// existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kvGet(key, out)
}

func (m *Manager) kvGet(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

// KVPut stores the JSON encoding of value under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kvPut(key, value)
}

func (m *Manager) kvPut(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, raw)
}

// EscrowVaultAddress returns the custody principal for held milestone funds.
func (m *Manager) EscrowVaultAddress() [20]byte { return m.vault }

// GetAccount loads the account for addr, returning a zero-balance account for
// unknown principals.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var acc types.Account
	ok, err := m.kvGet(accountKey(addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok || acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return &acc, nil
}

// PutAccount stores the account for addr.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kvPut(accountKey(addr), account)
}

// AgreementPut validates and stores the agreement.
func (m *Manager) AgreementPut(a *escrow.Agreement) error {
	sanitized, err := escrow.SanitizeAgreement(a)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kvPut(agreementKey(sanitized.ID), sanitized)
}

// AgreementGet loads the agreement by identifier.
func (m *Manager) AgreementGet(id [32]byte) (*escrow.Agreement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var agreement escrow.Agreement
	ok, err := m.kvGet(agreementKey(id), &agreement)
	if err != nil || !ok {
		return nil, false
	}
	return &agreement, true
}

// DisputePut stores the dispute under its agreement-scoped key.
func (m *Manager) DisputePut(d *escrow.Dispute) error {
	if d == nil {
		return fmt.Errorf("state: nil dispute")
	}
	if d.ID == 0 {
		return fmt.Errorf("state: dispute id must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kvPut(disputeKey(d.AgreementID, d.ID), d.Clone())
}

// DisputeGet loads one dispute raised on the agreement.
func (m *Manager) DisputeGet(agreementID [32]byte, id uint32) (*escrow.Dispute, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dispute escrow.Dispute
	ok, err := m.kvGet(disputeKey(agreementID, id), &dispute)
	if err != nil || !ok {
		return nil, false
	}
	return &dispute, true
}

// Credit adds value to the principal's account, creating it when absent.
// Used to seed balances at genesis and in tests.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credit(addr, amount)
}

func (m *Manager) credit(addr [20]byte, amount *big.Int) error {
	var acc types.Account
	if _, err := m.kvGet(accountKey(addr[:]), &acc); err != nil {
		return err
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return m.kvPut(accountKey(addr[:]), &acc)
}

// GenesisAllocation seeds one account balance at first boot.
type GenesisAllocation struct {
	Address [20]byte
	Balance *big.Int
}

var genesisAppliedKey = []byte("genesis/applied")

// ApplyGenesisAllocations credits the configured balances exactly once per
// database. Once the marker key exists every subsequent call is a no-op, so
// restarts never double-credit.
func (m *Manager) ApplyGenesisAllocations(allocs []GenesisAllocation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied, err := m.db.Has(genesisAppliedKey)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}
	for _, alloc := range allocs {
		if alloc.Balance == nil || alloc.Balance.Sign() < 0 {
			return false, fmt.Errorf("state: allocation balance must be non-negative")
		}
		if err := m.credit(alloc.Address, alloc.Balance); err != nil {
			return false, err
		}
	}
	if err := m.kvPut(genesisAppliedKey, true); err != nil {
		return false, err
	}
	return true, nil
}

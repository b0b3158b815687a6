package arbitration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gigchain/core/events"
	"gigchain/core/types"
)

const (
	// InitialCredential is the spendable voting balance granted on
	// registration.
	InitialCredential uint64 = 10
	// InitialReputation is the reputation counter assigned on registration.
	InitialReputation uint64 = 1
)

var (
	// ErrAlreadyRegistered rejects re-registration. Registration is never a
	// reset; that would let an arbitrator launder a poor reputation.
	ErrAlreadyRegistered = errors.New("arbitration: arbitrator already registered")
	// ErrNotRegistered marks operations against unknown principals.
	ErrNotRegistered = errors.New("arbitration: arbitrator not registered")
	// ErrInsufficientCredential is returned when a balance cannot cover the
	// requested consumption or transfer.
	ErrInsufficientCredential = errors.New("arbitration: insufficient credential balance")
	// ErrInsufficientAllowance is returned when the spender was not
	// pre-authorized for the requested amount.
	ErrInsufficientAllowance = errors.New("arbitration: insufficient allowance")
	// ErrUnauthorizedMint rejects mints from callers other than the
	// configured authority.
	ErrUnauthorizedMint = errors.New("arbitration: unauthorized mint caller")

	errNilStore = errors.New("arbitration: storage unavailable")
)

// storage abstracts the subset of state manager functionality required by the
// arbitration ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Arbitrator is one registered principal with its credential balance and
// reputation counter. Credential and reputation move independently: spending
// credential to vote never touches reputation, which changes only when a
// dispute resolves in the direction the arbitrator voted.
type Arbitrator struct {
	Address      [20]byte
	Balance      uint64
	Reputation   uint64
	RegisteredAt int64
}

// Clone returns a copy safe for modification.
func (a *Arbitrator) Clone() *Arbitrator {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

func arbitratorKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("arbitration/arbitrator/%x", addr))
}

func allowanceKey(owner, spender [20]byte) []byte {
	return []byte(fmt.Sprintf("arbitration/allowance/%x/%x", owner, spender))
}

var indexKey = []byte("arbitration/index")

// Ledger is the shared arbitrator registry. A single mutex serializes every
// mutation so concurrent votes across many agreements touching the same
// balance apply one at a time, each with a fail-fast insufficiency check.
type Ledger struct {
	mu        sync.Mutex
	store     storage
	emitter   events.Emitter
	authority [20]byte
	nowFn     func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage) *Ledger {
	return &Ledger{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetAuthority configures the only principal allowed to mint credential
// outside dispute rewards.
func (l *Ledger) SetAuthority(addr [20]byte) { l.authority = addr }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the wall clock, primarily for deterministic tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

func (l *Ledger) emit(event *types.Event) {
	if l == nil || l.emitter == nil || event == nil {
		return
	}
	l.emitter.Emit(ledgerEvent{evt: event})
}

func (l *Ledger) load(addr [20]byte) (*Arbitrator, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errNilStore
	}
	var record Arbitrator
	ok, err := l.store.KVGet(arbitratorKey(addr), &record)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &record, true, nil
}

func (l *Ledger) save(record *Arbitrator) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	return l.store.KVPut(arbitratorKey(record.Address), record)
}

func (l *Ledger) index() ([][20]byte, error) {
	var addrs [][20]byte
	if _, err := l.store.KVGet(indexKey, &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

// Register adds the principal to the arbitrator set with the initial
// credential grant and reputation 1. Registering an existing arbitrator fails.
func (l *Ledger) Register(addr [20]byte) (*Arbitrator, error) {
	if l == nil || l.store == nil {
		return nil, errNilStore
	}
	if addr == ([20]byte{}) {
		return nil, fmt.Errorf("arbitration: address required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok, err := l.load(addr); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyRegistered
	}
	record := &Arbitrator{
		Address:      addr,
		Balance:      InitialCredential,
		Reputation:   InitialReputation,
		RegisteredAt: l.now(),
	}
	if err := l.save(record); err != nil {
		return nil, err
	}
	addrs, err := l.index()
	if err != nil {
		return nil, err
	}
	addrs = append(addrs, addr)
	if err := l.store.KVPut(indexKey, addrs); err != nil {
		return nil, err
	}
	l.emit(NewRegisteredEvent(record))
	return record.Clone(), nil
}

// Approve sets the spender's allowance over the owner's credential balance.
// Arbitrators call this before voting to authorize the escrow vault.
func (l *Ledger) Approve(owner, spender [20]byte, amount uint64) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok, err := l.load(owner); err != nil {
		return err
	} else if !ok {
		return ErrNotRegistered
	}
	if err := l.store.KVPut(allowanceKey(owner, spender), amount); err != nil {
		return err
	}
	l.emit(NewApprovedEvent(owner, spender, amount))
	return nil
}

// Allowance returns the spender's remaining authorization over the owner's
// balance.
func (l *Ledger) Allowance(owner, spender [20]byte) (uint64, error) {
	if l == nil || l.store == nil {
		return 0, errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowance(owner, spender)
}

func (l *Ledger) allowance(owner, spender [20]byte) (uint64, error) {
	var amount uint64
	if _, err := l.store.KVGet(allowanceKey(owner, spender), &amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// Consume atomically decrements both the spender's allowance and the owner's
// balance. Both checks are fail-fast; nothing is reserved or rolled back.
func (l *Ledger) Consume(owner, spender [20]byte, amount uint64) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok, err := l.load(owner)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	allowed, err := l.allowance(owner, spender)
	if err != nil {
		return err
	}
	if allowed < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientAllowance, allowed, amount)
	}
	if record.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredential, record.Balance, amount)
	}
	record.Balance -= amount
	if err := l.save(record); err != nil {
		return err
	}
	if err := l.store.KVPut(allowanceKey(owner, spender), allowed-amount); err != nil {
		return err
	}
	l.emit(NewConsumedEvent(owner, spender, amount, record.Balance))
	return nil
}

// Reward mints credential into the arbitrator's balance. Called by escrow
// engines when a dispute resolves in the direction the arbitrator voted.
func (l *Ledger) Reward(addr [20]byte, amount uint64) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok, err := l.load(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	record.Balance += amount
	if err := l.save(record); err != nil {
		return err
	}
	l.emit(NewRewardedEvent(addr, amount, record.Balance))
	return nil
}

// IncreaseReputation increments the monotonic reputation counter by one.
func (l *Ledger) IncreaseReputation(addr [20]byte) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok, err := l.load(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	record.Reputation++
	if err := l.save(record); err != nil {
		return err
	}
	l.emit(NewReputationEvent(addr, record.Reputation))
	return nil
}

// Mint tops up an arbitrator's balance. Only the configured authority may
// mint outside the dispute reward path.
func (l *Ledger) Mint(caller, addr [20]byte, amount uint64) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	if l.authority == ([20]byte{}) || caller != l.authority {
		return ErrUnauthorizedMint
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok, err := l.load(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	record.Balance += amount
	if err := l.save(record); err != nil {
		return err
	}
	l.emit(NewMintedEvent(addr, amount, record.Balance))
	return nil
}

// Transfer moves credential between two registered arbitrators.
func (l *Ledger) Transfer(from, to [20]byte, amount uint64) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	if from == to {
		return fmt.Errorf("arbitration: transfer to self")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sender, ok, err := l.load(from)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	recipient, ok, err := l.load(to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	if sender.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredential, sender.Balance, amount)
	}
	sender.Balance -= amount
	recipient.Balance += amount
	if err := l.save(sender); err != nil {
		return err
	}
	if err := l.save(recipient); err != nil {
		return err
	}
	l.emit(NewTransferredEvent(from, to, amount))
	return nil
}

// BalanceOf returns the spendable credential balance.
func (l *Ledger) BalanceOf(addr [20]byte) (uint64, error) {
	if l == nil || l.store == nil {
		return 0, errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok, err := l.load(addr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotRegistered
	}
	return record.Balance, nil
}

// ReputationOf returns the reputation counter.
func (l *Ledger) ReputationOf(addr [20]byte) (uint64, error) {
	if l == nil || l.store == nil {
		return 0, errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok, err := l.load(addr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotRegistered
	}
	return record.Reputation, nil
}

// IsArbitrator reports whether the principal is registered.
func (l *Ledger) IsArbitrator(addr [20]byte) (bool, error) {
	if l == nil || l.store == nil {
		return false, errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok, err := l.load(addr)
	return ok, err
}

// Arbitrators returns every registered record in registration order.
func (l *Ledger) Arbitrators() ([]*Arbitrator, error) {
	if l == nil || l.store == nil {
		return nil, errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs, err := l.index()
	if err != nil {
		return nil, err
	}
	records := make([]*Arbitrator, 0, len(addrs))
	for _, addr := range addrs {
		record, ok, err := l.load(addr)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("arbitration: indexed arbitrator %x missing", addr)
		}
		records = append(records, record)
	}
	return records, nil
}

// Count returns the size of the registered arbitrator pool.
func (l *Ledger) Count() (int, error) {
	if l == nil || l.store == nil {
		return 0, errNilStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs, err := l.index()
	if err != nil {
		return 0, err
	}
	return len(addrs), nil
}

package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"gigchain/core/events"
	"gigchain/core/types"
)

var (
	errNilState     = errors.New("escrow engine: state not configured")
	errNilLedger    = errors.New("escrow engine: arbitration ledger not configured")
	errNilRecipient = errors.New("escrow engine: fee recipient not configured")
)

const (
	// DefaultCommissionRate is the percentage of every milestone payment
	// routed to the fee recipient.
	DefaultCommissionRate uint32 = 5
	// VoteCost is the number of credential units consumed per ballot.
	VoteCost uint64 = 1
	// winnerReward returns the consumed stake plus one freshly minted unit,
	// so winning arbitrators end one credential ahead of where they started.
	winnerReward = VoteCost + 1
)

// engineState is the subset of state manager functionality required by the
// escrow engine.
type engineState interface {
	AgreementPut(*Agreement) error
	AgreementGet(id [32]byte) (*Agreement, bool)
	DisputePut(*Dispute) error
	DisputeGet(agreementID [32]byte, id uint32) (*Dispute, bool)
	EscrowVaultAddress() [20]byte
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// arbitrationLedger is the credential/reputation registry consulted when
// arbitrators vote. The engine's vault address acts as the allowance spender.
type arbitrationLedger interface {
	IsArbitrator(addr [20]byte) (bool, error)
	Count() (int, error)
	Consume(owner, spender [20]byte, amount uint64) error
	Reward(addr [20]byte, amount uint64) error
	IncreaseReputation(addr [20]byte) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the agreement state machine with external state, the shared
// arbitration ledger and event emitters. Every public operation is applied
// atomically: concurrent calls serialize on the engine mutex and either fully
// complete or fail with no state change.
type Engine struct {
	mu             sync.Mutex
	state          engineState
	ledger         arbitrationLedger
	emitter        events.Emitter
	feeRecipient   [20]byte
	commissionRate uint32
	nowFn          func() int64
}

// NewEngine creates an escrow engine with a no-op emitter and the default
// commission rate. Callers can override both before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:        events.NoopEmitter{},
		commissionRate: DefaultCommissionRate,
		nowFn:          func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the shared arbitration ledger consulted during votes.
func (e *Engine) SetLedger(ledger arbitrationLedger) { e.ledger = ledger }

// SetFeeRecipient configures the address that receives milestone commissions.
func (e *Engine) SetFeeRecipient(addr [20]byte) { e.feeRecipient = addr }

// SetCommissionRate overrides the commission percentage applied to deposits.
func (e *Engine) SetCommissionRate(rate uint32) { e.commissionRate = rate }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// AgreementID derives the deterministic identifier for an agreement between
// the supplied principals and nonce.
func AgreementID(client, freelancer [20]byte, nonce uint64) [32]byte {
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	return ethcrypto.Keccak256Hash(client[:], freelancer[:], nonceBuf[:])
}

// Commission computes the fee on a milestone principal: floor(amount*rate/100).
func Commission(amount *big.Int, rate uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(rate)))
	return fee.Div(fee, big.NewInt(100))
}

func (e *Engine) loadAgreement(id [32]byte) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	agreement, ok := e.state.AgreementGet(id)
	if !ok {
		return nil, ErrAgreementNotFound
	}
	return agreement, nil
}

func (e *Engine) storeAgreement(a *Agreement) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.AgreementPut(a)
}

// transferValue moves balance between accounts held by the state backend.
// Amounts are validated against the sender's balance before any mutation.
func (e *Engine) transferValue(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneOrZero(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// CreateAgreement initialises and persists a new escrow agreement in the
// AwaitingDeposit state. Creation is idempotent: recreating an identical
// definition returns the stored agreement, while a conflicting definition for
// the same identifier fails.
func (e *Engine) CreateAgreement(client, freelancer [20]byte, total *big.Int, milestoneCount uint32, nonce uint64, description string) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if client == ([20]byte{}) || freelancer == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: client and freelancer required")
	}
	if client == freelancer {
		return nil, fmt.Errorf("escrow: client and freelancer must differ")
	}
	if e.feeRecipient == ([20]byte{}) {
		return nil, errNilRecipient
	}
	amt := cloneOrZero(total)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: total payment must be positive")
	}
	if milestoneCount == 0 {
		return nil, fmt.Errorf("escrow: milestone count must be positive")
	}
	if nonce == 0 {
		return nil, fmt.Errorf("escrow: nonce must be positive")
	}
	id := AgreementID(client, freelancer, nonce)
	if existing, ok := e.state.AgreementGet(id); ok {
		if existing.Client != client || existing.Freelancer != freelancer ||
			existing.TotalPayment.Cmp(amt) != 0 || existing.MilestoneCount != milestoneCount ||
			existing.Description != description {
			return nil, fmt.Errorf("escrow: identifier already exists with different definition")
		}
		return existing, nil
	}
	agreement := &Agreement{
		ID:             id,
		Client:         client,
		Freelancer:     freelancer,
		FeeRecipient:   e.feeRecipient,
		TotalPayment:   amt,
		CommissionRate: e.commissionRate,
		MilestoneCount: milestoneCount,
		Description:    description,
		PaidAmount:     big.NewInt(0),
		HeldAmount:     big.NewInt(0),
		HeldCommission: big.NewInt(0),
		State:          StateAwaitingDeposit,
		CreatedAt:      e.now(),
	}
	if err := e.storeAgreement(agreement); err != nil {
		return nil, err
	}
	e.emit(NewAgreementCreatedEvent(agreement))
	return agreement.Clone(), nil
}

// Deposit locks the next milestone's funds in the escrow vault. The caller
// must be the client, the transferred value must equal the milestone amount
// plus commission exactly, and the final milestone must cover the outstanding
// balance so a completed agreement always sums to the total payment.
func (e *Engine) Deposit(id [32]byte, caller [20]byte, amount, value *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if caller != agreement.Client {
		return fmt.Errorf("%w: only client can deposit", ErrUnauthorized)
	}
	if agreement.State != StateAwaitingDeposit {
		return fmt.Errorf("%w: deposit requires awaitingDeposit, have %s", ErrInvalidState, agreement.State)
	}
	amt := cloneOrZero(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrPaymentMismatch)
	}
	remaining := agreement.Remaining()
	if agreement.FinalMilestone() {
		if amt.Cmp(remaining) != 0 {
			return fmt.Errorf("%w: final milestone must deposit the outstanding %s", ErrPaymentMismatch, remaining)
		}
	} else if amt.Cmp(remaining) >= 0 {
		return fmt.Errorf("%w: deposit would exceed remaining total payment", ErrPaymentMismatch)
	}
	commission := Commission(amt, agreement.CommissionRate)
	required := new(big.Int).Add(amt, commission)
	if value == nil || value.Cmp(required) != 0 {
		return fmt.Errorf("%w: required value %s", ErrPaymentMismatch, required)
	}
	// Balance is validated up front so the transfer after the bookkeeping
	// commit cannot fail under the engine mutex.
	clientAcc, err := e.state.GetAccount(agreement.Client[:])
	if err != nil {
		return err
	}
	if ensureAccount(clientAcc).Balance.Cmp(required) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	vault := e.state.EscrowVaultAddress()
	agreement.HeldAmount = amt
	agreement.HeldCommission = commission
	agreement.State = StateAwaitingDelivery
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	if err := e.transferValue(agreement.Client, vault, required); err != nil {
		return err
	}
	e.emit(NewDepositMadeEvent(agreement, amt, commission))
	return nil
}

// CompleteMilestone records the freelancer's completion message and moves the
// milestone into the confirmation phase.
func (e *Engine) CompleteMilestone(id [32]byte, caller [20]byte, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if caller != agreement.Freelancer {
		return fmt.Errorf("%w: only freelancer can complete a milestone", ErrUnauthorized)
	}
	if agreement.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: completion requires awaitingDelivery, have %s", ErrInvalidState, agreement.State)
	}
	if agreement.OpenDispute != 0 {
		return fmt.Errorf("%w: dispute %d is open", ErrInvalidState, agreement.OpenDispute)
	}
	agreement.CompletionMessage = message
	agreement.State = StateAwaitingConfirmation
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	e.emit(NewMilestoneCompletedEvent(agreement, message))
	return nil
}

// ConfirmAndPay releases the held milestone principal to the freelancer and
// the commission to the fee recipient, then advances to the next milestone or
// completes the agreement.
func (e *Engine) ConfirmAndPay(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if caller != agreement.Client {
		return fmt.Errorf("%w: only client can confirm", ErrUnauthorized)
	}
	if agreement.State != StateAwaitingConfirmation {
		return fmt.Errorf("%w: confirmation requires awaitingConfirmation, have %s", ErrInvalidState, agreement.State)
	}
	if agreement.OpenDispute != 0 {
		return fmt.Errorf("%w: dispute %d is open", ErrInvalidState, agreement.OpenDispute)
	}
	principal := cloneOrZero(agreement.HeldAmount)
	if err := e.settleMilestone(agreement); err != nil {
		return err
	}
	e.emit(NewDeliveryConfirmedEvent(agreement))
	e.emit(NewPaymentMadeEvent(agreement, principal))
	if agreement.State == StateCompleted {
		e.emit(NewCompletedEvent(agreement))
	}
	return nil
}

// settleMilestone pays out the held funds in the freelancer's favour and
// advances the lifecycle. Shared between confirmation and freelancer-side
// dispute resolution so both paths release funds exactly once. Bookkeeping
// commits before value moves; the vault covers the held amounts by invariant
// so the trailing transfers cannot fail.
func (e *Engine) settleMilestone(agreement *Agreement) error {
	vault := e.state.EscrowVaultAddress()
	principal := cloneOrZero(agreement.HeldAmount)
	commission := cloneOrZero(agreement.HeldCommission)
	if principal.Sign() <= 0 {
		return fmt.Errorf("escrow: no funds held for milestone")
	}
	agreement.PaidAmount = new(big.Int).Add(cloneOrZero(agreement.PaidAmount), principal)
	agreement.MilestonesPaid++
	agreement.HeldAmount = big.NewInt(0)
	agreement.HeldCommission = big.NewInt(0)
	if agreement.PaidAmount.Cmp(agreement.TotalPayment) == 0 {
		agreement.State = StateCompleted
	} else {
		agreement.State = StateAwaitingDeposit
	}
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	if err := e.transferValue(vault, agreement.Freelancer, principal); err != nil {
		return err
	}
	if commission.Sign() > 0 {
		if err := e.transferValue(vault, agreement.FeeRecipient, commission); err != nil {
			return err
		}
	}
	return nil
}

// RaiseDispute opens an escalation against the active milestone. Only the
// client or freelancer may raise one, and only one dispute may be open at a
// time. The dispute snapshots the pre-dispute state for auditing.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte, message string) (*Dispute, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	if caller != agreement.Client && caller != agreement.Freelancer {
		return nil, fmt.Errorf("%w: only client or freelancer can raise a dispute", ErrUnauthorized)
	}
	if agreement.State != StateAwaitingDelivery && agreement.State != StateAwaitingConfirmation {
		return nil, fmt.Errorf("%w: dispute requires an active milestone, have %s", ErrInvalidState, agreement.State)
	}
	if agreement.OpenDispute != 0 {
		return nil, fmt.Errorf("%w: dispute %d already open", ErrInvalidState, agreement.OpenDispute)
	}
	dispute := &Dispute{
		ID:          agreement.DisputeCount + 1,
		AgreementID: agreement.ID,
		RaisedBy:    caller,
		PriorState:  agreement.State,
		Message:     message,
		Status:      DisputeOpen,
		RaisedAt:    e.now(),
	}
	agreement.DisputeCount = dispute.ID
	agreement.OpenDispute = dispute.ID
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, err
	}
	if err := e.storeAgreement(agreement); err != nil {
		return nil, err
	}
	e.emit(NewDisputeRaisedEvent(agreement, dispute))
	return dispute.Clone(), nil
}

// VoteOnDispute casts a weighted ballot on an open dispute. The voter must be
// a registered arbitrator distinct from both parties, must not have voted
// before, and must have pre-approved the escrow vault to spend the vote cost.
// Crossing the majority threshold resolves the dispute immediately.
func (e *Engine) VoteOnDispute(id [32]byte, disputeID uint32, voter [20]byte, side VoteSide) (*Dispute, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, fmt.Errorf("escrow: invalid vote side %d", side)
	}
	if disputeID == 0 || disputeID > agreement.DisputeCount {
		return nil, fmt.Errorf("%w: id %d", ErrDisputeNotFound, disputeID)
	}
	dispute, ok := e.state.DisputeGet(id, disputeID)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrDisputeNotFound, disputeID)
	}
	if voter == agreement.Client || voter == agreement.Freelancer {
		return nil, fmt.Errorf("%w: client and freelancer cannot vote", ErrUnauthorized)
	}
	if dispute.Status != DisputeOpen {
		return nil, fmt.Errorf("%w: dispute %d already resolved", ErrInvalidState, disputeID)
	}
	registered, err := e.ledger.IsArbitrator(voter)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, fmt.Errorf("%w: voter is not a registered arbitrator", ErrUnauthorized)
	}
	if dispute.HasVoted(voter) {
		return nil, fmt.Errorf("%w: dispute %d", ErrDuplicateVote, disputeID)
	}
	vault := e.state.EscrowVaultAddress()
	if err := e.ledger.Consume(voter, vault, VoteCost); err != nil {
		return nil, err
	}
	dispute.Votes = append(dispute.Votes, Vote{Voter: voter, Side: side})
	switch side {
	case VoteForFreelancer:
		dispute.VotesForFreelancer += VoteCost
	case VoteForClient:
		dispute.VotesForClient += VoteCost
	}
	e.emit(NewVoteCastEvent(dispute, voter, side, VoteCost))
	threshold, err := e.resolutionThreshold()
	if err != nil {
		return nil, err
	}
	if dispute.Tally(side) >= threshold {
		if err := e.resolveDispute(agreement, dispute, side); err != nil {
			return nil, err
		}
	} else if err := e.state.DisputePut(dispute); err != nil {
		return nil, err
	}
	return dispute.Clone(), nil
}

// resolutionThreshold is a strict majority of all registered arbitrators.
func (e *Engine) resolutionThreshold() (uint64, error) {
	count, err := e.ledger.Count()
	if err != nil {
		return 0, err
	}
	return uint64(count)/2 + 1, nil
}

func (e *Engine) resolveDispute(agreement *Agreement, dispute *Dispute, winner VoteSide) error {
	dispute.Status = DisputeResolved
	agreement.OpenDispute = 0

	var winnerAddr [20]byte
	var message string
	switch winner {
	case VoteForFreelancer:
		winnerAddr = agreement.Freelancer
		message = "Freelancer won the dispute"
		principal := cloneOrZero(agreement.HeldAmount)
		if err := e.settleMilestone(agreement); err != nil {
			return err
		}
		if err := e.state.DisputePut(dispute); err != nil {
			return err
		}
		e.emit(NewDisputeResolvedEvent(agreement, dispute, winnerAddr, message))
		e.emit(NewDeliveryConfirmedEvent(agreement))
		e.emit(NewPaymentMadeEvent(agreement, principal))
		if agreement.State == StateCompleted {
			e.emit(NewCompletedEvent(agreement))
		}
	case VoteForClient:
		winnerAddr = agreement.Client
		message = "Client won the dispute"
		vault := e.state.EscrowVaultAddress()
		refund := new(big.Int).Add(cloneOrZero(agreement.HeldAmount), cloneOrZero(agreement.HeldCommission))
		agreement.HeldAmount = big.NewInt(0)
		agreement.HeldCommission = big.NewInt(0)
		agreement.State = StateDissolved
		if err := e.storeAgreement(agreement); err != nil {
			return err
		}
		if err := e.state.DisputePut(dispute); err != nil {
			return err
		}
		if err := e.transferValue(vault, agreement.Client, refund); err != nil {
			return err
		}
		e.emit(NewDisputeResolvedEvent(agreement, dispute, winnerAddr, message))
		e.emit(NewDepositRefundedEvent(agreement, refund))
	}

	// Reward the majority after the funds have settled. Reputation moves
	// only here, never at vote time.
	for _, vote := range dispute.Votes {
		if vote.Side != winner {
			continue
		}
		if err := e.ledger.Reward(vote.Voter, winnerReward); err != nil {
			return err
		}
		if err := e.ledger.IncreaseReputation(vote.Voter); err != nil {
			return err
		}
	}
	return nil
}

// GetAgreement returns a copy of the stored agreement.
func (e *Engine) GetAgreement(id [32]byte) (*Agreement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadAgreement(id)
}

// GetDispute returns a copy of the identified dispute.
func (e *Engine) GetDispute(id [32]byte, disputeID uint32) (*Dispute, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	dispute, ok := e.state.DisputeGet(id, disputeID)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrDisputeNotFound, disputeID)
	}
	return dispute, nil
}

// ListDisputes returns every dispute raised on the agreement in id order.
func (e *Engine) ListDisputes(id [32]byte) ([]*Dispute, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	disputes := make([]*Dispute, 0, agreement.DisputeCount)
	for n := uint32(1); n <= agreement.DisputeCount; n++ {
		dispute, ok := e.state.DisputeGet(id, n)
		if !ok {
			return nil, fmt.Errorf("%w: id %d", ErrDisputeNotFound, n)
		}
		disputes = append(disputes, dispute)
	}
	return disputes, nil
}

// DisputesByRaiser filters the agreement's disputes by the raising principal.
func (e *Engine) DisputesByRaiser(id [32]byte, raiser [20]byte) ([]*Dispute, error) {
	disputes, err := e.ListDisputes(id)
	if err != nil {
		return nil, err
	}
	filtered := disputes[:0]
	for _, dispute := range disputes {
		if dispute.RaisedBy == raiser {
			filtered = append(filtered, dispute)
		}
	}
	return filtered, nil
}

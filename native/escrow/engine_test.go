package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"gigchain/core/events"
	"gigchain/core/types"
)

type disputeKey struct {
	agreement [32]byte
	id        uint32
}

type mockState struct {
	agreements map[[32]byte]*Agreement
	disputes   map[disputeKey]*Dispute
	accounts   map[[20]byte]*types.Account
	vault      [20]byte
}

func newMockState() *mockState {
	return &mockState{
		agreements: make(map[[32]byte]*Agreement),
		disputes:   make(map[disputeKey]*Dispute),
		accounts:   make(map[[20]byte]*types.Account),
		vault:      newTestAddress(0xAA),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func (m *mockState) AgreementPut(a *Agreement) error {
	sanitized, err := SanitizeAgreement(a)
	if err != nil {
		return err
	}
	m.agreements[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) AgreementGet(id [32]byte) (*Agreement, bool) {
	agreement, ok := m.agreements[id]
	if !ok {
		return nil, false
	}
	return agreement.Clone(), true
}

func (m *mockState) DisputePut(d *Dispute) error {
	if d == nil {
		return fmt.Errorf("nil dispute")
	}
	m.disputes[disputeKey{d.AgreementID, d.ID}] = d.Clone()
	return nil
}

func (m *mockState) DisputeGet(agreementID [32]byte, id uint32) (*Dispute, bool) {
	dispute, ok := m.disputes[disputeKey{agreementID, id}]
	if !ok {
		return nil, false
	}
	return dispute.Clone(), true
}

func (m *mockState) EscrowVaultAddress() [20]byte { return m.vault }

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return &types.Account{Nonce: acc.Nonce, Balance: new(big.Int).Set(acc.Balance)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = &types.Account{Nonce: account.Nonce, Balance: new(big.Int).Set(account.Balance)}
	return nil
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.Balance)
}

func (m *mockState) credit(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

type arbRecord struct {
	balance    uint64
	reputation uint64
}

type mockLedger struct {
	records    map[[20]byte]*arbRecord
	allowances map[[20]byte]map[[20]byte]uint64
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		records:    make(map[[20]byte]*arbRecord),
		allowances: make(map[[20]byte]map[[20]byte]uint64),
	}
}

func (l *mockLedger) register(addr [20]byte) {
	l.records[addr] = &arbRecord{balance: 10, reputation: 1}
}

func (l *mockLedger) approve(owner, spender [20]byte, amount uint64) {
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[[20]byte]uint64)
	}
	l.allowances[owner][spender] = amount
}

func (l *mockLedger) IsArbitrator(addr [20]byte) (bool, error) {
	_, ok := l.records[addr]
	return ok, nil
}

func (l *mockLedger) Count() (int, error) { return len(l.records), nil }

func (l *mockLedger) Consume(owner, spender [20]byte, amount uint64) error {
	record, ok := l.records[owner]
	if !ok {
		return fmt.Errorf("not registered")
	}
	allowed := l.allowances[owner][spender]
	if allowed < amount {
		return fmt.Errorf("insufficient allowance")
	}
	if record.balance < amount {
		return fmt.Errorf("insufficient credential")
	}
	record.balance -= amount
	l.allowances[owner][spender] = allowed - amount
	return nil
}

func (l *mockLedger) Reward(addr [20]byte, amount uint64) error {
	record, ok := l.records[addr]
	if !ok {
		return fmt.Errorf("not registered")
	}
	record.balance += amount
	return nil
}

func (l *mockLedger) IncreaseReputation(addr [20]byte) error {
	record, ok := l.records[addr]
	if !ok {
		return fmt.Errorf("not registered")
	}
	record.reputation++
	return nil
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	typed, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	c.events = append(c.events, typed.Event())
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type)
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *mockLedger, *capturingEmitter) {
	t.Helper()
	state := newMockState()
	ledger := newMockLedger()
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetLedger(ledger)
	engine.SetFeeRecipient(newTestAddress(0xFE))
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 42 })
	return engine, state, ledger, emitter
}

var (
	client     = newTestAddress(0x01)
	freelancer = newTestAddress(0x02)
)

func mustCreate(t *testing.T, engine *Engine, total int64, milestones uint32) *Agreement {
	t.Helper()
	agreement, err := engine.CreateAgreement(client, freelancer, big.NewInt(total), milestones, 1, "website build")
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return agreement
}

func TestCommission(t *testing.T) {
	cases := []struct {
		amount int64
		rate   uint32
		want   int64
	}{
		{100, 5, 5},
		{10, 5, 0},
		{50, 5, 2},
		{0, 5, 0},
		{100, 0, 0},
	}
	for _, tc := range cases {
		got := Commission(big.NewInt(tc.amount), tc.rate)
		if got.Int64() != tc.want {
			t.Fatalf("Commission(%d, %d) = %s, want %d", tc.amount, tc.rate, got, tc.want)
		}
	}
}

func TestCreateAgreement(t *testing.T) {
	engine, state, _, emitter := newTestEngine(t)
	agreement := mustCreate(t, engine, 100, 2)
	if agreement.State != StateAwaitingDeposit {
		t.Fatalf("unexpected state %s", agreement.State)
	}
	if agreement.CommissionRate != DefaultCommissionRate {
		t.Fatalf("unexpected commission rate %d", agreement.CommissionRate)
	}
	if _, ok := state.agreements[agreement.ID]; !ok {
		t.Fatal("agreement not persisted")
	}
	if got := emitter.eventTypes(); len(got) != 1 || got[0] != EventTypeAgreementCreated {
		t.Fatalf("unexpected events %v", got)
	}

	// Identical definition is idempotent.
	again, err := engine.CreateAgreement(client, freelancer, big.NewInt(100), 2, 1, "website build")
	if err != nil {
		t.Fatalf("idempotent create: %v", err)
	}
	if again.ID != agreement.ID {
		t.Fatal("identifier changed on recreate")
	}

	// Conflicting definition for the same identifier fails.
	if _, err := engine.CreateAgreement(client, freelancer, big.NewInt(200), 2, 1, "website build"); err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestCreateAgreementValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	if _, err := engine.CreateAgreement(client, client, big.NewInt(100), 1, 1, ""); err == nil {
		t.Fatal("expected error for identical parties")
	}
	if _, err := engine.CreateAgreement(client, freelancer, big.NewInt(0), 1, 1, ""); err == nil {
		t.Fatal("expected error for zero total")
	}
	if _, err := engine.CreateAgreement(client, freelancer, big.NewInt(100), 0, 1, ""); err == nil {
		t.Fatal("expected error for zero milestones")
	}
	if _, err := engine.CreateAgreement(client, freelancer, big.NewInt(100), 1, 0, ""); err == nil {
		t.Fatal("expected error for zero nonce")
	}
}

func TestDeposit(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	agreement := mustCreate(t, engine, 100, 1)
	state.credit(client, 1000)

	// Only the client can deposit.
	if err := engine.Deposit(agreement.ID, freelancer, big.NewInt(100), big.NewInt(105)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Value must be amount plus commission exactly.
	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(100)); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}
	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(106)); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}

	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(105)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	stored, _ := state.AgreementGet(agreement.ID)
	if stored.State != StateAwaitingDelivery {
		t.Fatalf("unexpected state %s", stored.State)
	}
	if stored.HeldAmount.Int64() != 100 || stored.HeldCommission.Int64() != 5 {
		t.Fatalf("unexpected held funds %s + %s", stored.HeldAmount, stored.HeldCommission)
	}
	if got := state.balance(client).Int64(); got != 895 {
		t.Fatalf("client balance %d, want 895", got)
	}
	if got := state.balance(state.vault).Int64(); got != 105 {
		t.Fatalf("vault balance %d, want 105", got)
	}

	// No second deposit while funds are held.
	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(105)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDepositFinalMilestoneMustCoverRemainder(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	agreement := mustCreate(t, engine, 100, 1)
	state.credit(client, 1000)
	if err := engine.Deposit(agreement.ID, client, big.NewInt(40), big.NewInt(42)); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}
}

func TestDepositInsufficientBalance(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	agreement := mustCreate(t, engine, 100, 1)
	state.credit(client, 10)
	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(105)); err == nil {
		t.Fatal("expected insufficient balance error")
	}
	stored, _ := state.AgreementGet(agreement.ID)
	if stored.State != StateAwaitingDeposit {
		t.Fatalf("failed deposit mutated state to %s", stored.State)
	}
}

func TestMilestoneLifecycle(t *testing.T) {
	engine, state, _, emitter := newTestEngine(t)
	agreement, err := engine.CreateAgreement(client, freelancer, big.NewInt(100), 2, 1, "two milestones")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	state.credit(client, 1000)

	// First milestone: 40 plus commission 2.
	if err := engine.Deposit(agreement.ID, client, big.NewInt(40), big.NewInt(42)); err != nil {
		t.Fatalf("deposit 1: %v", err)
	}
	if err := engine.CompleteMilestone(agreement.ID, freelancer, "half done"); err != nil {
		t.Fatalf("complete 1: %v", err)
	}
	if err := engine.ConfirmAndPay(agreement.ID, client); err != nil {
		t.Fatalf("confirm 1: %v", err)
	}
	stored, _ := state.AgreementGet(agreement.ID)
	if stored.State != StateAwaitingDeposit {
		t.Fatalf("unexpected state %s after first milestone", stored.State)
	}
	if stored.PaidAmount.Int64() != 40 || stored.MilestonesPaid != 1 {
		t.Fatalf("unexpected progress paid=%s milestones=%d", stored.PaidAmount, stored.MilestonesPaid)
	}
	if got := state.balance(freelancer).Int64(); got != 40 {
		t.Fatalf("freelancer balance %d, want 40", got)
	}
	if got := state.balance(newTestAddress(0xFE)).Int64(); got != 2 {
		t.Fatalf("fee recipient balance %d, want 2", got)
	}

	// Final milestone must cover the remaining 60.
	if err := engine.Deposit(agreement.ID, client, big.NewInt(50), big.NewInt(52)); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}
	if err := engine.Deposit(agreement.ID, client, big.NewInt(60), big.NewInt(63)); err != nil {
		t.Fatalf("deposit 2: %v", err)
	}
	if err := engine.CompleteMilestone(agreement.ID, freelancer, "all done"); err != nil {
		t.Fatalf("complete 2: %v", err)
	}
	if err := engine.ConfirmAndPay(agreement.ID, client); err != nil {
		t.Fatalf("confirm 2: %v", err)
	}
	stored, _ = state.AgreementGet(agreement.ID)
	if stored.State != StateCompleted {
		t.Fatalf("unexpected final state %s", stored.State)
	}
	if stored.PaidAmount.Cmp(stored.TotalPayment) != 0 {
		t.Fatalf("paid %s != total %s", stored.PaidAmount, stored.TotalPayment)
	}
	if got := state.balance(freelancer).Int64(); got != 100 {
		t.Fatalf("freelancer balance %d, want 100", got)
	}
	if got := state.balance(newTestAddress(0xFE)).Int64(); got != 5 {
		t.Fatalf("fee recipient balance %d, want 5", got)
	}
	if got := state.balance(state.vault).Int64(); got != 0 {
		t.Fatalf("vault not drained, holds %d", got)
	}

	seen := emitter.eventTypes()
	if seen[len(seen)-1] != EventTypeCompleted {
		t.Fatalf("expected completed event last, got %v", seen)
	}
}

func TestMilestoneAuthorization(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	agreement := mustCreate(t, engine, 100, 1)
	state.credit(client, 1000)
	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(105)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.CompleteMilestone(agreement.ID, client, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.ConfirmAndPay(agreement.ID, client); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := engine.CompleteMilestone(agreement.ID, freelancer, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := engine.ConfirmAndPay(agreement.ID, freelancer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestUnknownAgreement(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	var id [32]byte
	id[0] = 0xBA
	if _, err := engine.GetAgreement(id); !errors.Is(err, ErrAgreementNotFound) {
		t.Fatalf("expected ErrAgreementNotFound, got %v", err)
	}
	if err := engine.Deposit(id, client, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrAgreementNotFound) {
		t.Fatalf("expected ErrAgreementNotFound, got %v", err)
	}
}

func setupDispute(t *testing.T, engine *Engine, state *mockState, raiser [20]byte) (*Agreement, *Dispute) {
	t.Helper()
	agreement := mustCreate(t, engine, 100, 1)
	state.credit(client, 1000)
	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(105)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	dispute, err := engine.RaiseDispute(agreement.ID, raiser, "work not delivered")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	return agreement, dispute
}

func registerArbitrators(ledger *mockLedger, vault [20]byte, fills ...byte) [][20]byte {
	addrs := make([][20]byte, 0, len(fills))
	for _, fill := range fills {
		addr := newTestAddress(fill)
		ledger.register(addr)
		ledger.approve(addr, vault, 5)
		addrs = append(addrs, addr)
	}
	return addrs
}

func TestRaiseDispute(t *testing.T) {
	engine, state, _, emitter := newTestEngine(t)
	agreement, dispute := setupDispute(t, engine, state, client)
	if dispute.ID != 1 || dispute.Status != DisputeOpen {
		t.Fatalf("unexpected dispute %+v", dispute)
	}
	if dispute.PriorState != StateAwaitingDelivery {
		t.Fatalf("unexpected prior state %s", dispute.PriorState)
	}
	stored, _ := state.AgreementGet(agreement.ID)
	if stored.OpenDispute != 1 || stored.DisputeCount != 1 {
		t.Fatalf("agreement dispute bookkeeping wrong: %+v", stored)
	}

	// Lifecycle stalls while the dispute is open.
	if err := engine.CompleteMilestone(agreement.ID, freelancer, "done"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	// Only one dispute may be open.
	if _, err := engine.RaiseDispute(agreement.ID, freelancer, "counter"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	// Outsiders cannot raise disputes.
	if _, err := engine.RaiseDispute(agreement.ID, newTestAddress(0x33), "meddling"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	seen := emitter.eventTypes()
	if seen[len(seen)-1] != EventTypeDisputeRaised {
		t.Fatalf("expected dispute raised event, got %v", seen)
	}
}

func TestRaiseDisputeRequiresActiveMilestone(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	agreement := mustCreate(t, engine, 100, 1)
	if _, err := engine.RaiseDispute(agreement.ID, client, "too early"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestVoteValidation(t *testing.T) {
	engine, state, ledger, _ := newTestEngine(t)
	agreement, dispute := setupDispute(t, engine, state, client)
	arbs := registerArbitrators(ledger, state.vault, 0x10, 0x11, 0x12)

	// Parties cannot vote even when registered.
	ledger.register(client)
	ledger.approve(client, state.vault, 5)
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, client, VoteForClient); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Unregistered voters are rejected.
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, newTestAddress(0x44), VoteForClient); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Invalid side.
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[0], VoteSide(9)); err == nil {
		t.Fatal("expected invalid side error")
	}
	// Unknown dispute identifier.
	if _, err := engine.VoteOnDispute(agreement.ID, 7, arbs[0], VoteForClient); !errors.Is(err, ErrDisputeNotFound) {
		t.Fatalf("expected ErrDisputeNotFound, got %v", err)
	}
	// Vote without allowance fails before any tally moves.
	broke := newTestAddress(0x55)
	ledger.register(broke)
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, broke, VoteForClient); err == nil {
		t.Fatal("expected allowance error")
	}
	current, err := engine.GetDispute(agreement.ID, dispute.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if current.VotesForClient != 0 || current.VotesForFreelancer != 0 || len(current.Votes) != 0 {
		t.Fatalf("rejected votes moved the tally: %+v", current)
	}
	if ledger.records[broke].balance != 10 {
		t.Fatalf("rejected voter balance %d, want 10", ledger.records[broke].balance)
	}
	// Duplicate ballots are rejected.
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[0], VoteForClient); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[0], VoteForClient); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
	current, err = engine.GetDispute(agreement.ID, dispute.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if current.VotesForClient != 1 || current.VotesForFreelancer != 0 || len(current.Votes) != 1 {
		t.Fatalf("duplicate ballot moved the tally: %+v", current)
	}
	if ledger.records[arbs[0]].balance != 9 {
		t.Fatalf("duplicate voter balance %d, want 9", ledger.records[arbs[0]].balance)
	}
}

func TestFreelancerWinsDispute(t *testing.T) {
	engine, state, ledger, emitter := newTestEngine(t)
	agreement, dispute := setupDispute(t, engine, state, freelancer)
	arbs := registerArbitrators(ledger, state.vault, 0x10, 0x11, 0x12)

	// Three arbitrators: majority is two.
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[0], VoteForClient); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[1], VoteForFreelancer); err != nil {
		t.Fatalf("vote 2: %v", err)
	}
	resolved, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[2], VoteForFreelancer)
	if err != nil {
		t.Fatalf("vote 3: %v", err)
	}
	if resolved.Status != DisputeResolved {
		t.Fatalf("dispute not resolved: %+v", resolved)
	}

	stored, _ := state.AgreementGet(agreement.ID)
	if stored.State != StateCompleted {
		t.Fatalf("unexpected state %s", stored.State)
	}
	if stored.OpenDispute != 0 {
		t.Fatal("open dispute marker not cleared")
	}
	if got := state.balance(freelancer).Int64(); got != 100 {
		t.Fatalf("freelancer balance %d, want 100", got)
	}
	if got := state.balance(newTestAddress(0xFE)).Int64(); got != 5 {
		t.Fatalf("fee recipient balance %d, want 5", got)
	}

	// Winners end one credential ahead and gain reputation; the loser is one
	// credential down with reputation untouched.
	for _, winner := range arbs[1:] {
		if ledger.records[winner].balance != 11 {
			t.Fatalf("winner balance %d, want 11", ledger.records[winner].balance)
		}
		if ledger.records[winner].reputation != 2 {
			t.Fatalf("winner reputation %d, want 2", ledger.records[winner].reputation)
		}
	}
	if ledger.records[arbs[0]].balance != 9 {
		t.Fatalf("loser balance %d, want 9", ledger.records[arbs[0]].balance)
	}
	if ledger.records[arbs[0]].reputation != 1 {
		t.Fatalf("loser reputation %d, want 1", ledger.records[arbs[0]].reputation)
	}

	seen := emitter.eventTypes()
	wantTail := []string{EventTypeDisputeResolved, EventTypeDeliveryConfirmed, EventTypePaymentMade, EventTypeCompleted}
	if len(seen) < len(wantTail) {
		t.Fatalf("too few events: %v", seen)
	}
	tail := seen[len(seen)-len(wantTail):]
	for i, want := range wantTail {
		if tail[i] != want {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, tail[i], want, seen)
		}
	}
}

func TestClientWinsDispute(t *testing.T) {
	engine, state, ledger, emitter := newTestEngine(t)
	agreement, dispute := setupDispute(t, engine, state, client)
	arbs := registerArbitrators(ledger, state.vault, 0x10, 0x11, 0x12)

	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[0], VoteForClient); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	resolved, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[1], VoteForClient)
	if err != nil {
		t.Fatalf("vote 2: %v", err)
	}
	if resolved.Status != DisputeResolved {
		t.Fatalf("dispute not resolved: %+v", resolved)
	}

	stored, _ := state.AgreementGet(agreement.ID)
	if stored.State != StateDissolved {
		t.Fatalf("unexpected state %s", stored.State)
	}
	// Principal and commission both return to the client.
	if got := state.balance(client).Int64(); got != 1000 {
		t.Fatalf("client balance %d, want 1000", got)
	}
	if got := state.balance(state.vault).Int64(); got != 0 {
		t.Fatalf("vault still holds %d", got)
	}
	if got := state.balance(freelancer).Int64(); got != 0 {
		t.Fatalf("freelancer balance %d, want 0", got)
	}

	// Votes on the resolved dispute are rejected.
	if _, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[2], VoteForClient); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	// Dissolved agreements accept no further deposits.
	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(105)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	seen := emitter.eventTypes()
	wantTail := []string{EventTypeDisputeResolved, EventTypeDepositRefunded}
	tail := seen[len(seen)-len(wantTail):]
	for i, want := range wantTail {
		if tail[i] != want {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, tail[i], want, seen)
		}
	}
}

func TestDisputeDuringConfirmation(t *testing.T) {
	engine, state, ledger, _ := newTestEngine(t)
	agreement := mustCreate(t, engine, 100, 1)
	state.credit(client, 1000)
	if err := engine.Deposit(agreement.ID, client, big.NewInt(100), big.NewInt(105)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.CompleteMilestone(agreement.ID, freelancer, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	dispute, err := engine.RaiseDispute(agreement.ID, client, "not as described")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if dispute.PriorState != StateAwaitingConfirmation {
		t.Fatalf("unexpected prior state %s", dispute.PriorState)
	}
	// Confirmation stalls while the dispute is open.
	if err := engine.ConfirmAndPay(agreement.ID, client); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	arbs := registerArbitrators(ledger, state.vault, 0x10)
	// Single arbitrator: majority threshold is one.
	resolved, err := engine.VoteOnDispute(agreement.ID, dispute.ID, arbs[0], VoteForFreelancer)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if resolved.Status != DisputeResolved {
		t.Fatal("single-arbitrator majority did not resolve")
	}
	stored, _ := state.AgreementGet(agreement.ID)
	if stored.State != StateCompleted {
		t.Fatalf("unexpected state %s", stored.State)
	}
}

func TestSecondDisputeAfterResolution(t *testing.T) {
	engine, state, ledger, _ := newTestEngine(t)
	agreement, err := engine.CreateAgreement(client, freelancer, big.NewInt(100), 2, 1, "two milestones")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	state.credit(client, 1000)
	arbs := registerArbitrators(ledger, state.vault, 0x10)

	if err := engine.Deposit(agreement.ID, client, big.NewInt(40), big.NewInt(42)); err != nil {
		t.Fatalf("deposit 1: %v", err)
	}
	first, err := engine.RaiseDispute(agreement.ID, client, "late")
	if err != nil {
		t.Fatalf("raise 1: %v", err)
	}
	if _, err := engine.VoteOnDispute(agreement.ID, first.ID, arbs[0], VoteForFreelancer); err != nil {
		t.Fatalf("vote 1: %v", err)
	}

	// The agreement continues to the next milestone and can be disputed again
	// under a fresh identifier.
	if err := engine.Deposit(agreement.ID, client, big.NewInt(60), big.NewInt(63)); err != nil {
		t.Fatalf("deposit 2: %v", err)
	}
	ledger.approve(arbs[0], state.vault, 5)
	second, err := engine.RaiseDispute(agreement.ID, freelancer, "payment stalled")
	if err != nil {
		t.Fatalf("raise 2: %v", err)
	}
	if second.ID != 2 {
		t.Fatalf("second dispute id %d, want 2", second.ID)
	}
	disputes, err := engine.ListDisputes(agreement.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(disputes) != 2 {
		t.Fatalf("dispute count %d, want 2", len(disputes))
	}
	byClient, err := engine.DisputesByRaiser(agreement.ID, client)
	if err != nil {
		t.Fatalf("by raiser: %v", err)
	}
	if len(byClient) != 1 || byClient[0].ID != 1 {
		t.Fatalf("unexpected raiser filter result %+v", byClient)
	}
}

func TestAgreementIDDeterministic(t *testing.T) {
	a := AgreementID(client, freelancer, 1)
	b := AgreementID(client, freelancer, 1)
	if a != b {
		t.Fatal("identifier not deterministic")
	}
	if AgreementID(client, freelancer, 2) == a {
		t.Fatal("nonce does not separate identifiers")
	}
	if AgreementID(freelancer, client, 1) == a {
		t.Fatal("party order does not separate identifiers")
	}
}

package escrow

import (
	"fmt"
	"math/big"
)

// AgreementState represents the lifecycle states of a milestone agreement.
// The numbering mirrors the on-wire encoding used by event payloads and the
// RPC surface.
type AgreementState uint8

const (
	// StateAwaitingDeposit marks agreements waiting for the client to fund
	// the next milestone.
	StateAwaitingDeposit AgreementState = iota
	// StateAwaitingDelivery marks milestones funded and awaiting the
	// freelancer's completion.
	StateAwaitingDelivery
	// StateAwaitingConfirmation marks milestones delivered and awaiting the
	// client's confirmation.
	StateAwaitingConfirmation
	// StateConfirmed marks a milestone settled in the freelancer's favour.
	// It is a transitional state; the agreement immediately advances to
	// StateAwaitingDeposit or StateCompleted.
	StateConfirmed
	// StateCompleted marks agreements whose total payment has been released.
	StateCompleted
	// StateDissolved marks agreements terminated by a dispute resolved in
	// the client's favour. Dissolved agreements accept no further activity.
	StateDissolved
)

// Valid reports whether the state value is within the supported range.
func (s AgreementState) Valid() bool {
	return s <= StateDissolved
}

func (s AgreementState) String() string {
	switch s {
	case StateAwaitingDeposit:
		return "awaitingDeposit"
	case StateAwaitingDelivery:
		return "awaitingDelivery"
	case StateAwaitingConfirmation:
		return "awaitingConfirmation"
	case StateConfirmed:
		return "confirmed"
	case StateCompleted:
		return "completed"
	case StateDissolved:
		return "dissolved"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether the agreement accepts no further operations.
func (s AgreementState) Terminal() bool {
	return s == StateCompleted || s == StateDissolved
}

// Agreement captures one client-freelancer escrow contract with its own fund
// custody and dispute history. The identifier is the keccak256 hash of the
// client, freelancer and a caller-supplied nonce.
type Agreement struct {
	ID             [32]byte
	Client         [20]byte
	Freelancer     [20]byte
	FeeRecipient   [20]byte
	TotalPayment   *big.Int
	CommissionRate uint32
	MilestoneCount uint32
	Description    string

	PaidAmount        *big.Int
	MilestonesPaid    uint32
	HeldAmount        *big.Int
	HeldCommission    *big.Int
	State             AgreementState
	CompletionMessage string
	OpenDispute       uint32
	DisputeCount      uint32
	CreatedAt         int64
}

// Clone returns a deep copy of the agreement so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	clone.TotalPayment = cloneOrZero(a.TotalPayment)
	clone.PaidAmount = cloneOrZero(a.PaidAmount)
	clone.HeldAmount = cloneOrZero(a.HeldAmount)
	clone.HeldCommission = cloneOrZero(a.HeldCommission)
	return &clone
}

// Remaining returns the unpaid share of the total payment.
func (a *Agreement) Remaining() *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(cloneOrZero(a.TotalPayment), cloneOrZero(a.PaidAmount))
}

// FinalMilestone reports whether the next deposit funds the last milestone.
func (a *Agreement) FinalMilestone() bool {
	if a == nil {
		return false
	}
	return a.MilestonesPaid+1 >= a.MilestoneCount
}

// SanitizeAgreement validates and normalises the supplied agreement, returning
// a cloned instance with non-nil amount fields. The original is not mutated.
func SanitizeAgreement(a *Agreement) (*Agreement, error) {
	if a == nil {
		return nil, fmt.Errorf("escrow: nil agreement")
	}
	clone := a.Clone()
	if clone.TotalPayment.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: total payment must be positive")
	}
	if clone.CommissionRate > 100 {
		return nil, fmt.Errorf("escrow: commission rate out of range: %d", clone.CommissionRate)
	}
	if clone.MilestoneCount == 0 {
		return nil, fmt.Errorf("escrow: milestone count must be positive")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("escrow: invalid agreement state: %d", clone.State)
	}
	if clone.PaidAmount.Cmp(clone.TotalPayment) > 0 {
		return nil, fmt.Errorf("escrow: paid amount exceeds total payment")
	}
	if clone.PaidAmount.Sign() < 0 || clone.HeldAmount.Sign() < 0 || clone.HeldCommission.Sign() < 0 {
		return nil, fmt.Errorf("escrow: negative balance field")
	}
	return clone, nil
}

// DisputeStatus tracks whether a dispute is still accepting votes.
type DisputeStatus uint8

const (
	// DisputeOpen marks disputes accepting arbitrator votes.
	DisputeOpen DisputeStatus = iota
	// DisputeResolved marks disputes settled by a majority. Resolved
	// disputes reject all further votes.
	DisputeResolved
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "open"
	case DisputeResolved:
		return "resolved"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// VoteSide identifies the party an arbitrator votes for.
type VoteSide uint8

const (
	// VoteForFreelancer backs releasing the held milestone to the freelancer.
	VoteForFreelancer VoteSide = 1
	// VoteForClient backs refunding the held milestone to the client.
	VoteForClient VoteSide = 2
)

// Valid reports whether the side is one of the two supported values.
func (v VoteSide) Valid() bool {
	return v == VoteForFreelancer || v == VoteForClient
}

func (v VoteSide) String() string {
	switch v {
	case VoteForFreelancer:
		return "freelancer"
	case VoteForClient:
		return "client"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// Vote records a single arbitrator ballot. Keeping the full record (rather
// than only tallies) is what makes vote replay detectable and winning-side
// rewards computable at resolution time.
type Vote struct {
	Voter [20]byte
	Side  VoteSide
}

// Dispute is an escalation opened against an active milestone. Identifiers
// are 1-based and monotonic within an agreement.
type Dispute struct {
	ID                 uint32
	AgreementID        [32]byte
	RaisedBy           [20]byte
	PriorState         AgreementState
	Message            string
	VotesForFreelancer uint64
	VotesForClient     uint64
	Status             DisputeStatus
	Votes              []Vote
	RaisedAt           int64
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if len(d.Votes) > 0 {
		clone.Votes = append([]Vote(nil), d.Votes...)
	}
	return &clone
}

// HasVoted reports whether the principal has already cast a ballot.
func (d *Dispute) HasVoted(voter [20]byte) bool {
	if d == nil {
		return false
	}
	for _, v := range d.Votes {
		if v.Voter == voter {
			return true
		}
	}
	return false
}

// Tally returns the running count for the supplied side.
func (d *Dispute) Tally(side VoteSide) uint64 {
	if d == nil {
		return 0
	}
	switch side {
	case VoteForFreelancer:
		return d.VotesForFreelancer
	case VoteForClient:
		return d.VotesForClient
	default:
		return 0
	}
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

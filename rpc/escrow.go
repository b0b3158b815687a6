package rpc

import (
	"encoding/hex"
	"net/http"

	"gigchain/native/escrow"
)

// AgreementResult is the wire representation of a stored agreement.
type AgreementResult struct {
	ID                string `json:"id"`
	Client            string `json:"client"`
	Freelancer        string `json:"freelancer"`
	FeeRecipient      string `json:"feeRecipient"`
	TotalPayment      string `json:"totalPayment"`
	PaidAmount        string `json:"paidAmount"`
	HeldAmount        string `json:"heldAmount"`
	HeldCommission    string `json:"heldCommission"`
	CommissionRate    uint32 `json:"commissionRate"`
	MilestoneCount    uint32 `json:"milestoneCount"`
	MilestonesPaid    uint32 `json:"milestonesPaid"`
	OpenDispute       uint32 `json:"openDispute,omitempty"`
	DisputeCount      uint32 `json:"disputeCount"`
	Description       string `json:"description,omitempty"`
	CompletionMessage string `json:"completionMessage,omitempty"`
	State             string `json:"state"`
	CreatedAt         int64  `json:"createdAt"`
}

// VoteResult is one recorded ballot.
type VoteResult struct {
	Voter string `json:"voter"`
	Side  uint8  `json:"side"`
}

// DisputeResult is the wire representation of a dispute.
type DisputeResult struct {
	ID                 uint32       `json:"id"`
	AgreementID        string       `json:"agreementId"`
	RaisedBy           string       `json:"raisedBy"`
	PriorState         string       `json:"priorState"`
	Message            string       `json:"message,omitempty"`
	VotesForFreelancer uint64       `json:"votesForFreelancer"`
	VotesForClient     uint64       `json:"votesForClient"`
	Status             string       `json:"status"`
	Votes              []VoteResult `json:"votes"`
	RaisedAt           int64        `json:"raisedAt"`
}

func agreementResult(a *escrow.Agreement) *AgreementResult {
	if a == nil {
		return nil
	}
	return &AgreementResult{
		ID:                hex.EncodeToString(a.ID[:]),
		Client:            hex.EncodeToString(a.Client[:]),
		Freelancer:        hex.EncodeToString(a.Freelancer[:]),
		FeeRecipient:      hex.EncodeToString(a.FeeRecipient[:]),
		TotalPayment:      a.TotalPayment.String(),
		PaidAmount:        a.PaidAmount.String(),
		HeldAmount:        a.HeldAmount.String(),
		HeldCommission:    a.HeldCommission.String(),
		CommissionRate:    a.CommissionRate,
		MilestoneCount:    a.MilestoneCount,
		MilestonesPaid:    a.MilestonesPaid,
		OpenDispute:       a.OpenDispute,
		DisputeCount:      a.DisputeCount,
		Description:       a.Description,
		CompletionMessage: a.CompletionMessage,
		State:             a.State.String(),
		CreatedAt:         a.CreatedAt,
	}
}

func disputeResult(d *escrow.Dispute) *DisputeResult {
	if d == nil {
		return nil
	}
	votes := make([]VoteResult, 0, len(d.Votes))
	for _, vote := range d.Votes {
		votes = append(votes, VoteResult{Voter: hex.EncodeToString(vote.Voter[:]), Side: uint8(vote.Side)})
	}
	return &DisputeResult{
		ID:                 d.ID,
		AgreementID:        hex.EncodeToString(d.AgreementID[:]),
		RaisedBy:           hex.EncodeToString(d.RaisedBy[:]),
		PriorState:         d.PriorState.String(),
		Message:            d.Message,
		VotesForFreelancer: d.VotesForFreelancer,
		VotesForClient:     d.VotesForClient,
		Status:             d.Status.String(),
		Votes:              votes,
		RaisedAt:           d.RaisedAt,
	}
}

type createAgreementParams struct {
	Client         string `json:"client"`
	Freelancer     string `json:"freelancer"`
	TotalPayment   string `json:"totalPayment"`
	MilestoneCount uint32 `json:"milestoneCount"`
	Nonce          uint64 `json:"nonce"`
	Description    string `json:"description"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, req *RPCRequest) {
	var params createAgreementParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	client, err := decodeAddress(params.Client)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid client", err.Error())
		return
	}
	freelancer, err := decodeAddress(params.Freelancer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid freelancer", err.Error())
		return
	}
	total, err := decodeAmount(params.TotalPayment)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid totalPayment", err.Error())
		return
	}
	agreement, err := s.engine.CreateAgreement(client, freelancer, total, params.MilestoneCount, params.Nonce, params.Description)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to create agreement", err.Error())
		return
	}
	writeResult(w, req.ID, agreementResult(agreement))
}

type depositParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
	Value  string `json:"value"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, req *RPCRequest) {
	var params depositParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	caller, err := decodeAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	amount, err := decodeAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	value, err := decodeAmount(params.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid value", err.Error())
		return
	}
	if err := s.engine.Deposit(id, caller, amount, value); err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "deposit failed", err.Error())
		return
	}
	agreement, err := s.engine.GetAgreement(id)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load agreement", err.Error())
		return
	}
	writeResult(w, req.ID, agreementResult(agreement))
}

type milestoneParams struct {
	ID      string `json:"id"`
	Caller  string `json:"caller"`
	Message string `json:"message"`
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, req *RPCRequest) {
	var params milestoneParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	caller, err := decodeAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	if err := s.engine.CompleteMilestone(id, caller, params.Message); err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "milestone completion failed", err.Error())
		return
	}
	agreement, err := s.engine.GetAgreement(id)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load agreement", err.Error())
		return
	}
	writeResult(w, req.ID, agreementResult(agreement))
}

func (s *Server) handleConfirmAndPay(w http.ResponseWriter, req *RPCRequest) {
	var params milestoneParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	caller, err := decodeAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	if err := s.engine.ConfirmAndPay(id, caller); err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "confirmation failed", err.Error())
		return
	}
	agreement, err := s.engine.GetAgreement(id)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load agreement", err.Error())
		return
	}
	writeResult(w, req.ID, agreementResult(agreement))
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, req *RPCRequest) {
	var params milestoneParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	caller, err := decodeAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	dispute, err := s.engine.RaiseDispute(id, caller, params.Message)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to raise dispute", err.Error())
		return
	}
	writeResult(w, req.ID, disputeResult(dispute))
}

type voteParams struct {
	ID        string `json:"id"`
	DisputeID uint32 `json:"disputeId"`
	Voter     string `json:"voter"`
	Side      uint8  `json:"side"`
}

func (s *Server) handleVoteOnDispute(w http.ResponseWriter, req *RPCRequest) {
	var params voteParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	voter, err := decodeAddress(params.Voter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid voter", err.Error())
		return
	}
	dispute, err := s.engine.VoteOnDispute(id, params.DisputeID, voter, escrow.VoteSide(params.Side))
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "vote failed", err.Error())
		return
	}
	writeResult(w, req.ID, disputeResult(dispute))
}

type agreementQueryParams struct {
	ID string `json:"id"`
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, req *RPCRequest) {
	var params agreementQueryParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	agreement, err := s.engine.GetAgreement(id)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load agreement", err.Error())
		return
	}
	writeResult(w, req.ID, agreementResult(agreement))
}

type disputeQueryParams struct {
	ID        string `json:"id"`
	DisputeID uint32 `json:"disputeId"`
}

func (s *Server) handleGetDispute(w http.ResponseWriter, req *RPCRequest) {
	var params disputeQueryParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	dispute, err := s.engine.GetDispute(id, params.DisputeID)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load dispute", err.Error())
		return
	}
	writeResult(w, req.ID, disputeResult(dispute))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, req *RPCRequest) {
	var params agreementQueryParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	disputes, err := s.engine.ListDisputes(id)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to list disputes", err.Error())
		return
	}
	results := make([]*DisputeResult, 0, len(disputes))
	for _, dispute := range disputes {
		results = append(results, disputeResult(dispute))
	}
	writeResult(w, req.ID, results)
}

type disputesByRaiserParams struct {
	ID     string `json:"id"`
	Raiser string `json:"raiser"`
}

func (s *Server) handleDisputesByRaiser(w http.ResponseWriter, req *RPCRequest) {
	var params disputesByRaiserParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	id, err := decodeAgreementID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid id", err.Error())
		return
	}
	raiser, err := decodeAddress(params.Raiser)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid raiser", err.Error())
		return
	}
	disputes, err := s.engine.DisputesByRaiser(id, raiser)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to list disputes", err.Error())
		return
	}
	results := make([]*DisputeResult, 0, len(disputes))
	for _, dispute := range disputes {
		results = append(results, disputeResult(dispute))
	}
	writeResult(w, req.ID, results)
}

// BalanceResult reports an account's value balance.
type BalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	if s.accounts == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "account store not configured", nil)
		return
	}
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	addr, err := decodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	account, err := s.accounts.GetAccount(addr[:])
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load account", err.Error())
		return
	}
	writeResult(w, req.ID, &BalanceResult{
		Address: hex.EncodeToString(addr[:]),
		Balance: account.Balance.String(),
		Nonce:   account.Nonce,
	})
}

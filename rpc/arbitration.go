package rpc

import (
	"encoding/hex"
	"net/http"

	"gigchain/native/arbitration"
)

// ArbitratorResult is the wire representation of a registered arbitrator.
type ArbitratorResult struct {
	Address      string `json:"address"`
	Balance      uint64 `json:"balance"`
	Reputation   uint64 `json:"reputation"`
	RegisteredAt int64  `json:"registeredAt"`
}

func arbitratorResult(a *arbitration.Arbitrator) *ArbitratorResult {
	if a == nil {
		return nil
	}
	return &ArbitratorResult{
		Address:      hex.EncodeToString(a.Address[:]),
		Balance:      a.Balance,
		Reputation:   a.Reputation,
		RegisteredAt: a.RegisteredAt,
	}
}

type addressParams struct {
	Address string `json:"address"`
}

func (s *Server) handleArbRegister(w http.ResponseWriter, req *RPCRequest) {
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
	record, err := s.ledger.Register(addr)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "registration failed", err.Error())
		return
	}
	writeResult(w, req.ID, arbitratorResult(record))
}

type approveParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) handleArbApprove(w http.ResponseWriter, req *RPCRequest) {
	var params approveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	owner, err := decodeAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner", err.Error())
		return
	}
	// The escrow vault is the default spender so arbitrators only have to
	// name it explicitly when delegating elsewhere.
	spender := s.vault
	if params.Spender != "" {
		if spender, err = decodeAddress(params.Spender); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid spender", err.Error())
			return
		}
	}
	if err := s.ledger.Approve(owner, spender, params.Amount); err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "approval failed", err.Error())
		return
	}
	allowance, err := s.ledger.Allowance(owner, spender)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load allowance", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"owner":     hex.EncodeToString(owner[:]),
		"spender":   hex.EncodeToString(spender[:]),
		"allowance": allowance,
	})
}

func (s *Server) handleArbAllowance(w http.ResponseWriter, req *RPCRequest) {
	var params approveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	owner, err := decodeAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner", err.Error())
		return
	}
	spender := s.vault
	if params.Spender != "" {
		if spender, err = decodeAddress(params.Spender); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid spender", err.Error())
			return
		}
	}
	allowance, err := s.ledger.Allowance(owner, spender)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load allowance", err.Error())
		return
	}
	writeResult(w, req.ID, allowance)
}

func (s *Server) handleArbBalance(w http.ResponseWriter, req *RPCRequest) {
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
	balance, err := s.ledger.BalanceOf(addr)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load balance", err.Error())
		return
	}
	writeResult(w, req.ID, balance)
}

func (s *Server) handleArbReputation(w http.ResponseWriter, req *RPCRequest) {
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
	reputation, err := s.ledger.ReputationOf(addr)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load reputation", err.Error())
		return
	}
	writeResult(w, req.ID, reputation)
}

type transferParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleArbTransfer(w http.ResponseWriter, req *RPCRequest) {
	var params transferParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	from, err := decodeAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from", err.Error())
		return
	}
	to, err := decodeAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid to", err.Error())
		return
	}
	if err := s.ledger.Transfer(from, to, params.Amount); err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "transfer failed", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

type mintParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) handleArbMint(w http.ResponseWriter, req *RPCRequest) {
	var params mintParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	caller, err := decodeAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	addr, err := decodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	if err := s.ledger.Mint(caller, addr, params.Amount); err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "mint failed", err.Error())
		return
	}
	balance, err := s.ledger.BalanceOf(addr)
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to load balance", err.Error())
		return
	}
	writeResult(w, req.ID, balance)
}

func (s *Server) handleArbList(w http.ResponseWriter, req *RPCRequest) {
	records, err := s.ledger.Arbitrators()
	if err != nil {
		writeError(w, errorStatus(err), req.ID, codeServerError, "failed to list arbitrators", err.Error())
		return
	}
	results := make([]*ArbitratorResult, 0, len(records))
	for _, record := range records {
		results = append(results, arbitratorResult(record))
	}
	writeResult(w, req.ID, results)
}

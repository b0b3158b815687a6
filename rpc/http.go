package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"gigchain/core/types"
	"gigchain/native/arbitration"
	"gigchain/native/escrow"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// escrowService is the engine surface the RPC server depends on.
type escrowService interface {
	CreateAgreement(client, freelancer [20]byte, total *big.Int, milestoneCount uint32, nonce uint64, description string) (*escrow.Agreement, error)
	Deposit(id [32]byte, caller [20]byte, amount, value *big.Int) error
	CompleteMilestone(id [32]byte, caller [20]byte, message string) error
	ConfirmAndPay(id [32]byte, caller [20]byte) error
	RaiseDispute(id [32]byte, caller [20]byte, message string) (*escrow.Dispute, error)
	VoteOnDispute(id [32]byte, disputeID uint32, voter [20]byte, side escrow.VoteSide) (*escrow.Dispute, error)
	GetAgreement(id [32]byte) (*escrow.Agreement, error)
	GetDispute(id [32]byte, disputeID uint32) (*escrow.Dispute, error)
	ListDisputes(id [32]byte) ([]*escrow.Dispute, error)
	DisputesByRaiser(id [32]byte, raiser [20]byte) ([]*escrow.Dispute, error)
}

// accountReader answers balance queries without exposing the full state
// manager to the RPC layer.
type accountReader interface {
	GetAccount(addr []byte) (*types.Account, error)
}

// arbitrationService is the ledger surface the RPC server depends on.
type arbitrationService interface {
	Register(addr [20]byte) (*arbitration.Arbitrator, error)
	Approve(owner, spender [20]byte, amount uint64) error
	Allowance(owner, spender [20]byte) (uint64, error)
	BalanceOf(addr [20]byte) (uint64, error)
	ReputationOf(addr [20]byte) (uint64, error)
	Mint(caller, addr [20]byte, amount uint64) error
	Transfer(from, to [20]byte, amount uint64) error
	Arbitrators() ([]*arbitration.Arbitrator, error)
}

// Server exposes the escrow engine and arbitration ledger over JSON-RPC.
type Server struct {
	engine    escrowService
	ledger    arbitrationService
	accounts  accountReader
	vault     [20]byte
	authToken string
}

// NewServer constructs an RPC server over the supplied services. The vault
// address is reported to arbitrators so they can approve the vote spender.
func NewServer(engine escrowService, ledger arbitrationService, vault [20]byte) *Server {
	return &Server{engine: engine, ledger: ledger, vault: vault}
}

// SetAuthToken enables bearer-token protection on mutating administrative
// methods. An empty token leaves them open.
func (s *Server) SetAuthToken(token string) { s.authToken = strings.TrimSpace(token) }

// SetAccounts wires the reader backing gig_getBalance.
func (s *Server) SetAccounts(reader accountReader) { s.accounts = reader }

// Start serves the RPC endpoint until the listener fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return http.ListenAndServe(addr, mux)
}

// Handler exposes the routing entry point so callers can manage the HTTP
// server lifecycle themselves.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "escrow_createAgreement":
		s.handleCreateAgreement(w, req)
	case "escrow_deposit":
		s.handleDeposit(w, req)
	case "escrow_completeMilestone":
		s.handleCompleteMilestone(w, req)
	case "escrow_confirmAndPay":
		s.handleConfirmAndPay(w, req)
	case "escrow_raiseDispute":
		s.handleRaiseDispute(w, req)
	case "escrow_voteOnDispute":
		s.handleVoteOnDispute(w, req)
	case "escrow_getAgreement":
		s.handleGetAgreement(w, req)
	case "escrow_getDispute":
		s.handleGetDispute(w, req)
	case "escrow_listDisputes":
		s.handleListDisputes(w, req)
	case "escrow_disputesByRaiser":
		s.handleDisputesByRaiser(w, req)
	case "gig_getBalance":
		s.handleGetBalance(w, req)
	case "escrow_vaultAddress":
		writeResult(w, req.ID, hex.EncodeToString(s.vault[:]))
	case "arb_register":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleArbRegister(w, req)
	case "arb_approve":
		s.handleArbApprove(w, req)
	case "arb_allowance":
		s.handleArbAllowance(w, req)
	case "arb_balance":
		s.handleArbBalance(w, req)
	case "arb_reputation":
		s.handleArbReputation(w, req)
	case "arb_transfer":
		s.handleArbTransfer(w, req)
	case "arb_mint":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleArbMint(w, req)
	case "arb_list":
		s.handleArbList(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

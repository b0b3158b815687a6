package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"gigchain/core/state"
	"gigchain/native/arbitration"
	"gigchain/native/escrow"
	"gigchain/storage"
)

type testEnv struct {
	server  *httptest.Server
	manager *state.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	ledger := arbitration.NewLedger(manager)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetFeeRecipient([20]byte{0xfe, 0xe0})
	srv := NewServer(engine, ledger, manager.EscrowVaultAddress())
	srv.SetAccounts(manager)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, manager: manager}
}

func (env *testEnv) call(t *testing.T, method string, params interface{}) *RPCResponse {
	t.Helper()
	var rawParams []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		rawParams = []json.RawMessage{encoded}
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(env.server.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()
	out := &RPCResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func addrHex(b byte) string {
	var addr [20]byte
	addr[19] = b
	return fmt.Sprintf("%x", addr)
}

func TestCreateAndGetAgreement(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call(t, "escrow_createAgreement", createAgreementParams{
		Client:         addrHex(1),
		Freelancer:     addrHex(2),
		TotalPayment:   "100",
		MilestoneCount: 2,
		Nonce:          7,
		Description:    "site build",
	})
	if resp.Error != nil {
		t.Fatalf("create failed: %+v", resp.Error)
	}
	created, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if created["state"] != "awaitingDeposit" {
		t.Fatalf("unexpected state %v", created["state"])
	}

	resp = env.call(t, "escrow_getAgreement", agreementQueryParams{ID: created["id"].(string)})
	if resp.Error != nil {
		t.Fatalf("get failed: %+v", resp.Error)
	}
}

func TestDepositLifecycle(t *testing.T) {
	env := newTestEnv(t)
	var client [20]byte
	client[19] = 1
	if err := env.manager.Credit(client, big.NewInt(1000)); err != nil {
		t.Fatalf("seed client: %v", err)
	}

	resp := env.call(t, "escrow_createAgreement", createAgreementParams{
		Client:         addrHex(1),
		Freelancer:     addrHex(2),
		TotalPayment:   "100",
		MilestoneCount: 1,
		Nonce:          1,
	})
	if resp.Error != nil {
		t.Fatalf("create failed: %+v", resp.Error)
	}
	id := resp.Result.(map[string]interface{})["id"].(string)

	// Value short of amount plus commission is a client fault.
	resp = env.call(t, "escrow_deposit", depositParams{ID: id, Caller: addrHex(1), Amount: "100", Value: "100"})
	if resp.Error == nil {
		t.Fatal("expected payment mismatch error")
	}

	resp = env.call(t, "escrow_deposit", depositParams{ID: id, Caller: addrHex(1), Amount: "100", Value: "105"})
	if resp.Error != nil {
		t.Fatalf("deposit failed: %+v", resp.Error)
	}
	if got := resp.Result.(map[string]interface{})["state"]; got != "awaitingDelivery" {
		t.Fatalf("unexpected state %v", got)
	}

	resp = env.call(t, "escrow_completeMilestone", milestoneParams{ID: id, Caller: addrHex(2), Message: "done"})
	if resp.Error != nil {
		t.Fatalf("complete failed: %+v", resp.Error)
	}
	resp = env.call(t, "escrow_confirmAndPay", milestoneParams{ID: id, Caller: addrHex(1)})
	if resp.Error != nil {
		t.Fatalf("confirm failed: %+v", resp.Error)
	}
	if got := resp.Result.(map[string]interface{})["state"]; got != "completed" {
		t.Fatalf("unexpected state %v", got)
	}
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	var client [20]byte
	client[19] = 1
	if err := env.manager.Credit(client, big.NewInt(750)); err != nil {
		t.Fatalf("seed client: %v", err)
	}

	resp := env.call(t, "gig_getBalance", addressParams{Address: addrHex(1)})
	if resp.Error != nil {
		t.Fatalf("balance failed: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["balance"] != "750" {
		t.Fatalf("unexpected balance %v", result["balance"])
	}

	// Unknown principals read as zero rather than erroring.
	resp = env.call(t, "gig_getBalance", addressParams{Address: addrHex(99)})
	if resp.Error != nil {
		t.Fatalf("balance failed: %+v", resp.Error)
	}
	if got := resp.Result.(map[string]interface{})["balance"]; got != "0" {
		t.Fatalf("unexpected balance %v", got)
	}
}

func TestDisputesByRaiser(t *testing.T) {
	env := newTestEnv(t)
	var client [20]byte
	client[19] = 1
	if err := env.manager.Credit(client, big.NewInt(1000)); err != nil {
		t.Fatalf("seed client: %v", err)
	}

	resp := env.call(t, "escrow_createAgreement", createAgreementParams{
		Client:         addrHex(1),
		Freelancer:     addrHex(2),
		TotalPayment:   "100",
		MilestoneCount: 1,
		Nonce:          1,
	})
	if resp.Error != nil {
		t.Fatalf("create failed: %+v", resp.Error)
	}
	id := resp.Result.(map[string]interface{})["id"].(string)

	resp = env.call(t, "escrow_deposit", depositParams{ID: id, Caller: addrHex(1), Amount: "100", Value: "105"})
	if resp.Error != nil {
		t.Fatalf("deposit failed: %+v", resp.Error)
	}
	resp = env.call(t, "escrow_raiseDispute", milestoneParams{ID: id, Caller: addrHex(1), Message: "no delivery"})
	if resp.Error != nil {
		t.Fatalf("raise failed: %+v", resp.Error)
	}

	resp = env.call(t, "escrow_disputesByRaiser", disputesByRaiserParams{ID: id, Raiser: addrHex(1)})
	if resp.Error != nil {
		t.Fatalf("query failed: %+v", resp.Error)
	}
	if list := resp.Result.([]interface{}); len(list) != 1 {
		t.Fatalf("unexpected dispute count %d", len(list))
	}

	resp = env.call(t, "escrow_disputesByRaiser", disputesByRaiserParams{ID: id, Raiser: addrHex(2)})
	if resp.Error != nil {
		t.Fatalf("query failed: %+v", resp.Error)
	}
	if list := resp.Result.([]interface{}); len(list) != 0 {
		t.Fatalf("unexpected dispute count %d", len(list))
	}
}

func TestArbitratorEndpoints(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call(t, "arb_register", addressParams{Address: addrHex(9)})
	if resp.Error != nil {
		t.Fatalf("register failed: %+v", resp.Error)
	}
	record := resp.Result.(map[string]interface{})
	if record["balance"].(float64) != float64(arbitration.InitialCredential) {
		t.Fatalf("unexpected balance %v", record["balance"])
	}

	resp = env.call(t, "arb_register", addressParams{Address: addrHex(9)})
	if resp.Error == nil {
		t.Fatal("expected duplicate registration error")
	}

	resp = env.call(t, "arb_approve", approveParams{Owner: addrHex(9), Amount: 5})
	if resp.Error != nil {
		t.Fatalf("approve failed: %+v", resp.Error)
	}
	resp = env.call(t, "arb_balance", addressParams{Address: addrHex(9)})
	if resp.Error != nil {
		t.Fatalf("balance failed: %+v", resp.Error)
	}
	if resp.Result.(float64) != float64(arbitration.InitialCredential) {
		t.Fatalf("unexpected balance %v", resp.Result)
	}
	resp = env.call(t, "arb_list", nil)
	if resp.Error != nil {
		t.Fatalf("list failed: %+v", resp.Error)
	}
	if list := resp.Result.([]interface{}); len(list) != 1 {
		t.Fatalf("unexpected arbitrator count %d", len(list))
	}
}

func TestAuthTokenGuardsRegistration(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB())
	ledger := arbitration.NewLedger(manager)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetFeeRecipient([20]byte{0xfe})
	srv := NewServer(engine, ledger, manager.EscrowVaultAddress())
	srv.SetAuthToken("secret")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  "arb_register",
		Params:  []json.RawMessage{json.RawMessage(`{"address":"` + addrHex(3) + `"}`)},
		ID:      1,
	})
	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized post: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", authed.StatusCode)
	}
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call(t, "escrow_unknown", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/bcrypt"

	"github.com/openbounty/bountyd/bounty"
	"github.com/openbounty/bountyd/config"
	"github.com/openbounty/bountyd/escrow"
	"github.com/openbounty/bountyd/events"
	"github.com/openbounty/bountyd/identity"
	"github.com/openbounty/bountyd/storage"
)

var arbiterAddr = common.HexToAddress("0x00000000000000000000000000000000000Ad01")

func testConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := *config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret-key-1234567890"
	cfg.Auth.ArbiterUser = "arbiter"
	cfg.Auth.ArbiterPass = string(hash)
	cfg.Auth.ArbiterAddress = arbiterAddr.Hex()
	return cfg
}

func newTestServer(t *testing.T) (*Server, bounty.Stores) {
	t.Helper()
	f, err := os.CreateTemp("", "bountyd-server-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := testConfig(t)
	stores := db.Stores()
	bus := events.NewBus()
	engine := bounty.NewEngine(db, bounty.Options{
		Escrow: escrow.Config{
			FeeBps:   cfg.Market.FeeBps,
			Vault:    common.HexToAddress(cfg.Market.VaultAccount),
			Platform: common.HexToAddress(cfg.Market.PlatformAccount),
		},
		Arbiter: arbiterAddr,
		Events:  bus,
	})

	s := New(cfg, "test", nil)
	s.SetDirectory(identity.NewDirectory(stores.Agents))
	s.SetEngine(engine)
	s.SetStores(stores)
	s.SetEvents(bus)
	s.registerRoutes()
	return s, stores
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// login runs the challenge/response flow for key and returns a session
// token.
func login(t *testing.T, s *Server, key *ecdsa.PrivateKey) string {
	t.Helper()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	rr := doJSON(t, s, http.MethodPost, "/api/auth/challenge", "", map[string]string{
		"address": addr.Hex(),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("challenge failed: %d: %s", rr.Code, rr.Body.String())
	}
	var ch map[string]any
	decode(t, rr, &ch)
	nonce, _ := ch["challenge"].(string)
	if nonce == "" {
		t.Fatal("empty challenge")
	}

	sig, err := crypto.Sign(LoginDigest(nonce), key)
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	rr = doJSON(t, s, http.MethodPost, "/api/auth/login", "", map[string]string{
		"address":   addr.Hex(),
		"signature": hexutil.Encode(sig),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["token"] == "" {
		t.Fatal("empty token")
	}
	return resp["token"]
}

func arbiterLogin(t *testing.T, s *Server) string {
	t.Helper()
	rr := doJSON(t, s, http.MethodPost, "/api/auth/arbiter", "", map[string]string{
		"username": "arbiter",
		"password": "secret",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("arbiter login failed: %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decode(t, rr, &resp)
	return resp["token"]
}

func registerAgentHTTP(t *testing.T, s *Server, token string) uint64 {
	t.Helper()
	rr := doJSON(t, s, http.MethodPost, "/api/agents", token, map[string]any{
		"uri": "https://example.com/agent.json",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register agent: %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]uint64
	decode(t, rr, &resp)
	return resp["agent_id"]
}

func TestRegisterAgent_PublishesEvent(t *testing.T) {
	s, _ := newTestServer(t)

	key, _ := crypto.GenerateKey()
	id := registerAgentHTTP(t, s, login(t, s, key))

	hist := s.bus.History(0)
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
	if hist[0].Type != events.AgentRegistered {
		t.Errorf("event type = %q, want %q", hist[0].Type, events.AgentRegistered)
	}
	if hist[0].AgentID != id {
		t.Errorf("event agent id = %d, want %d", hist[0].AgentID, id)
	}
}

func TestLogin_WrongKey(t *testing.T) {
	s, _ := newTestServer(t)

	key, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	rr := doJSON(t, s, http.MethodPost, "/api/auth/challenge", "", map[string]string{
		"address": addr.Hex(),
	})
	var ch map[string]any
	decode(t, rr, &ch)
	nonce, _ := ch["challenge"].(string)

	// Signed by a key that does not control the address.
	sig, _ := crypto.Sign(LoginDigest(nonce), otherKey)
	rr = doJSON(t, s, http.MethodPost, "/api/auth/login", "", map[string]string{
		"address":   addr.Hex(),
		"signature": hexutil.Encode(sig),
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong key login: code = %d, want 401", rr.Code)
	}
}

func TestLogin_ChallengeIsOneShot(t *testing.T) {
	s, _ := newTestServer(t)

	key, _ := crypto.GenerateKey()
	token := login(t, s, key)
	if token == "" {
		t.Fatal("first login failed")
	}

	// The consumed nonce cannot be replayed.
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, _ := crypto.Sign(LoginDigest("stale"), key)
	rr := doJSON(t, s, http.MethodPost, "/api/auth/login", "", map[string]string{
		"address":   addr.Hex(),
		"signature": hexutil.Encode(sig),
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("replay: code = %d, want 401", rr.Code)
	}
}

func TestArbiterLogin_WrongPassword(t *testing.T) {
	s, _ := newTestServer(t)

	rr := doJSON(t, s, http.MethodPost, "/api/auth/arbiter", "", map[string]string{
		"username": "arbiter",
		"password": "wrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	s, _ := newTestServer(t)

	rr := doJSON(t, s, http.MethodPost, "/api/agents", "", map[string]any{"uri": "x"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", rr.Code)
	}
}

func TestRequireArbiter_AgentToken(t *testing.T) {
	s, _ := newTestServer(t)

	key, _ := crypto.GenerateKey()
	token := login(t, s, key)

	rr := doJSON(t, s, http.MethodPost, "/api/admin/credit", token, map[string]string{
		"token": "USDC", "address": arbiterAddr.Hex(), "amount": "10",
	})
	if rr.Code != http.StatusForbidden {
		t.Errorf("code = %d, want 403", rr.Code)
	}
}

func TestStatusAndVersion(t *testing.T) {
	s, _ := newTestServer(t)

	rr := doJSON(t, s, http.MethodGet, "/api/status", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
	var st map[string]any
	decode(t, rr, &st)
	if st["status"] != "ok" || st["version"] != "test" {
		t.Errorf("status = %v", st)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	s, stores := newTestServer(t)

	creatorKey, _ := crypto.GenerateKey()
	hunterKey, _ := crypto.GenerateKey()
	creatorToken := login(t, s, creatorKey)
	hunterToken := login(t, s, hunterKey)
	creatorID := registerAgentHTTP(t, s, creatorToken)
	hunterID := registerAgentHTTP(t, s, hunterToken)

	// Fund the creator's wallet through the arbiter credit endpoint.
	arbToken := arbiterLogin(t, s)
	creatorAddr := crypto.PubkeyToAddress(creatorKey.PublicKey)
	rr := doJSON(t, s, http.MethodPost, "/api/admin/credit", arbToken, map[string]string{
		"token": "USDC", "address": creatorAddr.Hex(), "amount": "10000",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("credit: %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, s, http.MethodPost, "/api/bounties", creatorToken, map[string]any{
		"agent_id":      creatorID,
		"title":         "index the chain",
		"reward_token":  "USDC",
		"reward_amount": "1000",
		"deadline":      time.Now().Add(48 * time.Hour).Unix(),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create bounty: %d: %s", rr.Code, rr.Body.String())
	}
	var created bounty.Bounty
	decode(t, rr, &created)
	base := fmt.Sprintf("/api/bounties/%d", created.ID)

	// Acting as an agent the caller does not own is rejected.
	rr = doJSON(t, s, http.MethodPost, base+"/claim", hunterToken, map[string]any{
		"agent_id": creatorID,
	})
	if rr.Code != http.StatusForbidden {
		t.Errorf("claim as foreign agent: %d, want 403", rr.Code)
	}

	rr = doJSON(t, s, http.MethodPost, base+"/claim", hunterToken, map[string]any{
		"agent_id": hunterID,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("claim: %d: %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, s, http.MethodPost, base+"/submit", hunterToken, map[string]any{
		"agent_id": hunterID, "submission_ref": "ipfs://result",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("submit: %d: %s", rr.Code, rr.Body.String())
	}

	// Approving out of turn maps the state guard to a conflict.
	rr = doJSON(t, s, http.MethodPost, base+"/claim", hunterToken, map[string]any{
		"agent_id": hunterID,
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("re-claim: %d, want 409", rr.Code)
	}

	rr = doJSON(t, s, http.MethodPost, base+"/approve", creatorToken, map[string]any{
		"agent_id": creatorID, "rating": 5,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, s, http.MethodGet, base, "", nil)
	var got bounty.Bounty
	decode(t, rr, &got)
	if got.Status != bounty.StatusPaid {
		t.Errorf("status = %s, want paid", got.Status)
	}

	rr = doJSON(t, s, http.MethodGet, base+"/escrow", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get escrow: %d", rr.Code)
	}
	var dep escrow.Deposit
	decode(t, rr, &dep)
	if dep.Status != escrow.StatusReleased {
		t.Errorf("deposit = %s, want released", dep.Status)
	}

	hunterAddr := crypto.PubkeyToAddress(hunterKey.PublicKey)
	rr = doJSON(t, s, http.MethodGet,
		"/api/balances?token=USDC&address="+hunterAddr.Hex(), "", nil)
	var bal map[string]string
	decode(t, rr, &bal)
	if bal["balance"] != "975" {
		t.Errorf("hunter balance = %s, want 975", bal["balance"])
	}

	// Reputation shows up on the public profile.
	rr = doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/agents/%d", hunterID), "", nil)
	var profile struct {
		Score float64 `json:"score"`
	}
	decode(t, rr, &profile)
	if profile.Score != 95 {
		t.Errorf("hunter score = %v, want 95", profile.Score)
	}

	// Direct store check: the ledger really moved the full split.
	vault := common.HexToAddress(s.cfg.Market.VaultAccount)
	vb, err := stores.Book.Balance(context.Background(), "USDC", vault)
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if vb.Cmp(big.NewInt(0)) != 0 {
		t.Errorf("vault = %v, want 0", vb)
	}
}

func TestCreateBounty_PaymentProofRequired(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Market.RequirePaymentProof = true

	key, _ := crypto.GenerateKey()
	token := login(t, s, key)
	id := registerAgentHTTP(t, s, token)

	rr := doJSON(t, s, http.MethodPost, "/api/bounties", token, map[string]any{
		"agent_id": id, "title": "x", "reward_token": "USDC",
		"reward_amount": "1", "deadline": time.Now().Add(time.Hour).Unix(),
	})
	if rr.Code != http.StatusPaymentRequired {
		t.Errorf("code = %d, want 402", rr.Code)
	}
}

func TestListBounties_BadParams(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{
		"/api/bounties?limit=0",
		"/api/bounties?limit=abc",
		"/api/bounties?offset=-1",
		"/api/bounties?min_reward=xyz",
		"/api/bounties?creator=notanumber",
	} {
		rr := doJSON(t, s, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", path, rr.Code)
		}
	}
}

func TestGetBounty_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rr := doJSON(t, s, http.MethodGet, "/api/bounties/12345", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rr.Code)
	}
}

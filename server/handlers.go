package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/openbounty/bountyd/bounty"
	"github.com/openbounty/bountyd/events"
)

// maxPageSize caps list responses regardless of the requested limit.
const maxPageSize = 100

const defaultPageSize = 50

func pathID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(r.PathValue("id"), 10, 64)
}

// actingAgent resolves the agent id a request acts as and verifies the
// authenticated address owns it.
func (s *Server) actingAgent(r *http.Request, agentID uint64) (uint64, bool) {
	agent, err := s.reads.Agents.GetAgent(r.Context(), agentID)
	if err != nil {
		return 0, false
	}
	return agentID, agent.Owner == callerAddress(r)
}

// checkPaymentProof gates funded operations on the external payment
// header when the deployment requires it.
func (s *Server) checkPaymentProof(w http.ResponseWriter, r *http.Request) bool {
	if !s.cfg.Market.RequirePaymentProof {
		return true
	}
	if r.Header.Get("X-Payment-Proof") == "" {
		writeError(w, http.StatusPaymentRequired, "payment proof required")
		return false
	}
	return true
}

// --- identity ---

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI      string            `json:"uri"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	meta := make(map[string][]byte, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = []byte(v)
	}
	id, err := s.dir.Register(r.Context(), callerAddress(r), req.URI, meta)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.bus.Publish(events.Event{
		Type:    events.AgentRegistered,
		AgentID: id,
		At:      time.Now().UTC(),
		Detail:  req.URI,
	})
	writeJSON(w, http.StatusCreated, map[string]uint64{"agent_id": id})
}

func (s *Server) setAgentMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.dir.SetMetadata(r.Context(), callerAddress(r), id, req.Key, []byte(req.Value)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setAgentWallet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	var req struct {
		Wallet string `json:"wallet"`
		Expiry int64  `json:"expiry"` // unix seconds
		Proof  string `json:"proof"`  // hex signature
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Wallet) {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	proof, err := hexutil.Decode(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proof encoding")
		return
	}
	err = s.dir.SetWallet(r.Context(), callerAddress(r), id,
		common.HexToAddress(req.Wallet), time.Unix(req.Expiry, 0), proof)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) transferAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	var req struct {
		NewOwner string `json:"new_owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.NewOwner) {
		writeError(w, http.StatusBadRequest, "invalid new owner address")
		return
	}
	if err := s.dir.TransferOwner(r.Context(), callerAddress(r), id, common.HexToAddress(req.NewOwner)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deactivateAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	if err := s.dir.Deactivate(r.Context(), callerAddress(r), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	agent, meta, err := s.dir.Profile(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	rec, err := s.reads.Reputation.GetRecord(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	metadata := make(map[string]string, len(meta))
	for k, v := range meta {
		metadata[k] = string(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":      agent,
		"metadata":   metadata,
		"reputation": rec,
		"score":      rec.Score(),
	})
}

func (s *Server) getAgentMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	value, err := s.dir.GetMetadata(r.Context(), id, r.PathValue("key"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key":   r.PathValue("key"),
		"value": string(value),
	})
}

// --- bounty lifecycle ---

func (s *Server) createBounty(w http.ResponseWriter, r *http.Request) {
	if !s.checkPaymentProof(w, r) {
		return
	}
	var req struct {
		AgentID        uint64   `json:"agent_id"`
		Title          string   `json:"title"`
		DescriptionRef string   `json:"description_ref"`
		RewardToken    string   `json:"reward_token"`
		RewardAmount   string   `json:"reward_amount"`
		Deadline       int64    `json:"deadline"` // unix seconds
		MinReputation  uint32   `json:"min_reputation"`
		RequiredSkills []string `json:"required_skills"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := s.actingAgent(r, req.AgentID)
	if !ok {
		writeError(w, http.StatusForbidden, "caller does not own agent")
		return
	}
	amount, ok := new(big.Int).SetString(req.RewardAmount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid reward amount")
		return
	}
	b, err := s.engine.Create(r.Context(), caller, bounty.CreateSpec{
		Title:          req.Title,
		DescriptionRef: req.DescriptionRef,
		RewardToken:    req.RewardToken,
		RewardAmount:   amount,
		Deadline:       time.Unix(req.Deadline, 0),
		MinReputation:  req.MinReputation,
		RequiredSkills: req.RequiredSkills,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// bountyAction decodes the acting agent and runs one lifecycle call.
func (s *Server) bountyAction(w http.ResponseWriter, r *http.Request, fn func(caller, bountyID uint64) error) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	var req struct {
		AgentID uint64 `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := s.actingAgent(r, req.AgentID)
	if !ok {
		writeError(w, http.StatusForbidden, "caller does not own agent")
		return
	}
	if err := fn(caller, id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) claimBounty(w http.ResponseWriter, r *http.Request) {
	if !s.checkPaymentProof(w, r) {
		return
	}
	s.bountyAction(w, r, func(caller, id uint64) error {
		return s.engine.Claim(r.Context(), caller, id)
	})
}

func (s *Server) submitBounty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	var req struct {
		AgentID       uint64 `json:"agent_id"`
		SubmissionRef string `json:"submission_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := s.actingAgent(r, req.AgentID)
	if !ok {
		writeError(w, http.StatusForbidden, "caller does not own agent")
		return
	}
	if err := s.engine.Submit(r.Context(), caller, id, req.SubmissionRef); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) approveBounty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	var req struct {
		AgentID    uint64 `json:"agent_id"`
		Rating     uint8  `json:"rating"`
		CommentRef string `json:"comment_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := s.actingAgent(r, req.AgentID)
	if !ok {
		writeError(w, http.StatusForbidden, "caller does not own agent")
		return
	}
	if err := s.engine.Approve(r.Context(), caller, id, req.Rating, req.CommentRef); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rejectBounty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	var req struct {
		AgentID uint64 `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := s.actingAgent(r, req.AgentID)
	if !ok {
		writeError(w, http.StatusForbidden, "caller does not own agent")
		return
	}
	if err := s.engine.Reject(r.Context(), caller, id, req.Reason); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) disputeBounty(w http.ResponseWriter, r *http.Request) {
	s.bountyAction(w, r, func(caller, id uint64) error {
		return s.engine.Dispute(r.Context(), caller, id)
	})
}

func (s *Server) cancelBounty(w http.ResponseWriter, r *http.Request) {
	s.bountyAction(w, r, func(caller, id uint64) error {
		return s.engine.Cancel(r.Context(), caller, id)
	})
}

// expireBounty is open to any authenticated caller; the engine checks
// the deadline, not the principal.
func (s *Server) expireBounty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	if err := s.engine.Expire(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) resolveBounty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	var req struct {
		FavorClaimant bool `json:"favor_claimant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.Resolve(r.Context(), callerAddress(r), id, req.FavorClaimant); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- reads ---

func (s *Server) listBounties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := bounty.Filter{Skill: q.Get("skill")}

	if v := q.Get("status"); v != "" {
		st := bounty.Status(v)
		f.Status = &st
	}
	if v := q.Get("creator"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid creator id")
			return
		}
		f.Creator = id
	}
	if v := q.Get("hunter"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid hunter id")
			return
		}
		f.Hunter = id
	}
	if v := q.Get("min_reward"); v != "" {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid min_reward")
			return
		}
		f.MinReward = n
	}
	if v := q.Get("max_reward"); v != "" {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid max_reward")
			return
		}
		f.MaxReward = n
	}

	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	f.Limit = limit
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		f.Offset = n
	}

	list, err := s.reads.Bounties.ListBounties(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bounties": list,
		"count":    len(list),
	})
}

func (s *Server) getBounty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	b, err := s.reads.Bounties.GetBounty(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	dep, err := s.reads.Escrow.GetDeposit(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	address := q.Get("address")
	if token == "" || !common.IsHexAddress(address) {
		writeError(w, http.StatusBadRequest, "token and address required")
		return
	}
	bal, err := s.reads.Book.Balance(r.Context(), token, common.HexToAddress(address))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   token,
		"address": common.HexToAddress(address).Hex(),
		"balance": bal.String(),
	})
}

// --- admin ---

// adminCredit records an externally verified inbound payment on the
// internal book. Arbiter only.
func (s *Server) adminCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string `json:"token"`
		Address string `json:"address"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := s.reads.Book.Credit(r.Context(), req.Token, common.HexToAddress(req.Address), amount); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/domain"
)

// EntryHandler serves entry submission and escrow account endpoints.
type EntryHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewEntryHandler creates an EntryHandler with the given service and logger.
func NewEntryHandler(markets MarketService, logger *slog.Logger) *EntryHandler {
	return &EntryHandler{
		markets: markets,
		logger:  logger,
	}
}

type proofPayload struct {
	Root                  string `json:"root"`
	GroupID               uint64 `json:"group_id"`
	SignalHash            string `json:"signal_hash"`
	NullifierHash         string `json:"nullifier_hash"`
	ExternalNullifierHash string `json:"external_nullifier_hash"`
	Proof                 string `json:"proof"` // hex-encoded
}

func (p proofPayload) toDomain() domain.IdentityProof {
	return domain.IdentityProof{
		Root:                  common.HexToHash(p.Root),
		GroupID:               p.GroupID,
		SignalHash:            common.HexToHash(p.SignalHash),
		NullifierHash:         common.HexToHash(p.NullifierHash),
		ExternalNullifierHash: common.HexToHash(p.ExternalNullifierHash),
		Proof:                 common.FromHex(p.Proof),
	}
}

type enterRequest struct {
	Buyer   string       `json:"buyer"`
	Payment uint64       `json:"payment"`
	Proof   proofPayload `json:"proof"`
}

// Enter submits one verified, paid entry.
// POST /api/markets/{id}/entries
func (h *EntryHandler) Enter(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req enterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	buyer, ok := parseAddress(req.Buyer)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid buyer address")
		return
	}

	m, err := h.markets.Enter(r.Context(), id, buyer, req.Proof.toDomain(), req.Payment)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":  m.ID,
		"entries":    len(m.Participants),
		"prize_pool": m.PrizePool,
	})
}

type depositRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// Deposit credits external funds into an escrow ledger account.
// POST /api/accounts/deposit
func (h *EntryHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Account == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "account and amount required")
		return
	}

	if err := h.markets.Deposit(r.Context(), req.Account, req.Amount); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	balance, err := h.markets.Balance(r.Context(), req.Account)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": req.Account,
		"balance": balance,
	})
}

// Balance returns an escrow account balance.
// GET /api/accounts/{account}/balance
func (h *EntryHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account := pathParam(r, "account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}

	balance, err := h.markets.Balance(r.Context(), account)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"balance": balance,
	})
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// LifecycleHandler serves the close, commit-reveal, settlement, timeout, and
// refund endpoints.
type LifecycleHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewLifecycleHandler creates a LifecycleHandler with the given service and
// logger.
func NewLifecycleHandler(markets MarketService, logger *slog.Logger) *LifecycleHandler {
	return &LifecycleHandler{
		markets: markets,
		logger:  logger,
	}
}

// Close ends the entry phase. Permissionless.
// POST /api/markets/{id}/close
func (h *LifecycleHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	m, err := h.markets.CloseEntries(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type commitRequest struct {
	Caller     string `json:"caller"`
	Commitment string `json:"commitment"` // hex-encoded 32-byte hash
}

// Commit records the seller's randomness commitment.
// POST /api/markets/{id}/commit
func (h *LifecycleHandler) Commit(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	m, err := h.markets.Commit(r.Context(), id, caller, common.HexToHash(req.Commitment))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type revealRequest struct {
	Caller string `json:"caller"`
	Secret string `json:"secret"` // hex-encoded commitment preimage
}

// Reveal verifies the commitment preimage and draws winners.
// POST /api/markets/{id}/reveal
func (h *LifecycleHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req revealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	secret := common.FromHex(req.Secret)
	if len(secret) == 0 {
		writeError(w, http.StatusBadRequest, "missing secret")
		return
	}

	m, err := h.markets.Reveal(r.Context(), id, caller, secret)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Settle releases the escrowed pool. Permissionless after a reveal.
// POST /api/markets/{id}/settle
func (h *LifecycleHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	m, err := h.markets.Settle(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Timeout fails a market whose seller missed the commit or reveal deadline.
// Permissionless; the sweeper calls the same path.
// POST /api/markets/{id}/timeout
func (h *LifecycleHandler) Timeout(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	m, err := h.markets.CancelByTimeout(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type refundRequest struct {
	Claimant string `json:"claimant"`
}

// ClaimRefund pays a participant's residual claim on a terminal market.
// POST /api/markets/{id}/refunds
func (h *LifecycleHandler) ClaimRefund(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	claimant, ok := parseAddress(req.Claimant)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid claimant address")
		return
	}

	m, err := h.markets.ClaimRefund(r.Context(), id, claimant)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	p := m.ParticipantByAddress(claimant)
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":       m.ID,
		"claimant":        claimant.Hex(),
		"refunds_claimed": m.RefundsClaimed,
		"deposit_amount":  p.DepositAmount,
	})
}

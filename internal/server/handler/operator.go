package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/service"
)

// OperatorHandler serves operator-only administration endpoints. The server
// mounts these behind the API-key middleware.
type OperatorHandler struct {
	markets MarketService
	keeper  *service.SecretKeeper
	logger  *slog.Logger
}

// NewOperatorHandler creates an OperatorHandler with the given service and
// logger.
func NewOperatorHandler(markets MarketService, logger *slog.Logger) *OperatorHandler {
	return &OperatorHandler{
		markets: markets,
		logger:  logger,
	}
}

// WithKeeper enables the commit-secret endpoints backed by the given keeper.
func (h *OperatorHandler) WithKeeper(keeper *service.SecretKeeper) *OperatorHandler {
	h.keeper = keeper
	return h
}

type foundationRequest struct {
	MarketID string `json:"market_id"`
	Account  string `json:"account"`
}

// UpdateFoundation redirects a market's foundation fee account for future
// entries. The operations account is fixed for the market's lifetime.
// PUT /api/operator/foundation
func (h *OperatorHandler) UpdateFoundation(w http.ResponseWriter, r *http.Request) {
	var req foundationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MarketID == "" || req.Account == "" {
		writeError(w, http.StatusBadRequest, "market_id and account required")
		return
	}

	m, err := h.markets.UpdateFoundation(r.Context(), req.MarketID, req.Account)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "handler: foundation account updated",
		slog.String("market_id", m.ID),
		slog.String("account", req.Account),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":          m.ID,
		"foundation_account": m.FoundationAccount,
	})
}

type storeSecretRequest struct {
	MarketID string `json:"market_id"`
	Secret   string `json:"secret"` // hex-encoded commitment preimage
}

// StoreSecret encrypts and stores a market's reveal secret so it survives an
// operator restart between commit and reveal.
// PUT /api/operator/secrets
func (h *OperatorHandler) StoreSecret(w http.ResponseWriter, r *http.Request) {
	if h.keeper == nil {
		writeError(w, http.StatusServiceUnavailable, "secret keeper not configured")
		return
	}

	var req storeSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	secret := common.FromHex(req.Secret)
	if req.MarketID == "" || len(secret) == 0 {
		writeError(w, http.StatusBadRequest, "market_id and secret required")
		return
	}

	if err := h.keeper.Store(req.MarketID, secret); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: store secret failed",
			slog.String("market_id", req.MarketID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to store secret")
		return
	}

	h.logger.InfoContext(r.Context(), "handler: reveal secret stored",
		slog.String("market_id", req.MarketID),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": req.MarketID,
		"stored":    true,
	})
}

type operatorRevealRequest struct {
	MarketID string `json:"market_id"`
	Caller   string `json:"caller"`
}

// Reveal loads the stored secret for a market and performs the reveal. On
// success the stored secret is deleted; the commitment on the market is the
// durable record.
// POST /api/operator/reveal
func (h *OperatorHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	if h.keeper == nil {
		writeError(w, http.StatusServiceUnavailable, "secret keeper not configured")
		return
	}

	var req operatorRevealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "market_id required")
		return
	}

	secret, err := h.keeper.Load(req.MarketID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	m, err := h.markets.Reveal(r.Context(), req.MarketID, caller, secret)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if err := h.keeper.Remove(req.MarketID); err != nil {
		h.logger.WarnContext(r.Context(), "handler: stored secret cleanup failed",
			slog.String("market_id", req.MarketID),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, http.StatusOK, m)
}

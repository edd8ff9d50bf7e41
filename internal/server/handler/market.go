package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/domain"
	"github.com/wafflebay/marketd/internal/engine"
)

// MarketService defines the methods the HTTP handlers require from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, p engine.CreateParams) (*domain.Market, error)
	OpenMarket(ctx context.Context, id string, caller common.Address) (*domain.Market, error)
	Enter(ctx context.Context, id string, buyer common.Address, proof domain.IdentityProof, payment uint64) (*domain.Market, error)
	CloseEntries(ctx context.Context, id string) (*domain.Market, error)
	Commit(ctx context.Context, id string, caller common.Address, commitment common.Hash) (*domain.Market, error)
	Reveal(ctx context.Context, id string, caller common.Address, secret []byte) (*domain.Market, error)
	Settle(ctx context.Context, id string) (*domain.Market, error)
	CancelByTimeout(ctx context.Context, id string) (*domain.Market, error)
	ClaimRefund(ctx context.Context, id string, claimant common.Address) (*domain.Market, error)
	UpdateFoundation(ctx context.Context, id, account string) (*domain.Market, error)
	GetMarket(ctx context.Context, id string) (*domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]*domain.Market, error)
	Count(ctx context.Context) (int64, error)
	Deposit(ctx context.Context, account string, amount uint64) error
	Balance(ctx context.Context, account string) (uint64, error)
	EventHistory(ctx context.Context, marketID, lastID string, count int) ([]domain.StreamMessage, error)
}

// MarketHandler serves market creation and read endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// parseAddress validates and decodes a 0x-prefixed hex address.
func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

type createMarketRequest struct {
	Seller           string    `json:"seller"`
	Type             string    `json:"type"`
	TicketPrice      uint64    `json:"ticket_price"`
	DepositPerEntry  uint64    `json:"deposit_per_entry"`
	GoalAmount       uint64    `json:"goal_amount"`
	PreparedQuantity int       `json:"prepared_quantity"`
	EndTime          time.Time `json:"end_time"`
	// PrecommitNullifier optionally fixes the randomness commitment at
	// creation (hex-encoded 32-byte value).
	PrecommitNullifier string `json:"precommit_nullifier,omitempty"`
}

// CreateMarket creates a market and locks the seller deposit.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	seller, ok := parseAddress(req.Seller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid seller address")
		return
	}

	p := engine.CreateParams{
		Seller:           seller,
		Type:             domain.MarketType(req.Type),
		TicketPrice:      req.TicketPrice,
		DepositPerEntry:  req.DepositPerEntry,
		GoalAmount:       req.GoalAmount,
		PreparedQuantity: req.PreparedQuantity,
		EndTime:          req.EndTime,
	}
	if req.PrecommitNullifier != "" {
		n := common.HexToHash(req.PrecommitNullifier)
		p.PrecommitNullifier = &n
	}

	m, err := h.markets.CreateMarket(r.Context(), p)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type callerRequest struct {
	Caller string `json:"caller"`
}

// OpenMarket opens a market for entries. Seller only.
// POST /api/markets/{id}/open
func (h *MarketHandler) OpenMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	m, err := h.markets.OpenMarket(r.Context(), id, caller)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []*domain.Market `json:"markets"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// ListMarkets returns markets with pagination and optional status filter.
// GET /api/markets?limit=50&offset=0&status=open
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	opts.Status = domain.MarketStatus(r.URL.Query().Get("status"))

	markets, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListParticipants returns a market's entry ledger.
// GET /api/markets/{id}/participants
func (h *MarketHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":    m.ID,
		"participants": m.Participants,
		"count":        len(m.Participants),
	})
}

// EventHistory returns a market's durable event stream.
// GET /api/markets/{id}/events?after=0&limit=100
func (h *MarketHandler) EventHistory(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	opts := parseListOpts(r)

	msgs, err := h.markets.EventHistory(r.Context(), id, r.URL.Query().Get("after"), opts.Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	type eventMsg struct {
		ID    string          `json:"id"`
		Event json.RawMessage `json:"event"`
	}
	out := make([]eventMsg, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, eventMsg{ID: msg.ID, Event: json.RawMessage(msg.Payload)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"events":    out,
	})
}

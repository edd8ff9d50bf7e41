package domain

import "time"

// Event types emitted by lifecycle operations. Events are observability
// output (audit log, redis bus, websocket fan-out), not correctness inputs.
const (
	EventMarketCreated  = "market.created"
	EventMarketOpened   = "market.opened"
	EventEntered        = "market.entered"
	EventMarketClosed   = "market.closed"
	EventMarketFailed   = "market.failed"
	EventCommitted      = "market.committed"
	EventRevealed       = "market.revealed"
	EventWinnersDrawn   = "market.winners_drawn"
	EventSettled        = "market.settled"
	EventSellerSlashed  = "market.seller_slashed"
	EventRefundClaimed  = "market.refund_claimed"
	EventFoundationSet  = "operator.foundation_set"
)

// Event is a single lifecycle event record.
type Event struct {
	Type     string         `json:"type"`
	MarketID string         `json:"market_id"`
	At       time.Time      `json:"at"`
	Fields   map[string]any `json:"fields,omitempty"`
}

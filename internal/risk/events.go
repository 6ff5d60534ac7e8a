package risk

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Event types published to WebSocket clients and NATS subjects.
const (
	EventPriceUpdate   = "price_update"
	EventTrade         = "trade"
	EventLiquidation   = "liquidation"
	EventADL           = "adl"
	EventSocialization = "socialization"
	EventFunding       = "funding"
	EventResolution    = "resolution"
)

// Event is one engine occurrence, serialized identically for WebSocket
// broadcast and NATS publication. Decimal fields travel as strings.
type Event struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
	Symbol   string `json:"symbol"`
	Trader   string `json:"trader,omitempty"`
	Side     string `json:"side,omitempty"`
	Size     string `json:"size,omitempty"`
	Price    string `json:"price,omitempty"`
	Index    string `json:"index,omitempty"`
	Raw      string `json:"raw,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Rate     string `json:"rate,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// Publisher fans events out to NATS on subjects named risk.{type}. A nil
// Publisher, or one wrapping a nil connection, drops events silently so
// the engine runs unchanged without a broker.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher wraps an established NATS connection.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// Publish sends the event to risk.{type}. Delivery is best-effort and
// never blocks an engine mutation.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.nc.Publish("risk."+ev.Type, data); err != nil {
		slog.Warn("event publish failed", "type", ev.Type, "err", err)
	}
}

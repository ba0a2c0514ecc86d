package model

import (
	"encoding/json"
	"time"
)

// OrderBookRow is a single price level of one book side.
type OrderBookRow struct {
	Price    float64 `json:"price"`
	Amount   float64 `json:"amount"`
	UpdateID int64   `json:"update_id"`
}

// BookSnapshot is a full two-sided order book for one instrument at one instant.
// Bids are best-first with descending price, asks best-first with ascending price.
type BookSnapshot struct {
	Token    string         `json:"token"`
	Exchange string         `json:"exchange"`
	TS       time.Time      `json:"ts"`
	UpdateID int64          `json:"update_id"`
	Bids     []OrderBookRow `json:"bids"`
	Asks     []OrderBookRow `json:"asks"`
}

// Key returns "exchange:token".
func (b *BookSnapshot) Key() string {
	return b.Exchange + ":" + b.Token
}

// StreamKey returns the Redis stream key: "book:{exchange}:{token}".
func (b *BookSnapshot) StreamKey() string {
	return BookStreamKey(b.Key())
}

// BestBid returns the first bid price, or 0 for an empty side.
func (b *BookSnapshot) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the first ask price, or 0 for an empty side.
func (b *BookSnapshot) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// JSON returns the JSON-encoded snapshot (ignoring errors for hot-path usage).
func (b *BookSnapshot) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// BookStreamKey maps an "exchange:token" key to its book stream.
func BookStreamKey(instrumentKey string) string {
	return "book:" + instrumentKey
}

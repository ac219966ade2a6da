package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Side is the direction of a trade or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// EventAction classifies what a target trade means for the copier.
type EventAction string

const (
	ActionOpen  EventAction = "OPEN"  // target entered or scaled into a market
	ActionClose EventAction = "CLOSE" // target exited a market
)

// TradeEvent is one normalized trade observed on the target's activity feed.
// Immutable once observed; the exchange-assigned EventID is the idempotence key.
type TradeEvent struct {
	EventID    string      `json:"event_id"`
	MarketID   string      `json:"market_id"` // condition ID
	TokenID    string      `json:"token_id"`  // outcome token (asset) ID
	Outcome    string      `json:"outcome"`   // YES / NO / outcome name
	Title      string      `json:"title"`
	Side       Side        `json:"side"`
	Action     EventAction `json:"action"`
	Size       float64     `json:"size"`  // target's share size
	Price      float64     `json:"price"` // target's fill price
	ObservedAt time.Time   `json:"observed_at"`
}

// PositionStatus is the lifecycle state of a copy position.
type PositionStatus string

const (
	PositionNone    PositionStatus = "NONE"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
)

// CopyPosition is our own position in a market, derived solely from our
// confirmed fills. At most one per market; no simultaneous opposite exposure.
type CopyPosition struct {
	MarketID      string         `json:"market_id"`
	TokenID       string         `json:"token_id"`
	Outcome       string         `json:"outcome"`
	Title         string         `json:"title"`
	Side          Side           `json:"side"`
	Size          float64        `json:"size"` // shares, confirmed fills only
	AvgEntryPrice float64        `json:"avg_entry_price"`
	Status        PositionStatus `json:"status"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsOpen reports whether the position carries exposure.
func (p *CopyPosition) IsOpen() bool {
	return p != nil && p.Status == PositionOpen && p.Size > 0
}

// Fill is a confirmed execution applied to the ledger. BUY side increases the
// position, SELL side reduces it.
type Fill struct {
	MarketID string  `json:"market_id"`
	TokenID  string  `json:"token_id"`
	Outcome  string  `json:"outcome"`
	Title    string  `json:"title"`
	Side     Side    `json:"side"`
	Size     float64 `json:"size"`
	Price    float64 `json:"price"`
}

// OrderStatus is the lifecycle state of a pending order.
type OrderStatus string

const (
	OrderSubmitting      OrderStatus = "SUBMITTING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderFailed          OrderStatus = "FAILED"
)

// PendingOrder tracks one in-flight execution so a crash between order
// confirmation and ledger commit can be rolled forward on restart.
type PendingOrder struct {
	ClientOrderID   string      `json:"client_order_id"`
	EventID         string      `json:"event_id"`
	MarketID        string      `json:"market_id"`
	TokenID         string      `json:"token_id"`
	Outcome         string      `json:"outcome"`
	Title           string      `json:"title"`
	Side            Side        `json:"side"`
	RequestedSize   float64     `json:"requested_size"`
	FilledSize      float64     `json:"filled_size"`
	AvgPrice        float64     `json:"avg_price"`
	Attempts        int         `json:"attempts"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// CopyTrade is the audit record of one reconciliation attempt.
type CopyTrade struct {
	ID           int       `json:"id"`
	EventID      string    `json:"event_id"`
	TargetWallet string    `json:"target_wallet"`
	MarketID     string    `json:"market_id"`
	TokenID      string    `json:"token_id"`
	Outcome      string    `json:"outcome"`
	Title        string    `json:"title"`
	Side         Side      `json:"side"`
	IntendedSize float64   `json:"intended_size"`
	FilledSize   float64   `json:"filled_size"`
	AvgPrice     float64   `json:"avg_price"`
	Status       string    `json:"status"` // executed, partial, failed, skipped
	Reason       string    `json:"reason,omitempty"`
	OrderID      string    `json:"order_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Cursor marks progress through the target's activity feed. Ordering is by
// timestamp, tie-broken by event ID.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
}

// IsZero reports whether the cursor has never advanced.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.EventID == ""
}

// After reports whether an event at (ts, id) is strictly after the cursor.
func (c Cursor) After(ts time.Time, id string) bool {
	if ts.After(c.Timestamp) {
		return true
	}
	if ts.Equal(c.Timestamp) {
		return id > c.EventID
	}
	return false
}

// String serializes the cursor as "<unix_nanos>:<event_id>".
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%s", c.Timestamp.UnixNano(), c.EventID)
}

// ParseCursor parses the serialized form produced by String.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor timestamp %q: %w", parts[0], err)
	}
	return Cursor{Timestamp: time.Unix(0, nanos).UTC(), EventID: parts[1]}, nil
}

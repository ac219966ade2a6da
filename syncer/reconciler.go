package syncer

import (
	"fmt"

	"github.com/jinmel/polybot/config"
	"github.com/jinmel/polybot/models"
)

// StepKind classifies one execution step of a decision.
type StepKind string

const (
	StepOpen     StepKind = "OPEN"
	StepIncrease StepKind = "INCREASE"
	StepClose    StepKind = "CLOSE"
)

// OrderIntent is one order the executor should place. BUY steps are sized in
// USDC (shares derive from the live price); SELL steps are sized in shares
// from the ledger.
type OrderIntent struct {
	Kind       StepKind
	MarketID   string
	TokenID    string
	Outcome    string
	Title      string
	Side       models.Side
	AmountUSDC float64 // for BUY steps
	SizeShares float64 // for SELL steps
}

// Decision is the reconciler's verdict for one event: zero steps (no-op),
// one step, or a close-then-open pair for a side flip. The close leg must
// confirm before the open leg is submitted.
type Decision struct {
	Steps  []OrderIntent
	Reason string
}

// IsNoOp reports whether the decision requires no order.
func (d Decision) IsNoOp() bool {
	return len(d.Steps) == 0
}

// Reconciler translates target trade events into local actions. Decide is a
// pure function over an immutable position snapshot; the processed-event
// gate is checked by the driver before Decide is called.
type Reconciler struct {
	cfg *config.Config
}

// NewReconciler creates a reconciler with the operator's sizing policy.
func NewReconciler(cfg *config.Config) *Reconciler {
	return &Reconciler{cfg: cfg}
}

// Decide computes the local action implied by a target event given our
// current position in that market. Copy size is the configured fixed unit,
// never proportional to the target's trade size.
func (r *Reconciler) Decide(event models.TradeEvent, pos *models.CopyPosition) Decision {
	switch event.Action {
	case models.ActionOpen:
		return r.decideOpen(event, pos)
	case models.ActionClose:
		return r.decideClose(event, pos)
	default:
		return Decision{Reason: fmt.Sprintf("unknown action %q", event.Action)}
	}
}

func (r *Reconciler) decideOpen(event models.TradeEvent, pos *models.CopyPosition) Decision {
	open := OrderIntent{
		Kind:       StepOpen,
		MarketID:   event.MarketID,
		TokenID:    event.TokenID,
		Outcome:    event.Outcome,
		Title:      event.Title,
		Side:       event.Side,
		AmountUSDC: r.cfg.Trading.TradeAmountUSDC,
	}

	if pos == nil || pos.Status == models.PositionNone || pos.Size == 0 {
		return Decision{Steps: []OrderIntent{open}}
	}

	if pos.Side == event.Side && pos.TokenID == event.TokenID {
		// Target scaled in; mirror with the configured increment.
		increase := open
		increase.Kind = StepIncrease
		increase.AmountUSDC = r.cfg.IncrementUSDC()
		return Decision{Steps: []OrderIntent{increase}}
	}

	// Opposite exposure in the same market: flip. Close the existing
	// position first so both sides are never open at once.
	return Decision{Steps: []OrderIntent{r.closeIntent(pos), open}}
}

func (r *Reconciler) decideClose(event models.TradeEvent, pos *models.CopyPosition) Decision {
	if pos == nil || pos.Status == models.PositionNone || pos.Size == 0 {
		return Decision{Reason: "no open position to close"}
	}
	if pos.Status == models.PositionClosing {
		return Decision{Reason: "position already closing"}
	}
	if pos.TokenID != event.TokenID {
		return Decision{Reason: fmt.Sprintf("position holds token %s, target closed %s", pos.TokenID, event.TokenID)}
	}
	return Decision{Steps: []OrderIntent{r.closeIntent(pos)}}
}

// closeIntent builds the full-size exit for an existing position.
func (r *Reconciler) closeIntent(pos *models.CopyPosition) OrderIntent {
	exitSide := models.SideSell
	if pos.Side == models.SideSell {
		exitSide = models.SideBuy
	}
	return OrderIntent{
		Kind:       StepClose,
		MarketID:   pos.MarketID,
		TokenID:    pos.TokenID,
		Outcome:    pos.Outcome,
		Title:      pos.Title,
		Side:       exitSide,
		SizeShares: pos.Size,
	}
}

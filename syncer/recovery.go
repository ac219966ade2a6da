package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jinmel/polybot/models"
	"github.com/jinmel/polybot/storage"
)

// Recover resolves orders that were in flight when the previous process
// died. An order with no exchange ID was never accepted, so dropping it lets
// the source event replay cleanly. An accepted order is cancelled if still
// live and any confirmed fill is rolled forward into the ledger.
func (e *Executor) Recover(ctx context.Context) error {
	orders, err := e.store.ListUnresolvedOrders(ctx)
	if err != nil {
		return fmt.Errorf("list unresolved orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	log.Printf("[Recovery] resolving %d in-flight order(s) from previous run", len(orders))

	for _, pending := range orders {
		if err := e.recoverOrder(ctx, pending); err != nil {
			return fmt.Errorf("recover order %s: %w", pending.ClientOrderID, err)
		}
	}
	return nil
}

func (e *Executor) recoverOrder(ctx context.Context, pending models.PendingOrder) error {
	if pending.ExchangeOrderID == "" {
		// Never reached the exchange; the unmarked event will replay.
		log.Printf("[Recovery] order %s for event %s never submitted, dropping",
			pending.ClientOrderID, pending.EventID)
		return e.store.DeletePendingOrder(ctx, pending.ClientOrderID)
	}

	state, err := e.clob.GetOrder(ctx, pending.ExchangeOrderID)
	if err != nil {
		return fmt.Errorf("query exchange order %s: %w", pending.ExchangeOrderID, err)
	}

	if !state.Terminal() {
		if err := e.clob.CancelOrder(ctx, pending.ExchangeOrderID); err != nil {
			return fmt.Errorf("cancel exchange order %s: %w", pending.ExchangeOrderID, err)
		}
		// Re-read for the final matched size after cancellation.
		state, err = e.clob.GetOrder(ctx, pending.ExchangeOrderID)
		if err != nil {
			return fmt.Errorf("confirm cancelled order %s: %w", pending.ExchangeOrderID, err)
		}
	}

	filled := state.FilledSize()
	if filled > fillEpsilon {
		fill := models.Fill{
			MarketID: pending.MarketID,
			TokenID:  pending.TokenID,
			Outcome:  pending.Outcome,
			Title:    pending.Title,
			Side:     pending.Side,
			Size:     filled,
			Price:    state.FillPrice(),
		}
		if _, err := e.store.ApplyFill(ctx, pending.EventID, "RECOVERED", fill); err != nil {
			if !errors.Is(err, storage.ErrAlreadyProcessed) {
				return fmt.Errorf("commit recovered fill: %w", err)
			}
			log.Printf("[Recovery] fill for event %s was already committed", pending.EventID)
		} else {
			log.Printf("[Recovery] rolled forward %.4f %s @ %.4f for event %s",
				filled, pending.Outcome, state.FillPrice(), pending.EventID)
		}
	} else {
		log.Printf("[Recovery] order %s had no fills, dropping", pending.ClientOrderID)
	}

	return e.store.DeletePendingOrder(ctx, pending.ClientOrderID)
}

package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jinmel/polybot/config"
	"github.com/jinmel/polybot/models"
	"github.com/jinmel/polybot/storage"
)

// Driver runs the poll/reconcile/execute cycle. Events for different markets
// run concurrently under a bounded worker pool; events for the same market
// run strictly in feed order.
type Driver struct {
	observer   *Observer
	reconciler *Reconciler
	executor   *Executor
	store      storage.DataStore
	cfg        *config.Config

	stop chan struct{}
	done chan struct{}
}

// NewDriver assembles the copy-trading loop.
func NewDriver(observer *Observer, reconciler *Reconciler, executor *Executor, store storage.DataStore, cfg *config.Config) *Driver {
	return &Driver{
		observer:   observer,
		reconciler: reconciler,
		executor:   executor,
		store:      store,
		cfg:        cfg,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called or ctx is cancelled. A
// cycle in progress finishes before Start returns.
func (d *Driver) Start(ctx context.Context) {
	defer close(d.done)

	cursor, err := d.store.GetCursor(ctx)
	if err != nil {
		log.Printf("[Driver] failed to load cursor, starting from zero: %v", err)
		cursor = models.Cursor{}
	}
	if !cursor.IsZero() {
		log.Printf("[Driver] resuming from cursor %s", cursor.String())
	}

	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	cursor = d.runCycle(ctx, cursor)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			cursor = d.runCycle(ctx, cursor)
		}
	}
}

// Stop signals the loop to exit and waits for the current cycle to drain.
func (d *Driver) Stop() {
	close(d.stop)
	<-d.done
}

// runCycle polls once and processes everything it found. The cursor only
// advances past events that reached a terminal state: an event deferred by a
// transient store error holds the cursor so the next poll replays it, and
// the idempotence gate skips whatever already committed.
func (d *Driver) runCycle(ctx context.Context, cursor models.Cursor) models.Cursor {
	events, next, err := d.observer.Poll(ctx, cursor)
	if err != nil {
		log.Printf("[Driver] poll failed, will retry next cycle: %v", err)
		return cursor
	}
	if len(events) == 0 {
		if next != cursor {
			d.persistCursor(ctx, next)
		}
		return next
	}

	log.Printf("[Driver] processing %d new event(s)", len(events))

	// Group by market so per-market order is preserved, then fan the
	// groups out across the pool.
	var marketOrder []string
	byMarket := make(map[string][]int)
	for i, event := range events {
		if _, seen := byMarket[event.MarketID]; !seen {
			marketOrder = append(marketOrder, event.MarketID)
		}
		byMarket[event.MarketID] = append(byMarket[event.MarketID], i)
	}

	terminal := make([]bool, len(events))
	sem := make(chan struct{}, d.cfg.Workers.PoolSize)
	var wg sync.WaitGroup
	for _, marketID := range marketOrder {
		batch := byMarket[marketID]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, i := range batch {
				terminal[i] = d.processEvent(ctx, events[i])
			}
		}()
	}
	wg.Wait()

	// Advance only past the contiguous prefix of terminal events. Anything
	// at or after the first deferred event is re-fetched next cycle.
	next = cursor
	for i, event := range events {
		if !terminal[i] {
			log.Printf("[Driver] holding cursor before deferred event %s", event.EventID)
			break
		}
		next = models.Cursor{Timestamp: event.ObservedAt, EventID: event.EventID}
	}
	if next != cursor {
		d.persistCursor(ctx, next)
	}
	return next
}

func (d *Driver) persistCursor(ctx context.Context, cursor models.Cursor) {
	if err := d.store.SaveCursor(ctx, cursor); err != nil {
		log.Printf("[Driver] failed to persist cursor %s: %v", cursor.String(), err)
	}
}

// processEvent takes one trade event to a terminal state: skipped, executed
// or failed. Every terminal path marks the event processed exactly once. It
// returns false when a transient store error forced a deferral, so the caller
// holds the cursor and the event replays next cycle.
func (d *Driver) processEvent(ctx context.Context, event models.TradeEvent) bool {
	processed, err := d.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		log.Printf("[Driver] processed check failed for %s, deferring: %v", event.EventID, err)
		return false
	}
	if processed {
		return true
	}

	pos, err := d.store.GetPosition(ctx, event.MarketID)
	if err != nil {
		log.Printf("[Driver] position lookup failed for %s, deferring: %v", event.MarketID, err)
		return false
	}

	decision := d.reconciler.Decide(event, pos)
	if decision.IsNoOp() {
		log.Printf("[Driver] %s %s %s: no-op (%s)", event.Action, event.Outcome, event.Title, decision.Reason)
		if err := d.store.MarkEventProcessed(ctx, event.EventID, "NOOP"); err != nil {
			log.Printf("[Driver] failed to mark no-op %s, deferring: %v", event.EventID, err)
			return false
		}
		d.audit(ctx, event, OrderIntent{MarketID: event.MarketID, TokenID: event.TokenID,
			Outcome: event.Outcome, Title: event.Title, Side: event.Side},
			Outcome{Status: OutcomeStatus("SKIPPED"), Reason: decision.Reason})
		return true
	}

	return d.executeSteps(ctx, event, decision)
}

// executeSteps runs a decision's steps in order. A multi-step decision is a
// direction flip: the close leg commits under a derived marker so the final
// leg still owns the event's own marker. If the close leg does not fully
// fill, the flip aborts and the open leg is not attempted. Returns false
// only when the event's marker could not be written, leaving it non-terminal.
func (d *Driver) executeSteps(ctx context.Context, event models.TradeEvent, decision Decision) bool {
	for i, intent := range decision.Steps {
		final := i == len(decision.Steps)-1
		markerID := event.EventID
		if !final {
			markerID = event.EventID + "#close"
		}

		if intent.Kind == StepClose {
			if err := d.store.SetPositionStatus(ctx, intent.MarketID, models.PositionClosing); err != nil {
				log.Printf("[Driver] failed to flag %s closing: %v", intent.MarketID, err)
			}
		}

		log.Printf("[Driver] %s %s %s %s (%s)", intent.Kind, intent.Side, intent.Outcome, intent.Title, decision.Reason)
		outcome := d.executor.Execute(ctx, markerID, event, intent)
		d.audit(ctx, event, intent, outcome)

		switch outcome.Status {
		case OutcomeFilled:
			log.Printf("[Driver] %s %s: filled %.4f @ %.4f", intent.Kind, intent.Outcome,
				outcome.FilledSize, outcome.AvgPrice)
		case OutcomePartial:
			log.Printf("[Driver] %s %s: PARTIAL %.4f of %.4f, giving up on residual (%s)",
				intent.Kind, intent.Outcome, outcome.FilledSize, intent.SizeShares, outcome.Reason)
		case OutcomeFailed:
			log.Printf("[Driver] %s %s: FAILED (%s)", intent.Kind, intent.Outcome, outcome.Reason)
		}

		if !final && outcome.Status != OutcomeFilled {
			// Flip aborted. The event is terminal; whatever the close leg
			// did commit stays in the ledger.
			log.Printf("[Driver] aborting flip for %s: close leg %s", event.MarketID, outcome.Status)
			marked := true
			if err := d.store.MarkEventProcessed(ctx, event.EventID, "FLIP_ABORTED"); err != nil {
				log.Printf("[Driver] failed to mark aborted flip %s: %v", event.EventID, err)
				marked = false
			}
			if outcome.Status == OutcomeFailed {
				if err := d.store.SetPositionStatus(ctx, intent.MarketID, models.PositionOpen); err != nil {
					log.Printf("[Driver] failed to restore %s status: %v", intent.MarketID, err)
				}
			}
			return marked
		}

		if final && outcome.Status == OutcomeFailed {
			// Failure is terminal for the event; the operator replays it
			// by deleting the marker.
			marked := true
			if err := d.store.MarkEventProcessed(ctx, event.EventID, "FAILED"); err != nil {
				log.Printf("[Driver] failed to mark failed event %s: %v", event.EventID, err)
				marked = false
			}
			if intent.Kind == StepClose {
				if err := d.store.SetPositionStatus(ctx, intent.MarketID, models.PositionOpen); err != nil {
					log.Printf("[Driver] failed to restore %s status: %v", intent.MarketID, err)
				}
			}
			return marked
		}
	}
	return true
}

func (d *Driver) audit(ctx context.Context, event models.TradeEvent, intent OrderIntent, outcome Outcome) {
	intended := intent.SizeShares
	if intent.Side == models.SideBuy && intent.AmountUSDC > 0 {
		intended = intent.AmountUSDC
	}
	trade := models.CopyTrade{
		EventID:      event.EventID,
		TargetWallet: d.cfg.Target.Address,
		MarketID:     intent.MarketID,
		TokenID:      intent.TokenID,
		Outcome:      intent.Outcome,
		Title:        intent.Title,
		Side:         intent.Side,
		IntendedSize: intended,
		FilledSize:   outcome.FilledSize,
		AvgPrice:     outcome.AvgPrice,
		Status:       auditStatus(outcome.Status),
		Reason:       outcome.Reason,
		OrderID:      outcome.OrderID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.store.SaveCopyTrade(ctx, trade); err != nil {
		log.Printf("[Driver] failed to write audit record for %s: %v", event.EventID, err)
	}
}

func auditStatus(s OutcomeStatus) string {
	switch s {
	case OutcomeFilled:
		return "executed"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

package syncer

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/jinmel/polybot/api"
	"github.com/jinmel/polybot/config"
	"github.com/jinmel/polybot/models"
	"github.com/jinmel/polybot/storage"
)

// placeScript describes the exchange's behavior for one PlaceLimitOrder call.
type placeScript struct {
	err      error   // transport error
	reject   string  // non-empty: exchange rejection message
	fillFrac float64 // portion of the requested size that matches
	status   string  // terminal state reported for the order
}

// fakeExchange is a scripted ExchangeClient. Each PlaceLimitOrder call
// consumes the next script entry; order state queries replay what the script
// produced.
type fakeExchange struct {
	book   *api.OrderBook
	market *api.MarketInfo
	script []placeScript

	placeCalls int
	placeSizes []float64
	cancelled  []string
	orders     map[string]*api.OrderState
}

func newFakeExchange(script ...placeScript) *fakeExchange {
	return &fakeExchange{
		book: &api.OrderBook{
			Asks: []api.OrderBookLevel{{Price: "0.50", Size: "1000"}},
			Bids: []api.OrderBookLevel{{Price: "0.48", Size: "1000"}},
		},
		market: &api.MarketInfo{
			ConditionID: "cond1",
			Tokens: []api.ClobTokenInfo{
				{TokenID: "token1", Outcome: "Yes"},
				{TokenID: "token2", Outcome: "No"},
			},
		},
		script: script,
		orders: make(map[string]*api.OrderState),
	}
}

func (f *fakeExchange) GetOrderBook(ctx context.Context, tokenID string) (*api.OrderBook, error) {
	return f.book, nil
}

func (f *fakeExchange) GetMarket(ctx context.Context, conditionID string) (*api.MarketInfo, error) {
	return f.market, nil
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, tokenID string, side api.Side, size, price float64, negRisk bool) (*api.OrderResponse, error) {
	idx := f.placeCalls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.placeCalls++
	f.placeSizes = append(f.placeSizes, size)
	s := f.script[idx]

	if s.err != nil {
		return nil, s.err
	}
	if s.reject != "" {
		return &api.OrderResponse{Success: false, ErrorMsg: s.reject}, nil
	}

	orderID := fmt.Sprintf("order-%d", f.placeCalls)
	f.orders[orderID] = &api.OrderState{
		ID:           orderID,
		Status:       s.status,
		OriginalSize: strconv.FormatFloat(size, 'f', -1, 64),
		SizeMatched:  strconv.FormatFloat(size*s.fillFrac, 'f', -1, 64),
		Price:        strconv.FormatFloat(price, 'f', -1, 64),
	}
	return &api.OrderResponse{Success: true, OrderID: orderID, Status: "live"}, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, orderID string) (*api.OrderState, error) {
	state, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return state, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	if state, ok := f.orders[orderID]; ok && state.Status == "LIVE" {
		state.Status = "CANCELED"
	}
	return nil
}

func executorConfig() *config.Config {
	cfg := testConfig()
	cfg.Trading.MinOrderUSDC = 1.0
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BackoffBaseMS = 1
	cfg.Retry.BackoffMaxMS = 2
	cfg.Retry.FillPollMS = 5
	cfg.Retry.FillTimeoutSec = 1
	cfg.Retry.ExecuteTimeoutSec = 5
	return cfg
}

func buyIntent() OrderIntent {
	return OrderIntent{
		Kind:       StepOpen,
		MarketID:   "cond1",
		TokenID:    "token1",
		Outcome:    "Yes",
		Title:      "Will it rain tomorrow?",
		Side:       models.SideBuy,
		AmountUSDC: 10.0,
	}
}

func TestExecuteFullFill(t *testing.T) {
	exchange := newFakeExchange(placeScript{fillFrac: 1.0, status: "MATCHED"})
	store := storage.NewMockStore()
	ex := NewExecutor(exchange, store, executorConfig())

	event := openEvent("cond1", "token1", models.SideBuy)
	outcome := ex.Execute(context.Background(), event.EventID, event, buyIntent())

	if outcome.Status != OutcomeFilled {
		t.Fatalf("status = %s (%s), want FILLED", outcome.Status, outcome.Reason)
	}
	// Limit price is best ask 0.50 + 2% buffer; $10 buys 10/0.52 shares.
	if !floatEquals(outcome.FilledSize, 10.0/0.52, 0.01) {
		t.Errorf("filled = %v, want %v", outcome.FilledSize, 10.0/0.52)
	}
	if exchange.placeCalls != 1 {
		t.Errorf("place calls = %d, want 1", exchange.placeCalls)
	}

	pos, _ := store.GetPosition(context.Background(), "cond1")
	if pos == nil || !floatEquals(pos.Size, outcome.FilledSize, 1e-6) {
		t.Errorf("ledger position = %+v, want size %v", pos, outcome.FilledSize)
	}
	if processed, _ := store.IsEventProcessed(context.Background(), event.EventID); !processed {
		t.Error("event should be marked processed with the fill")
	}
	if len(store.PendingOrders) != 0 {
		t.Errorf("pending orders = %d, want 0 after resolution", len(store.PendingOrders))
	}
}

func TestExecutePartialFillThenExhaustedRetries(t *testing.T) {
	// First attempt matches 6 shares, later attempts match nothing. The
	// residual is abandoned after max attempts but the 6 shares stick.
	exchange := newFakeExchange(
		placeScript{fillFrac: 6.0 / (10.0 / 0.52), status: "MATCHED"},
		placeScript{fillFrac: 0, status: "CANCELED"},
	)
	store := storage.NewMockStore()
	ex := NewExecutor(exchange, store, executorConfig())

	event := openEvent("cond1", "token1", models.SideBuy)
	outcome := ex.Execute(context.Background(), event.EventID, event, buyIntent())

	if outcome.Status != OutcomePartial {
		t.Fatalf("status = %s (%s), want PARTIAL", outcome.Status, outcome.Reason)
	}
	if !floatEquals(outcome.FilledSize, 6.0, 0.05) {
		t.Errorf("filled = %v, want ~6", outcome.FilledSize)
	}
	if exchange.placeCalls != 3 {
		t.Errorf("place calls = %d, want max attempts 3", exchange.placeCalls)
	}

	pos, _ := store.GetPosition(context.Background(), "cond1")
	if pos == nil || !floatEquals(pos.Size, 6.0, 0.05) {
		t.Errorf("ledger position = %+v, want ~6 shares", pos)
	}
	if processed, _ := store.IsEventProcessed(context.Background(), event.EventID); !processed {
		t.Error("partial fill must still mark the event processed")
	}
}

func TestExecuteNonTransientRejectionDoesNotRetry(t *testing.T) {
	exchange := newFakeExchange(placeScript{reject: "not enough balance / allowance"})
	store := storage.NewMockStore()
	ex := NewExecutor(exchange, store, executorConfig())

	event := openEvent("cond1", "token1", models.SideBuy)
	outcome := ex.Execute(context.Background(), event.EventID, event, buyIntent())

	if outcome.Status != OutcomeFailed {
		t.Fatalf("status = %s, want FAILED", outcome.Status)
	}
	if exchange.placeCalls != 1 {
		t.Errorf("place calls = %d, want 1 (no retry on rejection)", exchange.placeCalls)
	}
	if store.Calls["ApplyFill"] != 0 {
		t.Error("no fill should reach the ledger")
	}
	if len(store.PendingOrders) != 0 {
		t.Errorf("pending orders = %d, want 0 after terminal failure", len(store.PendingOrders))
	}
}

func TestExecuteTransientErrorRetries(t *testing.T) {
	exchange := newFakeExchange(
		placeScript{err: fmt.Errorf("connection reset by peer")},
		placeScript{fillFrac: 1.0, status: "MATCHED"},
	)
	store := storage.NewMockStore()
	ex := NewExecutor(exchange, store, executorConfig())

	event := openEvent("cond1", "token1", models.SideBuy)
	outcome := ex.Execute(context.Background(), event.EventID, event, buyIntent())

	if outcome.Status != OutcomeFilled {
		t.Fatalf("status = %s (%s), want FILLED after retry", outcome.Status, outcome.Reason)
	}
	if exchange.placeCalls != 2 {
		t.Errorf("place calls = %d, want 2", exchange.placeCalls)
	}
}

func TestExecuteDuplicateMarkerLeavesLedgerAlone(t *testing.T) {
	exchange := newFakeExchange(placeScript{fillFrac: 1.0, status: "MATCHED"})
	store := storage.NewMockStore()
	ex := NewExecutor(exchange, store, executorConfig())

	event := openEvent("cond1", "token1", models.SideBuy)
	first := ex.Execute(context.Background(), event.EventID, event, buyIntent())
	if first.Status != OutcomeFilled {
		t.Fatalf("setup fill failed: %s", first.Reason)
	}
	sizeAfterFirst := store.Positions["cond1"].Size

	// Same marker again: the exchange would fill, but the ledger must not
	// double-apply.
	second := ex.Execute(context.Background(), event.EventID, event, buyIntent())
	if second.Status != OutcomeFilled {
		t.Fatalf("second execute = %s (%s)", second.Status, second.Reason)
	}
	if !floatEquals(store.Positions["cond1"].Size, sizeAfterFirst, 1e-9) {
		t.Errorf("ledger changed on duplicate marker: %v -> %v",
			sizeAfterFirst, store.Positions["cond1"].Size)
	}
}

type fakePositions struct {
	positions []api.UserPosition
}

func (f *fakePositions) GetPositions(ctx context.Context, user string) ([]api.UserPosition, error) {
	return f.positions, nil
}

func TestExecuteSellClampsToExchangeHolding(t *testing.T) {
	exchange := newFakeExchange(placeScript{fillFrac: 1.0, status: "MATCHED"})
	store := storage.NewMockStore()
	ex := NewExecutor(exchange, store, executorConfig())
	ex.SetPositionSource(&fakePositions{positions: []api.UserPosition{
		{Asset: "token1", Size: 12.0},
	}}, "0x2222222222222222222222222222222222222222")

	intent := OrderIntent{
		Kind:       StepClose,
		MarketID:   "cond1",
		TokenID:    "token1",
		Outcome:    "Yes",
		Side:       models.SideSell,
		SizeShares: 20.0, // ledger thinks 20, exchange holds 12
	}
	event := closeEvent("cond1", "token1")
	outcome := ex.Execute(context.Background(), event.EventID, event, intent)

	if outcome.Status != OutcomeFilled {
		t.Fatalf("status = %s (%s), want FILLED", outcome.Status, outcome.Reason)
	}
	if !floatEquals(outcome.FilledSize, 12.0, 1e-6) {
		t.Errorf("filled = %v, want clamped 12", outcome.FilledSize)
	}
}

func TestExecuteClampedExitClearsLedger(t *testing.T) {
	// Ledger carries 20 shares but the exchange only holds 12. Selling out
	// the 12 must not strand 8 OPEN shares the exchange does not have.
	exchange := newFakeExchange(placeScript{fillFrac: 1.0, status: "MATCHED"})
	store := storage.NewMockStore()
	store.Positions["cond1"] = models.CopyPosition{
		MarketID: "cond1", TokenID: "token1", Outcome: "Yes",
		Side: models.SideBuy, Size: 20, AvgEntryPrice: 0.50,
		Status: models.PositionOpen,
	}
	ex := NewExecutor(exchange, store, executorConfig())
	ex.SetPositionSource(&fakePositions{positions: []api.UserPosition{
		{Asset: "token1", Size: 12.0},
	}}, "0x2222222222222222222222222222222222222222")

	intent := OrderIntent{
		Kind:       StepClose,
		MarketID:   "cond1",
		TokenID:    "token1",
		Outcome:    "Yes",
		Side:       models.SideSell,
		SizeShares: 20.0,
	}
	event := closeEvent("cond1", "token1")
	outcome := ex.Execute(context.Background(), event.EventID, event, intent)

	if outcome.Status != OutcomeFilled {
		t.Fatalf("status = %s (%s), want FILLED", outcome.Status, outcome.Reason)
	}
	if !floatEquals(outcome.FilledSize, 12.0, 1e-6) {
		t.Errorf("filled = %v, want the 12 shares actually held", outcome.FilledSize)
	}
	if pos, _ := store.GetPosition(context.Background(), "cond1"); pos != nil {
		t.Errorf("ledger position = %+v, want cleared after full exit", pos)
	}
	if processed, _ := store.IsEventProcessed(context.Background(), event.EventID); !processed {
		t.Error("clamped exit must mark the event processed")
	}
}

func TestExecuteBuySizeBoundedByBookDepth(t *testing.T) {
	// The ask side only carries 5 shares, far less than $10 buys at the
	// limit price. The requested size must not exceed what the book holds.
	exchange := newFakeExchange(placeScript{fillFrac: 1.0, status: "MATCHED"})
	exchange.book = &api.OrderBook{
		Asks: []api.OrderBookLevel{{Price: "0.50", Size: "5"}},
		Bids: []api.OrderBookLevel{{Price: "0.48", Size: "5"}},
	}
	store := storage.NewMockStore()
	ex := NewExecutor(exchange, store, executorConfig())

	event := openEvent("cond1", "token1", models.SideBuy)
	outcome := ex.Execute(context.Background(), event.EventID, event, buyIntent())

	if len(exchange.placeSizes) == 0 {
		t.Fatal("no order placed")
	}
	if !floatEquals(exchange.placeSizes[0], 5.0, 1e-6) {
		t.Errorf("requested size = %v, want book depth 5", exchange.placeSizes[0])
	}
	// Each attempt sweeps the 5 visible shares; the rest of the budget is
	// abandoned as PARTIAL when attempts run out.
	if outcome.Status != OutcomePartial {
		t.Fatalf("status = %s (%s), want PARTIAL", outcome.Status, outcome.Reason)
	}
	if !floatEquals(outcome.FilledSize, 15.0, 0.05) {
		t.Errorf("filled = %v, want 3 sweeps of 5", outcome.FilledSize)
	}
}

func TestExecuteSellWithNoExchangeHoldingCorrectsLedger(t *testing.T) {
	exchange := newFakeExchange(placeScript{fillFrac: 1.0, status: "MATCHED"})
	store := storage.NewMockStore()
	store.Positions["cond1"] = models.CopyPosition{
		MarketID: "cond1", TokenID: "token1", Outcome: "Yes",
		Side: models.SideBuy, Size: 20, Status: models.PositionOpen,
	}
	ex := NewExecutor(exchange, store, executorConfig())
	ex.SetPositionSource(&fakePositions{}, "0x2222222222222222222222222222222222222222")

	intent := OrderIntent{
		Kind:       StepClose,
		MarketID:   "cond1",
		TokenID:    "token1",
		Outcome:    "Yes",
		Side:       models.SideSell,
		SizeShares: 20.0,
	}
	event := closeEvent("cond1", "token1")
	outcome := ex.Execute(context.Background(), event.EventID, event, intent)

	if outcome.Status != OutcomeFilled {
		t.Fatalf("status = %s (%s), want corrected FILLED", outcome.Status, outcome.Reason)
	}
	if exchange.placeCalls != 0 {
		t.Errorf("place calls = %d, want 0 (nothing to sell)", exchange.placeCalls)
	}
	if pos := store.Positions["cond1"]; pos.Size > 1e-9 {
		t.Errorf("ledger size = %v, want cleared", pos.Size)
	}
	if processed, _ := store.IsEventProcessed(context.Background(), event.EventID); !processed {
		t.Error("corrected close must mark the event processed")
	}
}

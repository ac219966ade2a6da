package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinmel/polybot/api"
	"github.com/jinmel/polybot/config"
	"github.com/jinmel/polybot/models"
	"github.com/jinmel/polybot/storage"
)

// ExchangeClient is the slice of the CLOB API the executor needs. The
// concrete client is swappable behind this interface.
type ExchangeClient interface {
	GetOrderBook(ctx context.Context, tokenID string) (*api.OrderBook, error)
	GetMarket(ctx context.Context, conditionID string) (*api.MarketInfo, error)
	PlaceLimitOrder(ctx context.Context, tokenID string, side api.Side, size, price float64, negRisk bool) (*api.OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*api.OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// PositionSource re-checks our authoritative exchange position when the
// local ledger looks stale.
type PositionSource interface {
	GetPositions(ctx context.Context, user string) ([]api.UserPosition, error)
}

// OutcomeStatus is the terminal result of executing one intent.
type OutcomeStatus string

const (
	OutcomeFilled  OutcomeStatus = "FILLED"
	OutcomePartial OutcomeStatus = "PARTIAL"
	OutcomeFailed  OutcomeStatus = "FAILED"
)

// Outcome reports what actually happened for one intent. FilledSize and
// AvgPrice cover only confirmed fills; a partial fill is never dropped.
type Outcome struct {
	Status     OutcomeStatus
	FilledSize float64
	AvgPrice   float64
	OrderID    string
	Reason     string
}

const fillEpsilon = 1e-6

// Executor submits decided actions to the exchange, bounds retries with
// exponential backoff, and commits confirmed fills together with the
// processed-event marker in one transaction.
type Executor struct {
	clob      ExchangeClient
	store     storage.DataStore
	cfg       *config.Config
	positions PositionSource // optional
	myAddress string
	updates   <-chan api.UserOrderUpdate // optional ws fast path
}

// NewExecutor creates an order executor.
func NewExecutor(clob ExchangeClient, store storage.DataStore, cfg *config.Config) *Executor {
	return &Executor{clob: clob, store: store, cfg: cfg}
}

// SetPositionSource enables the exchange-side position cross-check for exits.
func (e *Executor) SetPositionSource(src PositionSource, myAddress string) {
	e.positions = src
	e.myAddress = strings.ToLower(myAddress)
}

// SetFillUpdates wires the user-channel notification stream. Purely a
// latency optimization; REST polling remains the source of truth.
func (e *Executor) SetFillUpdates(updates <-chan api.UserOrderUpdate) {
	e.updates = updates
}

// Execute runs one intent to a terminal outcome. On any confirmed fill the
// ledger delta and the markerID are committed atomically before returning,
// so a crash cannot separate the two.
func (e *Executor) Execute(ctx context.Context, markerID string, event models.TradeEvent, intent OrderIntent) Outcome {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Retry.ExecuteTimeoutSec)*time.Second)
	defer cancel()

	negRisk := e.resolveNegRisk(ctx, intent.MarketID, intent.Outcome, intent.TokenID)

	remainingUSDC := intent.AmountUSDC
	remainingShares := intent.SizeShares

	// Shares the ledger carries beyond what the exchange actually holds.
	// Selling out the clamped size must still clear them.
	var phantomShares float64

	if intent.Side != models.SideBuy {
		// Exit path: trust the exchange, not the cached ledger, for how
		// much we actually hold.
		actual, ok := e.exchangeHolding(ctx, intent.TokenID)
		if ok {
			if actual <= fillEpsilon {
				log.Printf("[Executor] ledger/exchange mismatch for %s: ledger says %.4f shares, exchange says none; correcting ledger",
					intent.MarketID, intent.SizeShares)
				e.correctClosedPosition(ctx, markerID, intent)
				return Outcome{Status: OutcomeFilled, Reason: "ledger corrected: no exchange position"}
			}
			if actual < remainingShares {
				log.Printf("[Executor] clamping exit size for %s: ledger %.4f, exchange %.4f",
					intent.MarketID, remainingShares, actual)
				phantomShares = remainingShares - actual
				remainingShares = actual
			}
		}
	}

	pending := models.PendingOrder{
		ClientOrderID: uuid.NewString(),
		EventID:       markerID,
		MarketID:      intent.MarketID,
		TokenID:       intent.TokenID,
		Outcome:       intent.Outcome,
		Title:         intent.Title,
		Side:          intent.Side,
		RequestedSize: remainingShares,
		Status:        models.OrderSubmitting,
	}
	if err := e.store.SavePendingOrder(ctx, pending); err != nil {
		return Outcome{Status: OutcomeFailed, Reason: fmt.Sprintf("persist pending order: %v", err)}
	}

	var filledTotal, costTotal float64
	var lastOrderID, failReason string

	for attempt := 1; attempt <= e.cfg.Retry.MaxAttempts; attempt++ {
		pending.Attempts = attempt

		size, price, reason := e.priceAttempt(ctx, intent, remainingUSDC, remainingShares)
		if size <= fillEpsilon {
			failReason = reason
			if e.backoff(ctx, attempt) != nil {
				break
			}
			continue
		}

		resp, err := e.clob.PlaceLimitOrder(ctx, intent.TokenID, api.Side(intent.Side), size, price, negRisk)
		if err != nil {
			failReason = err.Error()
			if isNonTransient(err.Error()) {
				break
			}
			if e.backoff(ctx, attempt) != nil {
				break
			}
			continue
		}
		if !resp.Success {
			failReason = resp.ErrorMsg
			if isNonTransient(resp.ErrorMsg) {
				break
			}
			if e.backoff(ctx, attempt) != nil {
				break
			}
			continue
		}

		lastOrderID = resp.OrderID
		pending.ExchangeOrderID = resp.OrderID
		if err := e.store.SavePendingOrder(ctx, pending); err != nil {
			log.Printf("[Executor] warning: failed to persist order id %s: %v", resp.OrderID, err)
		}

		filled, fillPrice := e.waitForFill(ctx, resp.OrderID, size)
		if filled > fillEpsilon {
			filledTotal += filled
			costTotal += filled * fillPrice
			if intent.Side == models.SideBuy {
				remainingUSDC -= filled * fillPrice
			} else {
				remainingShares -= filled
			}
		}

		if e.residual(intent, remainingUSDC, remainingShares) <= fillEpsilon {
			break
		}

		pending.Status = models.OrderPartiallyFilled
		pending.FilledSize = filledTotal
		if filledTotal > fillEpsilon {
			pending.AvgPrice = costTotal / filledTotal
		}
		if err := e.store.SavePendingOrder(ctx, pending); err != nil {
			log.Printf("[Executor] warning: failed to persist partial fill: %v", err)
		}
		failReason = fmt.Sprintf("unfilled after attempt %d", attempt)

		if attempt < e.cfg.Retry.MaxAttempts {
			if e.backoff(ctx, attempt) != nil {
				break
			}
		}
	}

	return e.finish(ctx, markerID, event, intent, pending, filledTotal, costTotal, remainingUSDC, remainingShares, phantomShares, lastOrderID, failReason)
}

// priceAttempt computes limit price and size for one attempt from the live
// book, applying the slippage buffer from the original sizing policy.
func (e *Executor) priceAttempt(ctx context.Context, intent OrderIntent, remainingUSDC, remainingShares float64) (size, price float64, reason string) {
	book, err := e.clob.GetOrderBook(ctx, intent.TokenID)
	if err != nil {
		return 0, 0, fmt.Sprintf("get order book: %v", err)
	}

	best, ok := api.BestPrice(book, api.Side(intent.Side))
	if !ok {
		return 0, 0, "no liquidity in order book"
	}

	buffer := e.cfg.Trading.SlippageBuffer
	if intent.Side == models.SideBuy {
		price = best + buffer
		if price > 0.99 {
			price = 0.99
		}
		size = remainingUSDC / price
		// Never request more size than the book can fill for the budget;
		// the retry loop picks up the rest once liquidity returns.
		if bookSize, _, _ := api.CalculateOptimalFill(book, api.SideBuy, remainingUSDC); bookSize > 0 && bookSize < size {
			size = bookSize
		}
	} else {
		price = best - buffer
		if price < 0.01 {
			price = 0.01
		}
		size = remainingShares
	}

	if size < 0.01 {
		return 0, 0, "residual size below exchange minimum"
	}
	return size, price, ""
}

// waitForFill polls the order until it is terminal or the per-attempt fill
// window expires, cancelling the remainder on timeout. Returns confirmed
// filled size and price.
func (e *Executor) waitForFill(ctx context.Context, orderID string, requested float64) (float64, float64) {
	deadline := time.NewTimer(time.Duration(e.cfg.Retry.FillTimeoutSec) * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Duration(e.cfg.Retry.FillPollMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		state, err := e.clob.GetOrder(ctx, orderID)
		if err == nil {
			if state.Terminal() || state.FilledSize() >= requested-fillEpsilon {
				return state.FilledSize(), state.FillPrice()
			}
		} else {
			log.Printf("[Executor] get order %s: %v", orderID, err)
		}

		select {
		case <-ctx.Done():
			return e.cancelAndConfirm(orderID)
		case <-deadline.C:
			return e.cancelAndConfirm(orderID)
		case update := <-e.updates:
			if update.OrderID != orderID {
				continue
			}
			// Fall through to the next REST confirm immediately.
		case <-ticker.C:
		}
	}
}

// cancelAndConfirm cancels the open remainder and confirms the final matched
// size with a detached context so shutdown cannot lose a fill.
func (e *Executor) cancelAndConfirm(orderID string) (float64, float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.clob.CancelOrder(ctx, orderID); err != nil {
		log.Printf("[Executor] cancel order %s: %v", orderID, err)
	}
	state, err := e.clob.GetOrder(ctx, orderID)
	if err != nil {
		log.Printf("[Executor] confirm order %s after cancel: %v", orderID, err)
		return 0, 0
	}
	return state.FilledSize(), state.FillPrice()
}

func (e *Executor) residual(intent OrderIntent, remainingUSDC, remainingShares float64) float64 {
	if intent.Side == models.SideBuy {
		// Dust below the exchange minimum counts as done.
		if remainingUSDC < e.cfg.Trading.MinOrderUSDC {
			return 0
		}
		return remainingUSDC
	}
	return remainingShares
}

// finish commits whatever was confirmed and produces the terminal outcome.
func (e *Executor) finish(ctx context.Context, markerID string, event models.TradeEvent, intent OrderIntent,
	pending models.PendingOrder, filledTotal, costTotal, remainingUSDC, remainingShares, phantomShares float64,
	lastOrderID, failReason string) Outcome {

	// Persistence must survive ctx cancellation during shutdown.
	commitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if filledTotal <= fillEpsilon {
		pending.Status = models.OrderFailed
		if err := e.store.SavePendingOrder(commitCtx, pending); err != nil {
			log.Printf("[Executor] warning: failed to persist failed order: %v", err)
		}
		if err := e.store.DeletePendingOrder(commitCtx, pending.ClientOrderID); err != nil {
			log.Printf("[Executor] warning: failed to drop pending order: %v", err)
		}
		if failReason == "" {
			failReason = "no fill"
		}
		return Outcome{Status: OutcomeFailed, OrderID: lastOrderID, Reason: failReason}
	}

	avgPrice := costTotal / filledTotal
	ledgerSize := filledTotal
	if phantomShares > fillEpsilon && remainingShares <= fillEpsilon {
		// Clamped exit sold everything the exchange held; the ledger's
		// phantom remainder clears with it, priced at the real fills.
		log.Printf("[Executor] clearing %.4f phantom ledger shares for %s", phantomShares, intent.MarketID)
		ledgerSize = filledTotal + phantomShares
	}
	fill := models.Fill{
		MarketID: intent.MarketID,
		TokenID:  intent.TokenID,
		Outcome:  intent.Outcome,
		Title:    intent.Title,
		Side:     intent.Side,
		Size:     ledgerSize,
		Price:    avgPrice,
	}

	if _, err := e.store.ApplyFill(commitCtx, markerID, string(intent.Kind), fill); err != nil {
		if errors.Is(err, storage.ErrAlreadyProcessed) {
			log.Printf("[Executor] fill for %s already committed, skipping ledger update", markerID)
		} else {
			// The order is confirmed on the exchange; recovery will roll
			// this forward from the pending order record.
			log.Printf("[Executor] ERROR: confirmed fill not committed for %s: %v", markerID, err)
			return Outcome{Status: OutcomeFailed, OrderID: lastOrderID,
				Reason: fmt.Sprintf("fill confirmed but not committed: %v", err)}
		}
	}

	if err := e.store.DeletePendingOrder(commitCtx, pending.ClientOrderID); err != nil {
		log.Printf("[Executor] warning: failed to drop pending order: %v", err)
	}

	if e.residual(intent, remainingUSDC, remainingShares) <= fillEpsilon {
		return Outcome{Status: OutcomeFilled, FilledSize: filledTotal, AvgPrice: avgPrice, OrderID: lastOrderID}
	}
	return Outcome{Status: OutcomePartial, FilledSize: filledTotal, AvgPrice: avgPrice,
		OrderID: lastOrderID, Reason: failReason}
}

// correctClosedPosition zeroes a ledger position the exchange no longer
// holds, marking the event so it is not retried.
func (e *Executor) correctClosedPosition(ctx context.Context, markerID string, intent OrderIntent) {
	fill := models.Fill{
		MarketID: intent.MarketID,
		TokenID:  intent.TokenID,
		Outcome:  intent.Outcome,
		Title:    intent.Title,
		Side:     intent.Side,
		Size:     intent.SizeShares,
		Price:    0,
	}
	if _, err := e.store.ApplyFill(ctx, markerID, "CORRECTED", fill); err != nil &&
		!errors.Is(err, storage.ErrAlreadyProcessed) {
		log.Printf("[Executor] warning: ledger correction failed for %s: %v", intent.MarketID, err)
	}
}

// exchangeHolding returns our live share balance for a token, with ok=false
// when the cross-check is unavailable.
func (e *Executor) exchangeHolding(ctx context.Context, tokenID string) (float64, bool) {
	if e.positions == nil || e.myAddress == "" {
		return 0, false
	}
	positions, err := e.positions.GetPositions(ctx, e.myAddress)
	if err != nil {
		log.Printf("[Executor] position cross-check unavailable: %v", err)
		return 0, false
	}
	for _, p := range positions {
		if p.Asset == tokenID {
			return p.Size, true
		}
	}
	return 0, true
}

// resolveNegRisk determines whether the market settles through the neg-risk
// exchange, caching the market metadata lookup.
func (e *Executor) resolveNegRisk(ctx context.Context, conditionID, outcome, tokenID string) bool {
	cachedToken, negRisk, err := e.store.GetCachedToken(ctx, conditionID, outcome)
	if err == nil && cachedToken != "" {
		return negRisk
	}

	market, err := e.clob.GetMarket(ctx, conditionID)
	if err != nil {
		return false
	}
	for _, token := range market.Tokens {
		if token.TokenID == tokenID || strings.EqualFold(token.Outcome, outcome) {
			if err := e.store.CacheToken(ctx, conditionID, outcome, token.TokenID, market.NegRisk); err != nil {
				log.Printf("[Executor] warning: token cache write failed: %v", err)
			}
			return market.NegRisk
		}
	}
	return market.NegRisk
}

// backoff sleeps for the exponential backoff delay of the given attempt.
// Returns the context error when cancelled mid-sleep.
func (e *Executor) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(e.cfg.Retry.BackoffBaseMS) * time.Millisecond
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if max := time.Duration(e.cfg.Retry.BackoffMaxMS) * time.Millisecond; delay > max {
		delay = max
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// isNonTransient reports whether an exchange error should not be retried.
func isNonTransient(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{
		"insufficient",
		"not enough balance",
		"invalid",
		"min size",
		"minimum",
		"market closed",
		"market resolved",
		"404",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

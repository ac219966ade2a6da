package syncer

import (
	"math"
	"testing"

	"github.com/jinmel/polybot/config"
	"github.com/jinmel/polybot/models"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Target.Address = "0x1111111111111111111111111111111111111111"
	cfg.Trading.TradeAmountUSDC = 10.0
	cfg.Trading.IncrementUSDC = 5.0
	return &cfg
}

func openEvent(marketID, tokenID string, side models.Side) models.TradeEvent {
	return models.TradeEvent{
		EventID:  "0xabc:" + tokenID + ":" + string(side),
		MarketID: marketID,
		TokenID:  tokenID,
		Outcome:  "Yes",
		Title:    "Will it rain tomorrow?",
		Side:     side,
		Action:   models.ActionOpen,
		Size:     200,
		Price:    0.55,
	}
}

func closeEvent(marketID, tokenID string) models.TradeEvent {
	e := openEvent(marketID, tokenID, models.SideSell)
	e.Action = models.ActionClose
	return e
}

func yesPosition(marketID, tokenID string, size float64) *models.CopyPosition {
	return &models.CopyPosition{
		MarketID:      marketID,
		TokenID:       tokenID,
		Outcome:       "Yes",
		Side:          models.SideBuy,
		Size:          size,
		AvgEntryPrice: 0.50,
		Status:        models.PositionOpen,
	}
}

func TestDecideOpenNoPosition(t *testing.T) {
	r := NewReconciler(testConfig())

	d := r.Decide(openEvent("cond1", "token1", models.SideBuy), nil)

	if d.IsNoOp() {
		t.Fatal("expected an open step, got no-op")
	}
	if len(d.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(d.Steps))
	}
	step := d.Steps[0]
	if step.Kind != StepOpen {
		t.Errorf("kind = %s, want OPEN", step.Kind)
	}
	if step.Side != models.SideBuy {
		t.Errorf("side = %s, want BUY", step.Side)
	}
	// Copy size is the fixed unit, never the target's size.
	if !floatEquals(step.AmountUSDC, 10.0, 1e-9) {
		t.Errorf("amount = %v, want 10.0", step.AmountUSDC)
	}
}

func TestDecideOpenSizeIgnoresTargetSize(t *testing.T) {
	r := NewReconciler(testConfig())

	small := openEvent("cond1", "token1", models.SideBuy)
	small.Size = 1
	large := openEvent("cond1", "token1", models.SideBuy)
	large.Size = 1e6

	dSmall := r.Decide(small, nil)
	dLarge := r.Decide(large, nil)

	if dSmall.Steps[0].AmountUSDC != dLarge.Steps[0].AmountUSDC {
		t.Errorf("copy size varies with target size: %v vs %v",
			dSmall.Steps[0].AmountUSDC, dLarge.Steps[0].AmountUSDC)
	}
}

func TestDecideOpenSameSideIncreases(t *testing.T) {
	r := NewReconciler(testConfig())
	pos := yesPosition("cond1", "token1", 20)

	d := r.Decide(openEvent("cond1", "token1", models.SideBuy), pos)

	if len(d.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(d.Steps))
	}
	if d.Steps[0].Kind != StepIncrease {
		t.Errorf("kind = %s, want INCREASE", d.Steps[0].Kind)
	}
	if !floatEquals(d.Steps[0].AmountUSDC, 5.0, 1e-9) {
		t.Errorf("amount = %v, want increment 5.0", d.Steps[0].AmountUSDC)
	}
}

func TestDecideOpenIncrementFallsBackToTradeAmount(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.IncrementUSDC = 0
	r := NewReconciler(cfg)
	pos := yesPosition("cond1", "token1", 20)

	d := r.Decide(openEvent("cond1", "token1", models.SideBuy), pos)

	if !floatEquals(d.Steps[0].AmountUSDC, 10.0, 1e-9) {
		t.Errorf("amount = %v, want trade amount 10.0", d.Steps[0].AmountUSDC)
	}
}

func TestDecideOpenOppositeTokenFlips(t *testing.T) {
	r := NewReconciler(testConfig())
	pos := yesPosition("cond1", "tokenYES", 20)

	// Target opened the NO side of a market where we hold YES.
	d := r.Decide(openEvent("cond1", "tokenNO", models.SideBuy), pos)

	if len(d.Steps) != 2 {
		t.Fatalf("steps = %d, want close-then-open pair", len(d.Steps))
	}
	if d.Steps[0].Kind != StepClose {
		t.Errorf("first step = %s, want CLOSE", d.Steps[0].Kind)
	}
	if d.Steps[0].Side != models.SideSell {
		t.Errorf("close side = %s, want SELL", d.Steps[0].Side)
	}
	if !floatEquals(d.Steps[0].SizeShares, 20, 1e-9) {
		t.Errorf("close size = %v, want full position 20", d.Steps[0].SizeShares)
	}
	if d.Steps[1].Kind != StepOpen {
		t.Errorf("second step = %s, want OPEN", d.Steps[1].Kind)
	}
	if d.Steps[1].TokenID != "tokenNO" {
		t.Errorf("open token = %s, want tokenNO", d.Steps[1].TokenID)
	}
}

func TestDecideCloseWithPosition(t *testing.T) {
	r := NewReconciler(testConfig())
	pos := yesPosition("cond1", "token1", 18.2)

	d := r.Decide(closeEvent("cond1", "token1"), pos)

	if len(d.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(d.Steps))
	}
	step := d.Steps[0]
	if step.Kind != StepClose {
		t.Errorf("kind = %s, want CLOSE", step.Kind)
	}
	if step.Side != models.SideSell {
		t.Errorf("side = %s, want SELL", step.Side)
	}
	// Exit is always the full local position, not the target's size.
	if !floatEquals(step.SizeShares, 18.2, 1e-9) {
		t.Errorf("size = %v, want 18.2", step.SizeShares)
	}
}

func TestDecideCloseNoPosition(t *testing.T) {
	r := NewReconciler(testConfig())

	d := r.Decide(closeEvent("cond1", "token1"), nil)

	if !d.IsNoOp() {
		t.Fatalf("expected no-op, got %d steps", len(d.Steps))
	}
	if d.Reason == "" {
		t.Error("expected a reason for the no-op")
	}
}

func TestDecideCloseWhileClosing(t *testing.T) {
	r := NewReconciler(testConfig())
	pos := yesPosition("cond1", "token1", 20)
	pos.Status = models.PositionClosing

	d := r.Decide(closeEvent("cond1", "token1"), pos)

	if !d.IsNoOp() {
		t.Fatal("close while already closing should be a no-op")
	}
}

func TestDecideCloseTokenMismatch(t *testing.T) {
	r := NewReconciler(testConfig())
	pos := yesPosition("cond1", "tokenYES", 20)

	d := r.Decide(closeEvent("cond1", "tokenNO"), pos)

	if !d.IsNoOp() {
		t.Fatal("closing a token we do not hold should be a no-op")
	}
}

func TestDecideCloseShortPositionExitsWithBuy(t *testing.T) {
	r := NewReconciler(testConfig())
	pos := yesPosition("cond1", "token1", 20)
	pos.Side = models.SideSell

	d := r.Decide(closeEvent("cond1", "token1"), pos)

	if len(d.Steps) != 1 || d.Steps[0].Side != models.SideBuy {
		t.Fatalf("exit for a SELL position must BUY, got %+v", d.Steps)
	}
}

package storage

import (
	"context"
	"sync"

	"github.com/jinmel/polybot/models"
)

// MockStore is an in-memory DataStore for tests.
type MockStore struct {
	mu sync.RWMutex

	Cursor          models.Cursor
	Positions       map[string]models.CopyPosition // marketID -> position
	ProcessedEvents map[string]string              // eventID -> applied action
	PendingOrders   map[string]models.PendingOrder // clientOrderID -> order
	CopyTrades      []models.CopyTrade
	TokenCache      map[string]string // conditionID:outcome -> tokenID
	TokenNegRisk    map[string]bool

	// Call tracking for assertions.
	Calls map[string]int

	// Error injection for testing error paths.
	ErrorOnNext map[string]error
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		Positions:       make(map[string]models.CopyPosition),
		ProcessedEvents: make(map[string]string),
		PendingOrders:   make(map[string]models.PendingOrder),
		TokenCache:      make(map[string]string),
		TokenNegRisk:    make(map[string]bool),
		Calls:           make(map[string]int),
		ErrorOnNext:     make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockStore) Close() error {
	return m.trackCall("Close")
}

func (m *MockStore) GetCursor(ctx context.Context) (models.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.trackCall("GetCursor"); err != nil {
		return models.Cursor{}, err
	}
	return m.Cursor, nil
}

func (m *MockStore) SaveCursor(ctx context.Context, cursor models.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SaveCursor"); err != nil {
		return err
	}
	m.Cursor = cursor
	return nil
}

func (m *MockStore) GetPosition(ctx context.Context, marketID string) (*models.CopyPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.trackCall("GetPosition"); err != nil {
		return nil, err
	}
	pos, ok := m.Positions[marketID]
	if !ok || pos.Status == models.PositionNone {
		return nil, nil
	}
	copied := pos
	return &copied, nil
}

func (m *MockStore) ListOpenPositions(ctx context.Context) ([]models.CopyPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.trackCall("ListOpenPositions"); err != nil {
		return nil, err
	}
	var out []models.CopyPosition
	for _, pos := range m.Positions {
		if pos.Status != models.PositionNone {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *MockStore) SetPositionStatus(ctx context.Context, marketID string, status models.PositionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SetPositionStatus"); err != nil {
		return err
	}
	pos, ok := m.Positions[marketID]
	if !ok {
		return nil
	}
	pos.Status = status
	m.Positions[marketID] = pos
	return nil
}

func (m *MockStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.trackCall("IsEventProcessed"); err != nil {
		return false, err
	}
	_, ok := m.ProcessedEvents[eventID]
	return ok, nil
}

func (m *MockStore) MarkEventProcessed(ctx context.Context, eventID, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("MarkEventProcessed"); err != nil {
		return err
	}
	if _, ok := m.ProcessedEvents[eventID]; !ok {
		m.ProcessedEvents[eventID] = action
	}
	return nil
}

func (m *MockStore) DeleteProcessedEvent(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("DeleteProcessedEvent"); err != nil {
		return err
	}
	delete(m.ProcessedEvents, eventID)
	return nil
}

func (m *MockStore) ApplyFill(ctx context.Context, eventID, action string, fill models.Fill) (*models.CopyPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ApplyFill"); err != nil {
		return nil, err
	}
	if _, ok := m.ProcessedEvents[eventID]; ok {
		return nil, ErrAlreadyProcessed
	}
	m.ProcessedEvents[eventID] = action

	pos, ok := m.Positions[fill.MarketID]
	if !ok {
		pos = models.CopyPosition{MarketID: fill.MarketID, Status: models.PositionNone}
	}
	updated := advancePosition(pos, fill)
	m.Positions[fill.MarketID] = updated

	copied := updated
	return &copied, nil
}

func (m *MockStore) SavePendingOrder(ctx context.Context, order models.PendingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SavePendingOrder"); err != nil {
		return err
	}
	m.PendingOrders[order.ClientOrderID] = order
	return nil
}

func (m *MockStore) ListUnresolvedOrders(ctx context.Context) ([]models.PendingOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.trackCall("ListUnresolvedOrders"); err != nil {
		return nil, err
	}
	var out []models.PendingOrder
	for _, o := range m.PendingOrders {
		if o.Status == models.OrderSubmitting || o.Status == models.OrderPartiallyFilled {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockStore) DeletePendingOrder(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("DeletePendingOrder"); err != nil {
		return err
	}
	delete(m.PendingOrders, clientOrderID)
	return nil
}

func (m *MockStore) SaveCopyTrade(ctx context.Context, trade models.CopyTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SaveCopyTrade"); err != nil {
		return err
	}
	trade.ID = len(m.CopyTrades) + 1
	m.CopyTrades = append(m.CopyTrades, trade)
	return nil
}

func (m *MockStore) ListCopyTrades(ctx context.Context, limit int) ([]models.CopyTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.trackCall("ListCopyTrades"); err != nil {
		return nil, err
	}
	out := make([]models.CopyTrade, 0, len(m.CopyTrades))
	for i := len(m.CopyTrades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.CopyTrades[i])
	}
	return out, nil
}

func (m *MockStore) GetCopyTradeStats(ctx context.Context) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.trackCall("GetCopyTradeStats"); err != nil {
		return nil, err
	}
	stats := map[string]interface{}{"total": len(m.CopyTrades)}
	return stats, nil
}

func (m *MockStore) GetCachedToken(ctx context.Context, conditionID, outcome string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.trackCall("GetCachedToken"); err != nil {
		return "", false, err
	}
	key := conditionID + ":" + outcome
	return m.TokenCache[key], m.TokenNegRisk[key], nil
}

func (m *MockStore) CacheToken(ctx context.Context, conditionID, outcome, tokenID string, negRisk bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CacheToken"); err != nil {
		return err
	}
	key := conditionID + ":" + outcome
	m.TokenCache[key] = tokenID
	m.TokenNegRisk[key] = negRisk
	return nil
}

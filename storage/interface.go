package storage

import (
	"context"
	"errors"

	"github.com/jinmel/polybot/models"
)

// ErrAlreadyProcessed is returned by ApplyFill when the event marker already
// exists; the ledger is left untouched.
var ErrAlreadyProcessed = errors.New("storage: event already processed")

// DataStore is the durable state behind the reconciliation loop: the copy
// position ledger, processed-event markers, pending orders and the feed
// cursor. Marker + ledger writes for one event commit atomically.
type DataStore interface {
	Close() error

	// Feed cursor
	GetCursor(ctx context.Context) (models.Cursor, error)
	SaveCursor(ctx context.Context, cursor models.Cursor) error

	// Position ledger. GetPosition returns nil when the market has no
	// position. SetPositionStatus flags a position CLOSING while its exit
	// order is in flight.
	GetPosition(ctx context.Context, marketID string) (*models.CopyPosition, error)
	ListOpenPositions(ctx context.Context) ([]models.CopyPosition, error)
	SetPositionStatus(ctx context.Context, marketID string, status models.PositionStatus) error

	// Processed-event markers (idempotence gate).
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, action string) error
	DeleteProcessedEvent(ctx context.Context, eventID string) error

	// ApplyFill commits the processed marker and the ledger delta for one
	// event in a single transaction. Returns ErrAlreadyProcessed when the
	// marker exists.
	ApplyFill(ctx context.Context, eventID, action string, fill models.Fill) (*models.CopyPosition, error)

	// Pending orders (crash recovery).
	SavePendingOrder(ctx context.Context, order models.PendingOrder) error
	ListUnresolvedOrders(ctx context.Context) ([]models.PendingOrder, error)
	DeletePendingOrder(ctx context.Context, clientOrderID string) error

	// Copy-trade audit log.
	SaveCopyTrade(ctx context.Context, trade models.CopyTrade) error
	ListCopyTrades(ctx context.Context, limit int) ([]models.CopyTrade, error)
	GetCopyTradeStats(ctx context.Context) (map[string]interface{}, error)

	// Token metadata cache (condition+outcome -> token ID). Empty token ID
	// means cache miss.
	GetCachedToken(ctx context.Context, conditionID, outcome string) (tokenID string, negRisk bool, err error)
	CacheToken(ctx context.Context, conditionID, outcome, tokenID string, negRisk bool) error
}

// Ensure both implementations satisfy the interface.
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MockStore)(nil)

package storage

import (
	"time"

	"github.com/jinmel/polybot/models"
)

// sizeEpsilon absorbs float dust when a reduction closes a position.
const sizeEpsilon = 1e-9

// advancePosition applies one confirmed fill to a position snapshot and
// returns the new snapshot. A same-side fill increases size and re-weights
// the average entry price; an opposite-side fill reduces size, clearing the
// position entirely when it reaches zero. Shared by the Postgres and mock
// stores so both ledgers agree on the arithmetic.
func advancePosition(pos models.CopyPosition, fill models.Fill) models.CopyPosition {
	now := time.Now().UTC()

	if pos.Status != models.PositionOpen || pos.Size <= sizeEpsilon {
		// No existing exposure: the fill opens the position.
		return models.CopyPosition{
			MarketID:      fill.MarketID,
			TokenID:       fill.TokenID,
			Outcome:       fill.Outcome,
			Title:         fill.Title,
			Side:          fill.Side,
			Size:          fill.Size,
			AvgEntryPrice: fill.Price,
			Status:        models.PositionOpen,
			UpdatedAt:     now,
		}
	}

	if fill.Side == pos.Side {
		// Scale in: weight the entry price by size.
		newSize := pos.Size + fill.Size
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Size + fill.Price*fill.Size) / newSize
		pos.Size = newSize
		pos.Status = models.PositionOpen
		pos.UpdatedAt = now
		return pos
	}

	// Reduction.
	pos.Size -= fill.Size
	if pos.Size <= sizeEpsilon {
		return models.CopyPosition{
			MarketID:  fill.MarketID,
			Status:    models.PositionNone,
			UpdatedAt: now,
		}
	}
	pos.Status = models.PositionOpen
	pos.UpdatedAt = now
	return pos
}

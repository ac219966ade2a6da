package syncer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jinmel/polybot/api"
	"github.com/jinmel/polybot/models"
)

// ActivityFeed is the slice of the Data API the observer needs.
type ActivityFeed interface {
	GetActivity(ctx context.Context, user string, limit, offset int) ([]api.ActivityRecord, error)
}

// Observer polls the target's activity feed and normalizes raw records into
// trade events strictly after the given cursor. The feed is treated as
// eventually consistent: the same event may be redelivered across calls, so
// deduplication across cycles is left to the processed-event gate.
type Observer struct {
	feed      ActivityFeed
	target    string
	pageLimit int
	maxPages  int
}

// NewObserver creates an observer for one target wallet.
func NewObserver(feed ActivityFeed, target string, pageLimit, maxPages int) *Observer {
	if pageLimit <= 0 {
		pageLimit = 100
	}
	if maxPages <= 0 {
		maxPages = 5
	}
	return &Observer{
		feed:      feed,
		target:    strings.ToLower(target),
		pageLimit: pageLimit,
		maxPages:  maxPages,
	}
}

// Poll fetches events strictly after cursor, sorted ascending by
// (timestamp, event_id) with same-cycle duplicates coalesced. The returned
// cursor points at the newest returned event; on error the input cursor is
// returned unchanged so no event is ever skipped.
func (o *Observer) Poll(ctx context.Context, cursor models.Cursor) ([]models.TradeEvent, models.Cursor, error) {
	records, err := o.fetchWindow(ctx, cursor)
	if err != nil {
		return nil, cursor, err
	}

	// First run: don't replay the target's history. Remember the newest
	// record and copy only trades after it.
	if cursor.IsZero() {
		next := cursor
		for _, r := range records {
			ts := time.Unix(r.Timestamp, 0).UTC()
			if next.After(ts, r.EventID()) {
				next = models.Cursor{Timestamp: ts, EventID: r.EventID()}
			}
		}
		if !next.IsZero() {
			log.Printf("[Observer] initial sync: %d existing records, tracking new trades from %s",
				len(records), next.Timestamp.Format(time.RFC3339))
		}
		return nil, next, nil
	}

	events := make([]models.TradeEvent, 0, len(records))
	seen := make(map[string]bool)
	for _, r := range records {
		if r.Type != "" && r.Type != "TRADE" {
			continue
		}
		event, ok := normalizeRecord(r)
		if !ok {
			continue
		}
		if !cursor.After(event.ObservedAt, event.EventID) {
			continue
		}
		if seen[event.EventID] {
			// Overlapping pages redeliver records within one cycle.
			continue
		}
		seen[event.EventID] = true
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].ObservedAt.Equal(events[j].ObservedAt) {
			return events[i].ObservedAt.Before(events[j].ObservedAt)
		}
		return events[i].EventID < events[j].EventID
	})

	next := cursor
	if len(events) > 0 {
		last := events[len(events)-1]
		next = models.Cursor{Timestamp: last.ObservedAt, EventID: last.EventID}
		log.Printf("[Observer] found %d new trades for %s", len(events), o.target)
	}

	return events, next, nil
}

// fetchWindow walks feed pages (newest first) until a page reaches back past
// the cursor or the page budget runs out.
func (o *Observer) fetchWindow(ctx context.Context, cursor models.Cursor) ([]api.ActivityRecord, error) {
	var all []api.ActivityRecord

	for page := 0; page < o.maxPages; page++ {
		records, err := o.feed.GetActivity(ctx, o.target, o.pageLimit, page*o.pageLimit)
		if err != nil {
			return nil, fmt.Errorf("fetch activity page %d: %w", page, err)
		}
		all = append(all, records...)

		if len(records) < o.pageLimit {
			break
		}
		oldest := records[len(records)-1]
		if !cursor.IsZero() && !cursor.After(time.Unix(oldest.Timestamp, 0).UTC(), oldest.EventID()) {
			break
		}
		if cursor.IsZero() {
			// Initial sync only needs the newest page.
			break
		}
	}

	return all, nil
}

func normalizeRecord(r api.ActivityRecord) (models.TradeEvent, bool) {
	side := models.Side(strings.ToUpper(r.Side))
	if side != models.SideBuy && side != models.SideSell {
		return models.TradeEvent{}, false
	}
	if r.TransactionHash == "" || r.ConditionID == "" {
		return models.TradeEvent{}, false
	}

	action := models.ActionOpen
	if side == models.SideSell {
		action = models.ActionClose
	}

	return models.TradeEvent{
		EventID:    r.EventID(),
		MarketID:   r.ConditionID,
		TokenID:    r.Asset,
		Outcome:    r.Outcome,
		Title:      r.Title,
		Side:       side,
		Action:     action,
		Size:       r.Size,
		Price:      r.Price,
		ObservedAt: time.Unix(r.Timestamp, 0).UTC(),
	}, true
}

package models

import (
	"testing"
	"time"
)

func TestCursorOrdering(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	cursor := Cursor{Timestamp: base, EventID: "0xb:t1:BUY"}

	tests := []struct {
		name string
		ts   time.Time
		id   string
		want bool
	}{
		{"later timestamp", base.Add(time.Second), "0xa:t1:BUY", true},
		{"earlier timestamp", base.Add(-time.Second), "0xz:t1:BUY", false},
		{"same timestamp larger id", base, "0xc:t1:BUY", true},
		{"same timestamp smaller id", base, "0xa:t1:BUY", false},
		{"exact cursor position", base, "0xb:t1:BUY", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cursor.After(tt.ts, tt.id); got != tt.want {
				t.Errorf("After(%v, %s) = %v, want %v", tt.ts, tt.id, got, tt.want)
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := Cursor{
		Timestamp: time.Unix(1700000000, 123456789).UTC(),
		EventID:   "0xabc:123:BUY",
	}

	parsed, err := ParseCursor(cursor.String())
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Timestamp.Equal(cursor.Timestamp) || parsed.EventID != cursor.EventID {
		t.Errorf("round trip: %+v -> %+v", cursor, parsed)
	}
}

func TestParseCursorEmptyIsZero(t *testing.T) {
	cursor, err := ParseCursor("")
	if err != nil {
		t.Fatal(err)
	}
	if !cursor.IsZero() {
		t.Errorf("empty string should parse to zero cursor, got %+v", cursor)
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	if _, err := ParseCursor("not-a-cursor"); err == nil {
		t.Error("expected error for malformed cursor")
	}
	if _, err := ParseCursor("abc:0xdef"); err == nil {
		t.Error("expected error for non-numeric timestamp")
	}
}

func TestCursorEventIDWithColons(t *testing.T) {
	// Event IDs contain colons; only the first separator splits.
	cursor := Cursor{Timestamp: time.Unix(1700000000, 0).UTC(), EventID: "0xabc:123:SELL"}
	parsed, err := ParseCursor(cursor.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.EventID != "0xabc:123:SELL" {
		t.Errorf("event ID = %s, want 0xabc:123:SELL", parsed.EventID)
	}
}

func TestIsOpen(t *testing.T) {
	var nilPos *CopyPosition
	if nilPos.IsOpen() {
		t.Error("nil position is not open")
	}
	if (&CopyPosition{Status: PositionNone}).IsOpen() {
		t.Error("NONE position is not open")
	}
	if !(&CopyPosition{Status: PositionOpen, Size: 5}).IsOpen() {
		t.Error("open position with size should report open")
	}
	if (&CopyPosition{Status: PositionOpen, Size: 0}).IsOpen() {
		t.Error("zero-size position is not open")
	}
}

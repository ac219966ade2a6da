// Command replay deletes the processed-event marker for one event ID so the
// next poll cycle re-executes it. Operator tool for recovering from a FAILED
// event after fixing the underlying cause (funding, allowances, connectivity).
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/jinmel/polybot/storage"
)

func main() {
	eventID := flag.String("event", "", "event ID whose processed marker should be cleared")
	flag.Parse()
	if *eventID == "" {
		log.Fatal("usage: replay -event <event_id>")
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment as-is")
	}

	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	processed, err := store.IsEventProcessed(ctx, *eventID)
	if err != nil {
		log.Fatalf("failed to check event %s: %v", *eventID, err)
	}
	if !processed {
		log.Fatalf("event %s has no processed marker, nothing to replay", *eventID)
	}

	if err := store.DeleteProcessedEvent(ctx, *eventID); err != nil {
		log.Fatalf("failed to clear marker for %s: %v", *eventID, err)
	}
	log.Printf("cleared marker for %s; it will be re-executed on the next poll cycle", *eventID)
}

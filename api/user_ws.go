package api

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const userWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"

// UserOrderUpdate is a fill/cancel notification from the user channel. It is
// a fast-path hint only; the REST order endpoint remains the source of truth.
type UserOrderUpdate struct {
	OrderID     string
	Status      string
	SizeMatched float64
}

// UserWS subscribes to the CLOB user channel for order updates.
type UserWS struct {
	url     string
	creds   APICreds
	updates chan UserOrderUpdate
	stop    chan struct{}
}

type userWSMessage struct {
	EventType   string `json:"event_type"` // order, trade
	ID          string `json:"id"`
	Status      string `json:"status"`
	SizeMatched string `json:"size_matched"`
}

// NewUserWS creates a user-channel subscriber using derived API credentials.
func NewUserWS(creds APICreds) *UserWS {
	return &UserWS{
		url:     userWSURL,
		creds:   creds,
		updates: make(chan UserOrderUpdate, 64),
		stop:    make(chan struct{}),
	}
}

// Updates returns the notification channel.
func (w *UserWS) Updates() <-chan UserOrderUpdate {
	return w.updates
}

// Start runs the read loop with reconnects until Stop is called.
func (w *UserWS) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			default:
			}

			if err := w.readLoop(ctx); err != nil {
				log.Printf("[UserWS] connection lost: %v, reconnecting in 5s", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

// Stop terminates the subscriber.
func (w *UserWS) Stop() {
	close(w.stop)
}

func (w *UserWS) readLoop(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"type": "user",
		"auth": map[string]string{
			"apiKey":     w.creds.APIKey,
			"secret":     w.creds.APISecret,
			"passphrase": w.creds.APIPassphrase,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	log.Printf("[UserWS] subscribed to user channel")

	for {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msgs []userWSMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			var single userWSMessage
			if err := json.Unmarshal(data, &single); err != nil {
				continue
			}
			msgs = []userWSMessage{single}
		}

		for _, msg := range msgs {
			if msg.EventType != "order" || msg.ID == "" {
				continue
			}
			matched, _ := strconv.ParseFloat(msg.SizeMatched, 64)
			update := UserOrderUpdate{
				OrderID:     msg.ID,
				Status:      msg.Status,
				SizeMatched: matched,
			}
			select {
			case w.updates <- update:
			default:
				// Slow consumer; REST polling will catch up.
			}
		}
	}
}

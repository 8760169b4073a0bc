package publisher

import (
	"context"
	"encoding/json"
	"time"
)

// Publisher represents a service for publishing messages
type Publisher interface {
	// Publish publishes a message to the stream of a supermarket
	Publish(ctx context.Context, supermarket string, message []byte) error

	// TrimStreams trims all streams to the configured maximum length
	TrimStreams(ctx context.Context) error

	// Close closes the publisher connection
	Close() error
}

// PriceChange is the event emitted when a product gets a new history version
type PriceChange struct {
	ProductID     uint      `json:"product_id"`
	Supermarket   string    `json:"supermarket"`
	URL           string    `json:"url"`
	Name          string    `json:"name"`
	PreviousPrice *string   `json:"previous_price,omitempty"`
	Price         string    `json:"price"`
	Currency      string    `json:"currency"`
	UnitPrice     *string   `json:"unit_price,omitempty"`
	UnitPriceUnit string    `json:"unit_price_unit,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
}

// PublishPriceChange encodes change as JSON and publishes it
func PublishPriceChange(ctx context.Context, p Publisher, change PriceChange) error {
	message, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return p.Publish(ctx, change.Supermarket, message)
}

// NopPublisher drops every message; used when publishing is disabled
type NopPublisher struct{}

// Publish does nothing
func (NopPublisher) Publish(context.Context, string, []byte) error { return nil }

// TrimStreams does nothing
func (NopPublisher) TrimStreams(context.Context) error { return nil }

// Close does nothing
func (NopPublisher) Close() error { return nil }

package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	OrderCreated       = "order.created"
	OrderUpdated       = "order.updated"
	OrderStatusChanged = "order.status_changed"
	OrderCancelled     = "order.cancelled"
	OrderHidden        = "order.hidden"
	OrderDeleted       = "order.deleted"

	FileUploaded = "file.uploaded"
	FileApproved = "file.approved"
	FileRejected = "file.rejected"
	FileDeleted  = "file.deleted"
)

// Event is a lifecycle notification about an order or one of its files.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	OrderID     int64     `json:"order_id"`
	OrderNumber string    `json:"order_number,omitempty"`
	FileID      int64     `json:"file_id,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

func New(eventType string, orderID int64) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		OrderID: orderID,
		At:      time.Now().UTC(),
	}
}

// IsFileEvent reports whether the event concerns an uploaded file.
func (e Event) IsFileEvent() bool {
	return strings.HasPrefix(e.Type, "file.")
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

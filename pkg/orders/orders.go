// Package orders turns a successful checkout into an order ticket and hands
// it to the kitchen through a Sink.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/teslashibe/pizzavoice/pkg/cart"
)

// Item is one priced line of an order.
type Item struct {
	ItemID         string   `json:"item_id" msgpack:"item_id"`
	Name           string   `json:"name" msgpack:"name"`
	Quantity       int      `json:"quantity" msgpack:"quantity"`
	Size           string   `json:"size" msgpack:"size"`
	Customizations []string `json:"customizations,omitempty" msgpack:"customizations,omitempty"`
	Price          float64  `json:"price" msgpack:"price"`
}

// Order is a checked-out cart.
type Order struct {
	ID          string    `json:"id" msgpack:"id"`
	SessionID   string    `json:"session_id" msgpack:"session_id"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	Items       []Item    `json:"items" msgpack:"items"`
	Subtotal    float64   `json:"subtotal" msgpack:"subtotal"`
	DeliveryFee float64   `json:"delivery_fee" msgpack:"delivery_fee"`
	Total       float64   `json:"total" msgpack:"total"`
	Delivery    bool      `json:"delivery" msgpack:"delivery"`
	Address     string    `json:"address,omitempty" msgpack:"address,omitempty"`
	Phone       string    `json:"phone,omitempty" msgpack:"phone,omitempty"`
}

// New builds an order with a fresh ULID from a checkout summary.
func New(sessionID string, sum cart.Summary) Order {
	now := time.Now().UTC()
	o := Order{
		ID:          ulid.Make().String(),
		SessionID:   sessionID,
		CreatedAt:   now,
		Items:       make([]Item, len(sum.Lines)),
		Subtotal:    sum.Subtotal,
		DeliveryFee: sum.DeliveryFee,
		Total:       sum.Total,
		Delivery:    sum.Delivery,
		Address:     sum.Address,
		Phone:       sum.Phone,
	}
	for i, l := range sum.Lines {
		o.Items[i] = Item{
			ItemID:         l.ItemID,
			Name:           l.Name,
			Quantity:       l.Quantity,
			Size:           l.Size,
			Customizations: l.Customizations,
			Price:          l.Price,
		}
	}
	return o
}

// Sink receives placed orders.
type Sink interface {
	Dispatch(ctx context.Context, o Order) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, o Order) error

// Dispatch implements Sink.
func (f SinkFunc) Dispatch(ctx context.Context, o Order) error { return f(ctx, o) }

// LogSink writes each order to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Dispatch implements Sink.
func (s LogSink) Dispatch(_ context.Context, o Order) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("order placed",
		"order_id", o.ID,
		"session_id", o.SessionID,
		"items", len(o.Items),
		"total", o.Total,
		"delivery", o.Delivery,
	)
	return nil
}

// Multi dispatches to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, o Order) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Dispatch(ctx, o); err != nil {
				errs = append(errs, fmt.Errorf("orders: dispatch %s: %w", o.ID, err))
			}
		}
		return errors.Join(errs...)
	})
}

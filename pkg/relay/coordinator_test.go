package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/pizzavoice/internal/log"
	"github.com/teslashibe/pizzavoice/pkg/catalog"
	"github.com/teslashibe/pizzavoice/pkg/orders"
	"github.com/teslashibe/pizzavoice/pkg/protocol"
	"github.com/teslashibe/pizzavoice/pkg/upstream"
)

type submission struct {
	callID, name, output string
}

type coordHarness struct {
	coord   *Coordinator
	emitted []protocol.Outbound
	sent    []submission
	placed  []orders.Order
}

func newCoordHarness(t *testing.T, sink orders.Sink) *coordHarness {
	t.Helper()
	h := &coordHarness{}
	h.coord = NewCoordinator(CoordinatorConfig{
		SessionID: "sess-1",
		Catalog:   catalog.MustDefault(),
		Timeout:   time.Minute,
		Sink:      sink,
		Logger:    log.Discard(),
		Emit:      func(m protocol.Outbound) { h.emitted = append(h.emitted, m) },
		Submit: func(callID, name, output string) error {
			h.sent = append(h.sent, submission{callID, name, output})
			return nil
		},
		Placed: func(o orders.Order) { h.placed = append(h.placed, o) },
	})
	return h
}

func result(id, name, body string) *protocol.Inbound {
	return &protocol.Inbound{
		Type:   protocol.TypeFunctionResult,
		ID:     id,
		Name:   name,
		Result: json.RawMessage(body),
	}
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestCoordinatorRoundTrip(t *testing.T) {
	h := newCoordHarness(t, nil)

	h.coord.HandleCall(upstream.FunctionCall{CallID: "call_1", Name: "add_to_cart", Arguments: `{"item":"pepperoni pizza"}`})

	require.Len(t, h.emitted, 1)
	fc, ok := h.emitted[0].(protocol.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "call_1", fc.ID)
	assert.Equal(t, "add_to_cart", fc.Name)
	assert.JSONEq(t, `{"item":"pepperoni pizza","quantity":1,"size":"Medium"}`, string(fc.Arguments))
	assert.Equal(t, 1, h.coord.Pending())
	assert.Empty(t, h.sent)

	// unknown id: no state change, nothing upstream
	h.coord.HandleResult(result("nope", "add_to_cart", `{"success":true}`))
	assert.Equal(t, 1, h.coord.Pending())
	assert.Empty(t, h.sent)

	h.coord.HandleResult(result("call_1", "add_to_cart", `{"success":true,"message":"added"}`))
	assert.Equal(t, 0, h.coord.Pending())
	require.Len(t, h.sent, 1)
	assert.Equal(t, "call_1", h.sent[0].callID)
	assert.Equal(t, "add_to_cart", h.sent[0].name)
	assert.JSONEq(t, `{"success":true,"message":"added"}`, h.sent[0].output)

	require.Equal(t, 1, h.coord.Cart().Len())
	assert.Equal(t, "p2", h.coord.Cart().Lines()[0].ItemID)

	// a second result for a consumed call is dropped
	h.coord.HandleResult(result("call_1", "add_to_cart", `{"success":true}`))
	assert.Len(t, h.sent, 1)
}

func TestCoordinatorOutOfOrderResults(t *testing.T) {
	h := newCoordHarness(t, nil)

	h.coord.HandleCall(upstream.FunctionCall{CallID: "A", Name: "add_to_cart", Arguments: `{"item":"Pepperoni"}`})
	h.coord.HandleCall(upstream.FunctionCall{CallID: "B", Name: "add_to_cart", Arguments: `{"item":"Soda","quantity":2}`})
	require.Equal(t, 2, h.coord.Pending())

	h.coord.HandleResult(result("B", "add_to_cart", `{"success":true,"for":"B"}`))
	h.coord.HandleResult(result("A", "add_to_cart", `{"success":true,"for":"A"}`))

	require.Len(t, h.sent, 2)
	assert.Equal(t, "B", h.sent[0].callID)
	assert.Equal(t, "B", decode(t, h.sent[0].output)["for"])
	assert.Equal(t, "A", h.sent[1].callID)
	assert.Equal(t, "A", decode(t, h.sent[1].output)["for"])
	assert.Equal(t, 2, h.coord.Cart().Len())
}

func TestCoordinatorMintsMissingCallID(t *testing.T) {
	h := newCoordHarness(t, nil)
	h.coord.newID = func() string { return "minted" }

	h.coord.HandleCall(upstream.FunctionCall{Name: "clear_cart"})

	require.Len(t, h.emitted, 1)
	assert.Equal(t, "minted", h.emitted[0].(protocol.FunctionCall).ID)

	h.coord.HandleResult(result("minted", "clear_cart", `{"success":true}`))
	require.Len(t, h.sent, 1)
	assert.Equal(t, "minted", h.sent[0].callID)
}

func TestCoordinatorInvalidCall(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args string
	}{
		{"missing item", "add_to_cart", `{"quantity":2}`},
		{"zero quantity", "add_to_cart", `{"item":"Soda","quantity":0}`},
		{"bad size", "add_to_cart", `{"item":"Soda","size":"Huge"}`},
		{"malformed json", "remove_from_cart", `{"item":`},
		{"unknown function", "order_pizza", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCoordHarness(t, nil)
			h.coord.HandleCall(upstream.FunctionCall{CallID: "c", Name: tt.fn, Arguments: tt.args})

			assert.Empty(t, h.emitted, "invalid calls never reach the browser")
			assert.Equal(t, 0, h.coord.Pending())
			require.Len(t, h.sent, 1)
			out := decode(t, h.sent[0].output)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestCoordinatorCatalogFailureReplacesResult(t *testing.T) {
	h := newCoordHarness(t, nil)

	h.coord.HandleCall(upstream.FunctionCall{CallID: "c1", Name: "add_to_cart", Arguments: `{"item":"Unicorn Pizza"}`})
	require.Len(t, h.emitted, 1)

	h.coord.HandleResult(result("c1", "add_to_cart", `{"success":true}`))

	require.Len(t, h.sent, 1)
	out := decode(t, h.sent[0].output)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "Unicorn Pizza")
	assert.Equal(t, 0, h.coord.Cart().Len())
}

func TestCoordinatorBrowserFailureSkipsMirror(t *testing.T) {
	h := newCoordHarness(t, nil)

	h.coord.HandleCall(upstream.FunctionCall{CallID: "c1", Name: "add_to_cart", Arguments: `{"item":"Soda"}`})
	h.coord.HandleResult(result("c1", "add_to_cart", `{"success":false,"error":"out of stock"}`))

	require.Len(t, h.sent, 1)
	assert.JSONEq(t, `{"success":false,"error":"out of stock"}`, h.sent[0].output)
	assert.Equal(t, 0, h.coord.Cart().Len())
}

func TestCoordinatorCheckout(t *testing.T) {
	var dispatched []orders.Order
	sink := orders.SinkFunc(func(_ context.Context, o orders.Order) error {
		dispatched = append(dispatched, o)
		return nil
	})
	h := newCoordHarness(t, sink)

	h.coord.HandleCall(upstream.FunctionCall{CallID: "a", Name: "add_to_cart", Arguments: `{"item":"Pepperoni","size":"Large","quantity":2,"customizations":["extra cheese"]}`})
	h.coord.HandleResult(result("a", "add_to_cart", `{"success":true}`))
	h.coord.HandleCall(upstream.FunctionCall{CallID: "b", Name: "checkout", Arguments: `{"delivery":false}`})
	h.coord.HandleResult(result("b", "checkout", `{"success":true,"message":"Order placed"}`))

	require.Len(t, dispatched, 1)
	order := dispatched[0]
	assert.Equal(t, "sess-1", order.SessionID)
	assert.Equal(t, 38.98, order.Total)
	assert.Equal(t, []orders.Order{order}, h.placed)

	require.Len(t, h.sent, 2)
	out := decode(t, h.sent[1].output)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Order placed", out["message"])
	assert.Equal(t, order.ID, out["order_id"])
	assert.Equal(t, 38.98, out["total"])

	assert.Equal(t, 0, h.coord.Cart().Len(), "cart cleared after checkout")
}

func TestCoordinatorCheckoutFailures(t *testing.T) {
	t.Run("empty cart", func(t *testing.T) {
		h := newCoordHarness(t, nil)
		h.coord.HandleCall(upstream.FunctionCall{CallID: "b", Name: "checkout", Arguments: `{"delivery":false}`})
		h.coord.HandleResult(result("b", "checkout", `{"success":true}`))

		require.Len(t, h.sent, 1)
		assert.Equal(t, false, decode(t, h.sent[0].output)["success"])
		assert.Empty(t, h.placed)
	})

	t.Run("sink error keeps cart", func(t *testing.T) {
		sink := orders.SinkFunc(func(context.Context, orders.Order) error { return errors.New("kitchen offline") })
		h := newCoordHarness(t, sink)
		h.coord.HandleCall(upstream.FunctionCall{CallID: "a", Name: "add_to_cart", Arguments: `{"item":"Soda"}`})
		h.coord.HandleResult(result("a", "add_to_cart", `{"success":true}`))
		h.coord.HandleCall(upstream.FunctionCall{CallID: "b", Name: "checkout", Arguments: `{"delivery":false}`})
		h.coord.HandleResult(result("b", "checkout", `{"success":true}`))

		require.Len(t, h.sent, 2)
		out := decode(t, h.sent[1].output)
		assert.Equal(t, false, out["success"])
		assert.Contains(t, out["error"], "kitchen offline")
		assert.Equal(t, 1, h.coord.Cart().Len())
		assert.Empty(t, h.placed)
	})
}

func TestCoordinatorMissingID(t *testing.T) {
	h := newCoordHarness(t, nil)
	h.coord.HandleCall(upstream.FunctionCall{CallID: "c1", Name: "clear_cart"})

	h.coord.HandleResult(result("", "clear_cart", `{"success":true}`))

	assert.Equal(t, 1, h.coord.Pending())
	assert.Empty(t, h.sent)
}

func TestCoordinatorSweep(t *testing.T) {
	h := newCoordHarness(t, nil)
	start := time.Now()
	h.coord.now = func() time.Time { return start }

	h.coord.HandleCall(upstream.FunctionCall{CallID: "old", Name: "clear_cart"})
	h.coord.now = func() time.Time { return start.Add(45 * time.Second) }
	h.coord.HandleCall(upstream.FunctionCall{CallID: "new", Name: "clear_cart"})

	assert.Equal(t, 0, h.coord.Sweep(start.Add(30*time.Second)))
	assert.Equal(t, 1, h.coord.Sweep(start.Add(61*time.Second)))
	assert.Equal(t, 1, h.coord.Pending())

	h.coord.HandleResult(result("old", "clear_cart", `{"success":true}`))
	assert.Empty(t, h.sent, "expired calls are no longer matched")
}

func TestWithOrder(t *testing.T) {
	o := orders.Order{ID: "01HX", Total: 12.5}

	assert.JSONEq(t, `{"success":true,"order_id":"01HX","total":12.5}`, string(withOrder(json.RawMessage(`{"success":true}`), o)))
	assert.JSONEq(t, `{"success":true,"result":"ok","order_id":"01HX","total":12.5}`, string(withOrder(json.RawMessage(`"ok"`), o)))
}

func TestCoordinatorReset(t *testing.T) {
	h := newCoordHarness(t, nil)
	h.coord.HandleCall(upstream.FunctionCall{CallID: "a", Name: "clear_cart"})
	h.coord.HandleCall(upstream.FunctionCall{CallID: "b", Name: "remove_from_cart", Arguments: `{"item":"Soda"}`})

	assert.Equal(t, 2, h.coord.Reset())
	assert.Equal(t, 0, h.coord.Pending())

	h.coord.HandleResult(result("a", "clear_cart", `{"success":true}`))
	assert.Empty(t, h.sent)
	assert.Equal(t, 0, h.coord.Reset())
}

// deferAsync queues dispatch completions so a test can interleave them.
func deferAsync(h *coordHarness) *[]func() {
	var queued []func()
	h.coord.async = func(work func() error, done func(error)) {
		queued = append(queued, func() { done(work()) })
	}
	return &queued
}

func TestCoordinatorCheckoutAcrossReset(t *testing.T) {
	tests := []struct {
		name      string
		sinkErr   error
		reset     bool
		submitErr error
		wantSent  int
		wantNote  bool
		wantCart  int
	}{
		{name: "placed", wantSent: 2, wantCart: 0},
		{name: "placed after reset", reset: true, wantSent: 1, wantNote: true, wantCart: 0},
		{name: "failed after reset", sinkErr: errors.New("kitchen offline"), reset: true, wantSent: 1, wantCart: 1},
		{name: "placed but submit fails", submitErr: upstream.ErrNotConnected, wantSent: 2, wantNote: true, wantCart: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := orders.SinkFunc(func(context.Context, orders.Order) error { return tt.sinkErr })
			h := newCoordHarness(t, sink)
			queued := deferAsync(h)

			h.coord.HandleCall(upstream.FunctionCall{CallID: "a", Name: "add_to_cart", Arguments: `{"item":"Soda"}`})
			h.coord.HandleResult(result("a", "add_to_cart", `{"success":true}`))
			h.coord.HandleCall(upstream.FunctionCall{CallID: "b", Name: "checkout", Arguments: `{"delivery":false}`})
			h.coord.HandleResult(result("b", "checkout", `{"success":true}`))

			require.Len(t, *queued, 1)
			require.Len(t, h.sent, 1, "checkout result waits for the sink")

			if tt.reset {
				h.coord.Reset()
			}
			if tt.submitErr != nil {
				h.coord.submit = func(callID, name, output string) error {
					h.sent = append(h.sent, submission{callID, name, output})
					return tt.submitErr
				}
			}
			(*queued)[0]()

			assert.Len(t, h.sent, tt.wantSent)
			assert.Equal(t, tt.wantCart, h.coord.Cart().Len())

			var notes int
			for _, m := range h.emitted {
				if e, ok := m.(protocol.Error); ok {
					assert.Contains(t, e.Error, "could not be told")
					notes++
				}
			}
			if tt.wantNote {
				assert.Equal(t, 1, notes)
			} else {
				assert.Zero(t, notes)
			}
		})
	}
}

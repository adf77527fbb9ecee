package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/pizzavoice/pkg/cart"
	"github.com/teslashibe/pizzavoice/pkg/catalog"
	"github.com/teslashibe/pizzavoice/pkg/orders"
	"github.com/teslashibe/pizzavoice/pkg/protocol"
	"github.com/teslashibe/pizzavoice/pkg/upstream"
)

const dispatchTimeout = 5 * time.Second

// PendingCall is a function call sent to the browser and not yet answered.
type PendingCall struct {
	// ID correlates the browser's function_result. It is the upstream
	// call_id, or a minted UUID when the upstream sent none.
	ID       string
	Name     string
	Call     cart.Call
	IssuedAt time.Time
}

// Coordinator bridges upstream function calls to the browser and the
// browser's results back upstream, keeping a server-side cart mirror.
// It is owned by one session loop and is not safe for concurrent use.
type Coordinator struct {
	sessionID string
	cart      *cart.Cart
	pending   map[string]*PendingCall
	timeout   time.Duration
	sink      orders.Sink
	logger    *slog.Logger
	stats     *Stats

	// emit sends a message to the browser.
	emit func(protocol.Outbound)
	// submit sends a result upstream. It fails with upstream.ErrNotConnected
	// when the session has no live upstream.
	submit func(callID, name, output string) error
	// placed is told about every order after the sink accepts it.
	placed func(orders.Order)
	// async runs work off the session loop and hands its error to done
	// back on the loop.
	async func(work func() error, done func(error))

	// epoch changes whenever the upstream conversation is replaced.
	epoch uint64

	now   func() time.Time
	newID func() string
}

// CoordinatorConfig wires a Coordinator to its session.
type CoordinatorConfig struct {
	SessionID string
	Catalog   *catalog.Catalog
	Timeout   time.Duration
	Sink      orders.Sink
	Logger    *slog.Logger
	Stats     *Stats

	Emit   func(protocol.Outbound)
	Submit func(callID, name, output string) error
	Placed func(orders.Order)

	// Async runs order dispatch. Nil runs it inline.
	Async func(work func() error, done func(error))
}

// NewCoordinator creates a coordinator with an empty cart.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = &Stats{}
	}
	if cfg.Emit == nil {
		cfg.Emit = func(protocol.Outbound) {}
	}
	if cfg.Submit == nil {
		cfg.Submit = func(string, string, string) error { return upstream.ErrNotConnected }
	}
	if cfg.Placed == nil {
		cfg.Placed = func(orders.Order) {}
	}
	if cfg.Async == nil {
		cfg.Async = func(work func() error, done func(error)) { done(work()) }
	}
	return &Coordinator{
		sessionID: cfg.SessionID,
		cart:      cart.New(cfg.Catalog),
		pending:   make(map[string]*PendingCall),
		timeout:   cfg.Timeout,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		stats:     cfg.Stats,
		emit:      cfg.Emit,
		submit:    cfg.Submit,
		placed:    cfg.Placed,
		async:     cfg.Async,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Cart exposes the server-side cart mirror.
func (c *Coordinator) Cart() *cart.Cart { return c.cart }

// Pending returns the number of outstanding calls.
func (c *Coordinator) Pending() int { return len(c.pending) }

// HandleCall validates an upstream function call. Invalid calls are answered
// upstream with a failure result and never reach the browser.
func (c *Coordinator) HandleCall(fc upstream.FunctionCall) {
	c.stats.FunctionCalls.Add(1)

	call, err := cart.ParseCall(c.cart.Catalog(), fc.Name, fc.Arguments)
	if err != nil {
		c.logger.Warn("rejected function call", "name", fc.Name, "call_id", fc.CallID, "error", err)
		c.stats.FunctionRejected.Add(1)
		_ = c.send(fc.CallID, fc.Name, cart.Failure(err))
		return
	}

	id := fc.CallID
	if id == "" {
		id = c.newID()
	}
	if _, dup := c.pending[id]; dup {
		c.logger.Warn("replacing pending call with duplicate id", "call_id", id)
	}
	c.pending[id] = &PendingCall{
		ID:       id,
		Name:     call.Name,
		Call:     call,
		IssuedAt: c.now(),
	}

	c.logger.Debug("function call", "name", call.Name, "call_id", id)
	c.emit(protocol.NewFunctionCall(id, call.Name, call.Arguments()))
}

// HandleResult consumes the browser's result for a pending call. Results
// with a missing or unknown id are dropped.
func (c *Coordinator) HandleResult(msg *protocol.Inbound) {
	if msg.ID == "" {
		c.logger.Warn("function_result without id dropped", "name", msg.Name)
		return
	}
	pc, ok := c.pending[msg.ID]
	if !ok {
		c.logger.Warn("function_result for unknown call dropped", "id", msg.ID, "name", msg.Name)
		return
	}
	delete(c.pending, msg.ID)
	c.stats.FunctionResults.Add(1)

	output := json.RawMessage(msg.Result)
	if len(output) == 0 {
		output = json.RawMessage(`{"success":true}`)
	}

	// A result the browser already reports as failed leaves the mirror alone.
	if !msg.ResultSuccess() {
		_ = c.send(pc.ID, pc.Name, output)
		return
	}

	out, err := c.cart.Apply(pc.Call)
	if err != nil {
		c.logger.Warn("cart mirror rejected call", "name", pc.Name, "call_id", pc.ID, "error", err)
		_ = c.send(pc.ID, pc.Name, cart.Failure(err))
		return
	}
	if out.Summary == nil {
		_ = c.send(pc.ID, pc.Name, output)
		return
	}
	c.checkout(pc, *out.Summary, output)
}

// checkout hands the order to the sink off the session loop. The result
// goes upstream once the sink answers, unless the conversation that asked
// for it has been replaced in the meantime.
func (c *Coordinator) checkout(pc *PendingCall, sum cart.Summary, output json.RawMessage) {
	order := orders.New(c.sessionID, sum)
	epoch := c.epoch
	sink, stats, placed := c.sink, c.stats, c.placed

	// work only touches values captured here; the rest runs in done.
	c.async(func() error {
		if sink != nil {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			if err := sink.Dispatch(ctx, order); err != nil {
				return err
			}
		}
		stats.OrdersPlaced.Add(1)
		placed(order)
		return nil
	}, func(err error) {
		stale := epoch != c.epoch
		if err != nil {
			c.logger.Error("order dispatch failed", "order_id", order.ID, "error", err)
			if !stale {
				_ = c.send(pc.ID, pc.Name, cart.Failure(err))
			}
			return
		}

		c.cart.Clear()
		if stale {
			c.orderNotTold(order, "upstream replaced during dispatch")
			return
		}
		if err := c.send(pc.ID, pc.Name, withOrder(output, order)); err != nil {
			c.orderNotTold(order, err.Error())
		}
	})
}

// orderNotTold tells the browser about a placed order the model never heard of.
func (c *Coordinator) orderNotTold(o orders.Order, reason string) {
	c.logger.Warn("order placed without confirming upstream", "order_id", o.ID, "reason", reason)
	c.emit(protocol.NewError(fmt.Sprintf("Order %s was placed (total %.2f) but the assistant could not be told", o.ID, o.Total)))
}

// withOrder merges order_id and total into the browser's result object.
func withOrder(output json.RawMessage, o orders.Order) json.RawMessage {
	fields := map[string]any{}
	if err := json.Unmarshal(output, &fields); err != nil || fields == nil {
		fields = map[string]any{"success": true, "result": output}
	}
	fields["order_id"] = o.ID
	fields["total"] = o.Total
	data, err := json.Marshal(fields)
	if err != nil {
		return output
	}
	return data
}

func (c *Coordinator) send(callID, name string, output json.RawMessage) error {
	err := c.submit(callID, name, string(output))
	if err != nil {
		c.logger.Warn("function result not delivered upstream", "call_id", callID, "name", name, "error", err)
	}
	return err
}

// Reset forgets every pending call because the upstream conversation that
// issued them is gone. It returns how many were dropped.
func (c *Coordinator) Reset() int {
	c.epoch++
	n := len(c.pending)
	for id, pc := range c.pending {
		delete(c.pending, id)
		c.logger.Debug("pending call dropped with its upstream", "call_id", id, "name", pc.Name)
	}
	return n
}

// Sweep drops pending calls older than the timeout and returns how many.
func (c *Coordinator) Sweep(now time.Time) int {
	if c.timeout <= 0 {
		return 0
	}
	n := 0
	for id, pc := range c.pending {
		if now.Sub(pc.IssuedAt) > c.timeout {
			delete(c.pending, id)
			n++
			c.logger.Warn("pending call expired", "call_id", id, "name", pc.Name)
		}
	}
	return n
}

// Package cart holds a session's order lines and the five cart operations
// the model can invoke, resolved and priced against the catalog.
package cart

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/teslashibe/pizzavoice/pkg/catalog"
)

// Line is one entry in the cart.
type Line struct {
	ItemID         string   `json:"item_id"`
	Name           string   `json:"name"`
	Quantity       int      `json:"quantity"`
	Size           string   `json:"size"`
	Customizations []string `json:"customizations,omitempty"`
	Price          float64  `json:"price"`
}

// Selection returns the pricing view of the line.
func (l Line) Selection() catalog.Selection {
	return catalog.Selection{
		ItemID:         l.ItemID,
		Size:           l.Size,
		Customizations: l.Customizations,
		Quantity:       l.Quantity,
	}
}

func (l Line) sameAs(o Line) bool {
	return l.ItemID == o.ItemID && l.Size == o.Size && slices.Equal(l.Customizations, o.Customizations)
}

// Summary is the priced outcome of a successful checkout.
type Summary struct {
	Lines       []Line  `json:"lines"`
	Subtotal    float64 `json:"subtotal"`
	DeliveryFee float64 `json:"delivery_fee"`
	Total       float64 `json:"total"`
	Delivery    bool    `json:"delivery"`
	Address     string  `json:"address,omitempty"`
	Phone       string  `json:"phone,omitempty"`
}

// Outcome describes what Apply did.
type Outcome struct {
	// Line is the added, modified or removed line.
	Line *Line
	// Summary is set for checkout.
	Summary *Summary
}

// Cart is not safe for concurrent use; each session's event loop owns one.
type Cart struct {
	catalog *catalog.Catalog
	lines   []Line
}

// New creates an empty cart priced against cat.
func New(cat *catalog.Catalog) *Cart {
	return &Cart{catalog: cat}
}

// Catalog returns the catalog the cart resolves against.
func (c *Cart) Catalog() *catalog.Catalog { return c.catalog }

// Lines returns a copy of the current lines.
func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	for i, l := range c.lines {
		l.Customizations = slices.Clone(l.Customizations)
		out[i] = l
	}
	return out
}

// Len returns the number of lines.
func (c *Cart) Len() int { return len(c.lines) }

// Subtotal is the sum of line prices.
func (c *Cart) Subtotal() float64 {
	var sum float64
	for _, l := range c.lines {
		sum += l.Price
	}
	return catalog.Round2(sum)
}

// Add resolves and appends a line, merging into an identical existing line.
func (c *Cart) Add(item string, quantity int, size string, customizations []string) (Line, error) {
	if quantity < 1 {
		return Line{}, invalidf("quantity must be at least 1")
	}
	line, err := c.build(item, quantity, size, customizations)
	if err != nil {
		return Line{}, err
	}

	for i := range c.lines {
		if c.lines[i].sameAs(line) {
			c.lines[i].Quantity += line.Quantity
			c.lines[i].Price = c.catalog.PriceOf(c.lines[i].Selection())
			return c.lines[i], nil
		}
	}
	c.lines = append(c.lines, line)
	return line, nil
}

// Modify changes the first line for item. Nil arguments are left unchanged.
// Nothing is mutated when any argument fails to resolve.
func (c *Cart) Modify(item string, quantity *int, size *string, customizations *[]string) (Line, error) {
	it, ok := c.catalog.ResolveItem(item)
	if !ok {
		return Line{}, fmt.Errorf("%w: %q", ErrUnknownItem, item)
	}
	idx := c.find(it.ID)
	if idx < 0 {
		return Line{}, fmt.Errorf("%w: %s", ErrNotInCart, it.Name)
	}

	line := c.lines[idx]
	line.Customizations = slices.Clone(line.Customizations)
	if quantity != nil {
		if *quantity < 1 {
			return Line{}, invalidf("quantity must be at least 1")
		}
		line.Quantity = *quantity
	}
	if size != nil {
		s, err := c.size(*size)
		if err != nil {
			return Line{}, err
		}
		line.Size = s
	}
	if customizations != nil {
		tops, err := c.toppings(*customizations)
		if err != nil {
			return Line{}, err
		}
		line.Customizations = tops
	}
	line.Price = c.catalog.PriceOf(line.Selection())

	c.lines[idx] = line
	return line, nil
}

// Remove drops the first line for item.
func (c *Cart) Remove(item string) (Line, error) {
	it, ok := c.catalog.ResolveItem(item)
	if !ok {
		return Line{}, fmt.Errorf("%w: %q", ErrUnknownItem, item)
	}
	idx := c.find(it.ID)
	if idx < 0 {
		return Line{}, fmt.Errorf("%w: %s", ErrNotInCart, it.Name)
	}
	line := c.lines[idx]
	c.lines = slices.Delete(c.lines, idx, idx+1)
	return line, nil
}

// Clear empties the cart.
func (c *Cart) Clear() {
	c.lines = nil
}

// Checkout prices the cart under the catalog's delivery terms. The cart is
// left untouched; callers clear it once the order has been handed off.
func (c *Cart) Checkout(delivery bool, address, phone string) (Summary, error) {
	if len(c.lines) == 0 {
		return Summary{}, ErrEmptyCart
	}
	sum := Summary{
		Lines:    c.Lines(),
		Subtotal: c.Subtotal(),
		Delivery: delivery,
		Address:  strings.TrimSpace(address),
		Phone:    strings.TrimSpace(phone),
	}
	if delivery {
		if sum.Address == "" || sum.Phone == "" {
			return Summary{}, ErrMissingDeliveryInfo
		}
		terms := c.catalog.Delivery
		if sum.Subtotal < terms.Minimum {
			return Summary{}, fmt.Errorf("%w: subtotal %.2f, minimum %.2f", ErrBelowMinimum, sum.Subtotal, terms.Minimum)
		}
		sum.DeliveryFee = terms.Fee
	}
	sum.Total = catalog.Round2(sum.Subtotal + sum.DeliveryFee)
	return sum, nil
}

// Apply executes a validated call against the cart.
func (c *Cart) Apply(call Call) (Outcome, error) {
	switch call.Name {
	case FuncAddToCart:
		qty, size := 1, c.catalog.DefaultSizeName()
		if call.Quantity != nil {
			qty = *call.Quantity
		}
		if call.Size != nil {
			size = *call.Size
		}
		var tops []string
		if call.Customizations != nil {
			tops = *call.Customizations
		}
		line, err := c.Add(call.Item, qty, size, tops)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Line: &line}, nil

	case FuncModifyCartItem:
		line, err := c.Modify(call.Item, call.Quantity, call.Size, call.Customizations)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Line: &line}, nil

	case FuncRemoveFromCart:
		line, err := c.Remove(call.Item)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Line: &line}, nil

	case FuncClearCart:
		c.Clear()
		return Outcome{}, nil

	case FuncCheckout:
		sum, err := c.Checkout(call.Delivery, call.Address, call.Phone)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Summary: &sum}, nil
	}
	return Outcome{}, ErrUnknownFunction
}

func (c *Cart) find(itemID string) int {
	return slices.IndexFunc(c.lines, func(l Line) bool { return l.ItemID == itemID })
}

func (c *Cart) build(item string, quantity int, size string, customizations []string) (Line, error) {
	it, ok := c.catalog.ResolveItem(item)
	if !ok {
		return Line{}, fmt.Errorf("%w: %q", ErrUnknownItem, item)
	}
	s, err := c.size(size)
	if err != nil {
		return Line{}, err
	}
	tops, err := c.toppings(customizations)
	if err != nil {
		return Line{}, err
	}
	line := Line{
		ItemID:         it.ID,
		Name:           it.Name,
		Quantity:       quantity,
		Size:           s,
		Customizations: tops,
	}
	line.Price = c.catalog.PriceOf(line.Selection())
	return line, nil
}

func (c *Cart) size(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return c.catalog.DefaultSizeName(), nil
	}
	s, ok := c.catalog.ResolveSize(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSize, name)
	}
	return s.Name, nil
}

// toppings returns canonical, deduplicated, sorted topping names.
func (c *Cart) toppings(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		t, ok := c.catalog.ResolveTopping(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTopping, n)
		}
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t.Name)
	}
	sort.Strings(out)
	return out, nil
}

// Failure is the result object reported to the model when a call fails.
func Failure(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   err.Error(),
	})
	return data
}

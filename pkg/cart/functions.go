package cart

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/teslashibe/pizzavoice/pkg/catalog"
)

// Function names the model may call.
const (
	FuncAddToCart      = "add_to_cart"
	FuncModifyCartItem = "modify_cart_item"
	FuncRemoveFromCart = "remove_from_cart"
	FuncClearCart      = "clear_cart"
	FuncCheckout       = "checkout"
)

// Function is a tool definition advertised to the model.
// Parameters is a complete JSON Schema object.
type Function struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Functions returns the five cart functions in a stable order. The size enum
// and default come from cat.
func Functions(cat *catalog.Catalog) []Function {
	sizes := cat.SizeNames()
	item := map[string]any{
		"type":        "string",
		"description": "Menu item name, e.g. Pepperoni, Garlic Bread, Soda",
	}
	size := map[string]any{
		"type":        "string",
		"enum":        sizes,
		"description": "Pizza size",
	}
	addSize := map[string]any{
		"type":        "string",
		"enum":        sizes,
		"default":     cat.DefaultSizeName(),
		"description": "Pizza size",
	}
	customizations := map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Extra toppings by name",
	}

	return []Function{
		{
			Name:        FuncAddToCart,
			Description: "Add an item to the customer's cart",
			Parameters: object(map[string]any{
				"item": item,
				"quantity": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"default": 1,
				},
				"size":           addSize,
				"customizations": customizations,
			}, "item"),
		},
		{
			Name:        FuncModifyCartItem,
			Description: "Change quantity, size or toppings of an item already in the cart",
			Parameters: object(map[string]any{
				"item":           item,
				"quantity":       map[string]any{"type": "integer", "minimum": 1},
				"size":           size,
				"customizations": customizations,
			}, "item"),
		},
		{
			Name:        FuncRemoveFromCart,
			Description: "Remove an item from the cart",
			Parameters:  object(map[string]any{"item": item}, "item"),
		},
		{
			Name:        FuncClearCart,
			Description: "Remove everything from the cart",
			Parameters:  object(map[string]any{}),
		},
		{
			Name:        FuncCheckout,
			Description: "Place the order. Delivery needs an address and phone number.",
			Parameters: object(map[string]any{
				"delivery": map[string]any{"type": "boolean", "default": true},
				"address":  map[string]any{"type": "string"},
				"phone":    map[string]any{"type": "string"},
			}),
		},
	}
}

func object(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Call is a validated cart function invocation.
// Optional fields of modify_cart_item are nil when the model omitted them.
type Call struct {
	Name string `json:"name"`

	Item           string    `json:"item,omitempty"`
	Quantity       *int      `json:"quantity,omitempty"`
	Size           *string   `json:"size,omitempty"`
	Customizations *[]string `json:"customizations,omitempty"`

	Delivery bool   `json:"delivery,omitempty"`
	Address  string `json:"address,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type rawArgs struct {
	Item           *string  `json:"item"`
	Quantity       *float64 `json:"quantity"`
	Size           *string  `json:"size"`
	Customizations []string `json:"customizations"`
	Delivery       *bool    `json:"delivery"`
	Address        string   `json:"address"`
	Phone          string   `json:"phone"`
}

// ParseCall validates a function name and its JSON-encoded arguments against
// the sizes cat offers. Defaults are filled in for add_to_cart (quantity 1,
// the catalog's default size) and checkout (delivery true).
func ParseCall(cat *catalog.Catalog, name, arguments string) (Call, error) {
	switch name {
	case FuncAddToCart, FuncModifyCartItem, FuncRemoveFromCart, FuncClearCart, FuncCheckout:
	default:
		return Call{}, ErrUnknownFunction
	}

	var raw rawArgs
	args := bytes.TrimSpace([]byte(arguments))
	if len(args) > 0 {
		if err := json.Unmarshal(args, &raw); err != nil {
			return Call{}, invalidf("malformed arguments: %v", err)
		}
	}

	call := Call{Name: name}

	switch name {
	case FuncClearCart:
		return call, nil
	case FuncCheckout:
		call.Delivery = true
		if raw.Delivery != nil {
			call.Delivery = *raw.Delivery
		}
		call.Address = strings.TrimSpace(raw.Address)
		call.Phone = strings.TrimSpace(raw.Phone)
		return call, nil
	}

	if raw.Item == nil || strings.TrimSpace(*raw.Item) == "" {
		return Call{}, invalidf("item is required")
	}
	call.Item = strings.TrimSpace(*raw.Item)

	if name == FuncRemoveFromCart {
		return call, nil
	}

	if raw.Quantity != nil {
		q := *raw.Quantity
		if q < 1 || q != math.Trunc(q) {
			return Call{}, invalidf("quantity must be a whole number of at least 1")
		}
		n := int(q)
		call.Quantity = &n
	}
	if raw.Size != nil {
		sz, ok := cat.ResolveSize(*raw.Size)
		if !ok {
			return Call{}, invalidf("size must be one of %s", strings.Join(cat.SizeNames(), ", "))
		}
		call.Size = &sz.Name
	}
	if raw.Customizations != nil {
		c := append([]string{}, raw.Customizations...)
		call.Customizations = &c
	}

	if name == FuncAddToCart {
		if call.Quantity == nil {
			one := 1
			call.Quantity = &one
		}
		if call.Size == nil {
			if def := cat.DefaultSizeName(); def != "" {
				call.Size = &def
			}
		}
	}
	return call, nil
}

// Arguments re-encodes the validated call arguments for the browser.
func (c Call) Arguments() json.RawMessage {
	out := map[string]any{}
	switch c.Name {
	case FuncClearCart:
	case FuncCheckout:
		out["delivery"] = c.Delivery
		if c.Address != "" {
			out["address"] = c.Address
		}
		if c.Phone != "" {
			out["phone"] = c.Phone
		}
	default:
		out["item"] = c.Item
		if c.Quantity != nil {
			out["quantity"] = *c.Quantity
		}
		if c.Size != nil {
			out["size"] = *c.Size
		}
		if c.Customizations != nil {
			out["customizations"] = *c.Customizations
		}
	}
	data, _ := json.Marshal(out)
	return data
}

package cart

import (
	"errors"
	"fmt"
)

// Sentinel errors for the cart package.
var (
	// ErrUnknownItem indicates the item name did not resolve against the catalog.
	ErrUnknownItem = errors.New("cart: unknown item")

	// ErrUnknownSize indicates the size is not one the catalog offers.
	ErrUnknownSize = errors.New("cart: unknown size")

	// ErrUnknownTopping indicates a customization is not a catalog topping.
	ErrUnknownTopping = errors.New("cart: unknown topping")

	// ErrNotInCart indicates a modify or remove named an item the cart lacks.
	ErrNotInCart = errors.New("cart: item not in cart")

	// ErrEmptyCart indicates checkout was attempted with nothing in the cart.
	ErrEmptyCart = errors.New("cart: cart is empty")

	// ErrInvalidArguments indicates malformed or out-of-range call arguments.
	ErrInvalidArguments = errors.New("cart: invalid arguments")

	// ErrUnknownFunction indicates a call named none of the cart functions.
	ErrUnknownFunction = errors.New("cart: unknown function")

	// ErrBelowMinimum indicates a delivery order under the delivery minimum.
	ErrBelowMinimum = errors.New("cart: below delivery minimum")

	// ErrMissingDeliveryInfo indicates a delivery order without address or phone.
	ErrMissingDeliveryInfo = errors.New("cart: delivery requires address and phone")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArguments, fmt.Sprintf(format, args...))
}

// IsCatalogError reports whether err came from resolving a name against the
// catalog, as opposed to malformed arguments or checkout policy.
func IsCatalogError(err error) bool {
	return errors.Is(err, ErrUnknownItem) ||
		errors.Is(err, ErrUnknownSize) ||
		errors.Is(err, ErrUnknownTopping) ||
		errors.Is(err, ErrNotInCart)
}

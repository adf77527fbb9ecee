// Package catalog is the read-only restaurant menu: items, sizes, toppings,
// deals, hours and delivery terms, plus the lookups the cart relies on.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed menu.yaml
var defaultMenu []byte

// Category names in lookup order.
const (
	CategoryPizzas   = "pizzas"
	CategorySides    = "sides"
	CategoryDrinks   = "drinks"
	CategoryDesserts = "desserts"
)

// Categories lists the menu sections in the order names are resolved.
var Categories = []string{CategoryPizzas, CategorySides, CategoryDrinks, CategoryDesserts}

// DefaultSize is the preferred size when a line does not name one.
const DefaultSize = "Medium"

// ErrInvalidCatalog is returned when a catalog document fails validation.
var ErrInvalidCatalog = errors.New("catalog: invalid catalog")

// Item is a single menu entry.
type Item struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Price       float64  `yaml:"price" json:"price"`
	Description string   `yaml:"description" json:"description"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Category    string   `yaml:"-" json:"category"`
}

// Topping is an extra with a flat surcharge.
type Topping struct {
	Name  string  `yaml:"name" json:"name"`
	Price float64 `yaml:"price" json:"price"`
}

// Size scales an item's base price.
type Size struct {
	Name   string  `yaml:"name" json:"name"`
	Factor float64 `yaml:"adjustment_factor" json:"adjustment_factor"`
}

// Deal is a bundled offer mentioned to customers.
type Deal struct {
	ID              string     `yaml:"id" json:"id"`
	Name            string     `yaml:"name" json:"name"`
	Description     string     `yaml:"description" json:"description"`
	Price           float64    `yaml:"price" json:"price"`
	Savings         string     `yaml:"savings" json:"savings"`
	TimeRestriction *TimeRange `yaml:"time_restriction" json:"time_restriction,omitempty"`
}

// TimeRange is a daily window in HH:MM.
type TimeRange struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// Hours are the opening hours for one weekday.
type Hours struct {
	Day   string `yaml:"day" json:"day"`
	Open  string `yaml:"open" json:"open"`
	Close string `yaml:"close" json:"close"`
}

// Delivery holds delivery terms.
type Delivery struct {
	Minimum       float64 `yaml:"minimum" json:"minimum"`
	Fee           float64 `yaml:"fee" json:"fee"`
	EstimatedTime string  `yaml:"estimated_time" json:"estimated_time"`
	RadiusMiles   float64 `yaml:"radius_miles" json:"radius_miles"`
}

// Menu groups items by category.
type Menu struct {
	Pizzas   []Item `yaml:"pizzas" json:"pizzas"`
	Sides    []Item `yaml:"sides" json:"sides"`
	Drinks   []Item `yaml:"drinks" json:"drinks"`
	Desserts []Item `yaml:"desserts" json:"desserts"`
}

// Customizations holds the options applied on top of items.
type Customizations struct {
	Crusts   []string  `yaml:"crusts" json:"crusts"`
	Toppings []Topping `yaml:"toppings" json:"toppings"`
	Sizes    []Size    `yaml:"sizes" json:"sizes"`
}

// Catalog is the parsed restaurant document plus lookup indexes.
// It is immutable after Parse and safe for concurrent use.
type Catalog struct {
	Name           string              `yaml:"name" json:"name"`
	Menu           Menu                `yaml:"menu" json:"menu"`
	Customizations Customizations      `yaml:"customizations" json:"customizations"`
	Deals          []Deal              `yaml:"deals" json:"deals"`
	Hours          []Hours             `yaml:"hours" json:"hours"`
	Delivery       Delivery            `yaml:"delivery" json:"delivery"`
	Aliases        map[string][]string `yaml:"aliases" json:"aliases"`

	byID     map[string]*Item
	byName   map[string]*Item
	byAlias  map[string]*Item
	byPhrase map[string]*Item
	toppings map[string]Topping
	sizes    map[string]Size
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultMenu)
}

// MustDefault is Default for package init and tests.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a YAML catalog from disk. An empty path loads the default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and indexes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) section(category string) []Item {
	switch category {
	case CategoryPizzas:
		return c.Menu.Pizzas
	case CategorySides:
		return c.Menu.Sides
	case CategoryDrinks:
		return c.Menu.Drinks
	case CategoryDesserts:
		return c.Menu.Desserts
	}
	return nil
}

func (c *Catalog) index() error {
	c.byID = make(map[string]*Item)
	c.byName = make(map[string]*Item)
	c.byAlias = make(map[string]*Item)
	c.byPhrase = make(map[string]*Item)
	c.toppings = make(map[string]Topping)
	c.sizes = make(map[string]Size)

	for _, cat := range Categories {
		items := c.section(cat)
		for i := range items {
			it := &items[i]
			it.Category = cat
			if it.ID == "" || it.Name == "" {
				return fmt.Errorf("%w: %s item missing id or name", ErrInvalidCatalog, cat)
			}
			if it.Price < 0 {
				return fmt.Errorf("%w: item %s has negative price", ErrInvalidCatalog, it.ID)
			}
			if _, dup := c.byID[it.ID]; dup {
				return fmt.Errorf("%w: duplicate item id %s", ErrInvalidCatalog, it.ID)
			}
			c.byID[it.ID] = it
			// First category wins on a name collision.
			if _, ok := c.byName[normalize(it.Name)]; !ok {
				c.byName[normalize(it.Name)] = it
			}
		}
	}
	if len(c.byID) == 0 {
		return fmt.Errorf("%w: menu is empty", ErrInvalidCatalog)
	}

	for _, t := range c.Customizations.Toppings {
		if t.Name == "" {
			return fmt.Errorf("%w: topping missing name", ErrInvalidCatalog)
		}
		c.toppings[normalize(t.Name)] = t
	}
	for _, s := range c.Customizations.Sizes {
		if s.Name == "" || s.Factor <= 0 {
			return fmt.Errorf("%w: size %q needs a positive adjustment factor", ErrInvalidCatalog, s.Name)
		}
		c.sizes[normalize(s.Name)] = s
	}

	keywords := make([]string, 0, len(c.Aliases))
	for k := range c.Aliases {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	for _, k := range keywords {
		entries := c.Aliases[k]
		if len(entries) == 0 {
			continue
		}
		it, ok := c.byID[entries[0]]
		if !ok {
			return fmt.Errorf("%w: alias %q points at unknown id %s", ErrInvalidCatalog, k, entries[0])
		}
		c.byAlias[normalize(k)] = it
		for _, phrase := range entries[1:] {
			if _, taken := c.byPhrase[normalize(phrase)]; !taken {
				c.byPhrase[normalize(phrase)] = it
			}
		}
	}
	return nil
}

// normalize lowercases and collapses whitespace.
func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Items returns every menu item in category order.
func (c *Catalog) Items() []Item {
	out := make([]Item, 0, len(c.byID))
	for _, cat := range Categories {
		out = append(out, c.section(cat)...)
	}
	return out
}

// Item looks up an item by id.
func (c *Catalog) Item(id string) (Item, bool) {
	it, ok := c.byID[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// ResolveItem finds an item by canonical name, then by alias keyword, then
// by any alternative phrasing listed under a keyword. Matching ignores case
// and surrounding whitespace.
func (c *Catalog) ResolveItem(nameOrAlias string) (Item, bool) {
	key := normalize(nameOrAlias)
	if key == "" {
		return Item{}, false
	}
	if it, ok := c.byName[key]; ok {
		return *it, true
	}
	if it, ok := c.byAlias[key]; ok {
		return *it, true
	}
	if it, ok := c.byPhrase[key]; ok {
		return *it, true
	}
	return Item{}, false
}

// ResolveSize finds a size by name, ignoring case.
func (c *Catalog) ResolveSize(name string) (Size, bool) {
	s, ok := c.sizes[normalize(name)]
	return s, ok
}

// ResolveTopping finds a topping by name, ignoring case.
func (c *Catalog) ResolveTopping(name string) (Topping, bool) {
	t, ok := c.toppings[normalize(name)]
	return t, ok
}

// SizeNames returns the configured size names in catalog order.
func (c *Catalog) SizeNames() []string {
	out := make([]string, len(c.Customizations.Sizes))
	for i, s := range c.Customizations.Sizes {
		out[i] = s.Name
	}
	return out
}

// DefaultSizeName is the size used when a line names none: Medium when the
// catalog offers it, otherwise the first configured size.
func (c *Catalog) DefaultSizeName() string {
	if s, ok := c.ResolveSize(DefaultSize); ok {
		return s.Name
	}
	if len(c.Customizations.Sizes) > 0 {
		return c.Customizations.Sizes[0].Name
	}
	return ""
}

// Selection is what PriceOf needs to know about a cart line.
type Selection struct {
	ItemID         string
	Size           string
	Customizations []string
	Quantity       int
}

// PriceOf returns (base × size factor + Σ topping surcharges) × quantity,
// rounded to cents. Unknown sizes price at factor 1.0 and unknown toppings
// add nothing; rejection of those happens when the line is built.
func (c *Catalog) PriceOf(sel Selection) float64 {
	it, ok := c.byID[sel.ItemID]
	if !ok {
		return 0
	}

	base := it.Price
	if sel.Size != "" {
		if s, ok := c.ResolveSize(sel.Size); ok {
			base *= s.Factor
		}
	}

	var extras float64
	for _, name := range sel.Customizations {
		if t, ok := c.ResolveTopping(name); ok {
			extras += t.Price
		}
	}

	qty := sel.Quantity
	if qty <= 0 {
		qty = 1
	}
	return Round2((base + extras) * float64(qty))
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

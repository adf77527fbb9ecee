package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "Pixel Pizzeria", c.Name)
	assert.Len(t, c.Items(), 17)
	assert.Equal(t, []string{"Small", "Medium", "Large", "X-Large"}, c.SizeNames())
	assert.Len(t, c.Hours, 7)
	assert.Equal(t, 15.00, c.Delivery.Minimum)
	assert.Equal(t, 3.99, c.Delivery.Fee)

	it, ok := c.Item("de2")
	require.True(t, ok)
	assert.Equal(t, "Cheesecake", it.Name)
	assert.Equal(t, CategoryDesserts, it.Category)
}

func TestResolveItemIgnoresCaseAndWhitespace(t *testing.T) {
	c := MustDefault()

	tests := []struct {
		query  string
		wantID string
	}{
		{"Margherita", "p1"},
		{"margherita", "p1"},
		{"  MARGHERITA  ", "p1"},
		{"bbq   chicken", "p6"},
		{"Garlic Bread", "s1"},
		{"iced tea", "d2"},
		// alias keywords
		{"wings", "s3"},
		{" Wings ", "s3"},
		{"VEGGIE", "p3"},
		{"brownie", "de1"},
		// alternative phrasings
		{"cheese pizza", "p1"},
		{"Coke", "d1"},
		{"chicken wings", "s3"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			it, ok := c.ResolveItem(tt.query)
			require.True(t, ok, "expected %q to resolve", tt.query)
			assert.Equal(t, tt.wantID, it.ID)
		})
	}
}

func TestResolveItemNameBeatsAlias(t *testing.T) {
	c := MustDefault()

	// "Pepperoni" is both a pizza name and a topping; the menu item wins.
	it, ok := c.ResolveItem("pepperoni")
	require.True(t, ok)
	assert.Equal(t, "p2", it.ID)
}

func TestResolveItemNotFound(t *testing.T) {
	c := MustDefault()

	for _, q := range []string{"", "   ", "calzone", "sushi"} {
		_, ok := c.ResolveItem(q)
		assert.False(t, ok, "did not expect %q to resolve", q)
	}
}

func TestResolveSizeAndTopping(t *testing.T) {
	c := MustDefault()

	s, ok := c.ResolveSize("x-large")
	require.True(t, ok)
	assert.Equal(t, 1.4, s.Factor)

	_, ok = c.ResolveSize("Jumbo")
	assert.False(t, ok)

	tp, ok := c.ResolveTopping(" extra cheese ")
	require.True(t, ok)
	assert.Equal(t, "Extra Cheese", tp.Name)

	_, ok = c.ResolveTopping("anchovies")
	assert.False(t, ok)
}

func TestPriceOf(t *testing.T) {
	c := MustDefault()

	tests := []struct {
		name string
		sel  Selection
		want float64
	}{
		{
			// 14.99*1.2 = 17.988; +1.50 = 19.488; *2 = 38.976
			name: "large pepperoni with a topping, two of them",
			sel:  Selection{ItemID: "p2", Size: "Large", Customizations: []string{"Extra Cheese"}, Quantity: 2},
			want: 38.98,
		},
		{
			name: "unknown size behaves as factor 1.0",
			sel:  Selection{ItemID: "p2", Size: "Gigantic", Quantity: 1},
			want: 14.99,
		},
		{
			name: "empty size behaves as factor 1.0",
			sel:  Selection{ItemID: "p1", Quantity: 1},
			want: 12.99,
		},
		{
			name: "unknown topping adds nothing",
			sel:  Selection{ItemID: "p1", Size: "Medium", Customizations: []string{"Anchovies", "Olives"}, Quantity: 1},
			want: 13.99,
		},
		{
			name: "small factor",
			sel:  Selection{ItemID: "p1", Size: "small", Quantity: 3},
			want: 31.18, // 12.99*0.8 = 10.392 * 3 = 31.176
		},
		{
			name: "zero quantity counts as one",
			sel:  Selection{ItemID: "d1", Quantity: 0},
			want: 2.49,
		},
		{
			name: "unknown item prices at zero",
			sel:  Selection{ItemID: "zz", Quantity: 4},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.PriceOf(tt.sel), 1e-9)
		})
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty menu", "name: X\nmenu: {}\n"},
		{"duplicate id", "menu:\n  pizzas:\n    - {id: a, name: A, price: 1}\n  sides:\n    - {id: a, name: B, price: 1}\n"},
		{"bad alias", "menu:\n  pizzas:\n    - {id: a, name: A, price: 1}\naliases:\n  foo: [zz]\n"},
		{"bad size", "menu:\n  pizzas:\n    - {id: a, name: A, price: 1}\ncustomizations:\n  sizes:\n    - {name: S, adjustment_factor: 0}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCatalog))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	doc := "name: Tiny\nmenu:\n  pizzas:\n    - {id: t1, name: Tiny Pie, price: 5}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Tiny", c.Name)

	it, ok := c.ResolveItem("tiny pie")
	require.True(t, ok)
	assert.Equal(t, "t1", it.ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

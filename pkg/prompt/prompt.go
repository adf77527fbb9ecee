// Package prompt renders the model's system instructions from the catalog,
// in English or Urdu.
package prompt

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/teslashibe/pizzavoice/pkg/catalog"
)

// Language is a supported conversation language.
type Language string

const (
	English Language = "en"
	Urdu    Language = "ur"
)

// DefaultLanguage is used when none is configured or requested.
const DefaultLanguage = English

// ParseLanguage accepts "en" or "ur", ignoring case and whitespace.
func ParseLanguage(s string) (Language, bool) {
	switch Language(strings.ToLower(strings.TrimSpace(s))) {
	case English:
		return English, true
	case Urdu:
		return Urdu, true
	}
	return "", false
}

// Voice returns the upstream voice for the language.
func (l Language) Voice() string {
	if l == Urdu {
		return "alloy"
	}
	return "nova"
}

// Locale returns the transcription language code.
func (l Language) Locale() string {
	if l == Urdu {
		return "ur"
	}
	return "en"
}

func (l Language) String() string { return string(l) }

//go:embed *.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"price": func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"join":  strings.Join,
}).ParseFS(templateFS, "*.tmpl"))

const (
	fallbackEnglish = "You are a helpful assistant for a pizza restaurant."
	fallbackUrdu    = "آپ ایک پیزا ریستوراں کے لیے ایک مددگار اسسٹنٹ ہیں۔"
)

var sectionTitles = map[Language]map[string]string{
	English: {
		catalog.CategoryPizzas:   "PIZZAS",
		catalog.CategorySides:    "SIDES",
		catalog.CategoryDrinks:   "DRINKS",
		catalog.CategoryDesserts: "DESSERTS",
	},
	Urdu: {
		catalog.CategoryPizzas:   "پیزا",
		catalog.CategorySides:    "سائیڈز",
		catalog.CategoryDrinks:   "مشروبات",
		catalog.CategoryDesserts: "میٹھے",
	},
}

type section struct {
	Title string
	Items []catalog.Item
}

type view struct {
	Name     string
	Sections []section
	Crusts   []string
	Sizes    []string
	Toppings []string
	Deals    []catalog.Deal
	Hours    []catalog.Hours
	Delivery catalog.Delivery
}

// Instructions renders the system prompt for lang. A nil or unnamed catalog
// yields a short generic instruction.
func Instructions(cat *catalog.Catalog, lang Language) (string, error) {
	if lang != Urdu {
		lang = English
	}
	if cat == nil || cat.Name == "" {
		if lang == Urdu {
			return fallbackUrdu, nil
		}
		return fallbackEnglish, nil
	}

	v := view{
		Name:     cat.Name,
		Crusts:   cat.Customizations.Crusts,
		Sizes:    cat.SizeNames(),
		Deals:    cat.Deals,
		Hours:    cat.Hours,
		Delivery: cat.Delivery,
	}
	for _, t := range cat.Customizations.Toppings {
		v.Toppings = append(v.Toppings, t.Name)
	}

	byCategory := make(map[string][]catalog.Item)
	for _, it := range cat.Items() {
		byCategory[it.Category] = append(byCategory[it.Category], it)
	}
	for _, c := range catalog.Categories {
		if len(byCategory[c]) == 0 {
			continue
		}
		v.Sections = append(v.Sections, section{Title: sectionTitles[lang][c], Items: byCategory[c]})
	}

	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, string(lang)+".tmpl", v); err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", lang, err)
	}
	return strings.TrimSpace(b.String()), nil
}

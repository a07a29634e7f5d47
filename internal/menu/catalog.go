// Package menu holds the authoritative item prices used to total a cart.
package menu

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownItem     = errors.New("unknown menu item")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrEmptySelection  = errors.New("no items selected")
)

type Item struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

type Catalog struct {
	Currency    string
	TaxRate     decimal.Decimal
	DeliveryFee decimal.Decimal
	items       map[string]Item
}

type fileItem struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Price string `yaml:"price"`
}

type file struct {
	Currency    string     `yaml:"currency"`
	TaxRate     string     `yaml:"tax_rate"`
	DeliveryFee string     `yaml:"delivery_fee"`
	Items       []fileItem `yaml:"items"`
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		Currency: strings.ToUpper(f.Currency),
		items:    make(map[string]Item, len(f.Items)),
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}

	var err error
	if c.TaxRate, err = parseAmount(f.TaxRate); err != nil {
		return nil, fmt.Errorf("tax_rate: %w", err)
	}
	if c.DeliveryFee, err = parseAmount(f.DeliveryFee); err != nil {
		return nil, fmt.Errorf("delivery_fee: %w", err)
	}

	for _, fi := range f.Items {
		if fi.ID == "" {
			return nil, errors.New("catalog item without id")
		}
		price, err := decimal.NewFromString(fi.Price)
		if err != nil {
			return nil, fmt.Errorf("item %s price: %w", fi.ID, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("item %s price is negative", fi.ID)
		}
		c.items[fi.ID] = Item{ID: fi.ID, Name: fi.Name, Price: price}
	}
	return c, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func (c *Catalog) Item(id string) (Item, bool) {
	it, ok := c.items[id]
	return it, ok
}

type Selection struct {
	ItemID   string
	Quantity int
}

type Line struct {
	Item     Item
	Quantity int
	Amount   decimal.Decimal
}

type Quote struct {
	Lines       []Line
	Subtotal    decimal.Decimal
	Tax         decimal.Decimal
	DeliveryFee decimal.Decimal
	Total       decimal.Decimal
	Currency    string
}

// Minor returns d in the currency's minor unit (cents).
func Minor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func (q Quote) TotalMinor() int64 {
	return Minor(q.Total)
}

// Quote prices a selection from catalog prices only.
func (c *Catalog) Quote(sel []Selection, delivery bool) (Quote, error) {
	if len(sel) == 0 {
		return Quote{}, ErrEmptySelection
	}

	q := Quote{Currency: c.Currency, Subtotal: decimal.Zero}
	for _, s := range sel {
		if s.Quantity <= 0 {
			return Quote{}, fmt.Errorf("%s: %w", s.ItemID, ErrInvalidQuantity)
		}
		it, ok := c.items[s.ItemID]
		if !ok {
			return Quote{}, fmt.Errorf("%s: %w", s.ItemID, ErrUnknownItem)
		}
		amount := it.Price.Mul(decimal.NewFromInt(int64(s.Quantity)))
		q.Lines = append(q.Lines, Line{Item: it, Quantity: s.Quantity, Amount: amount})
		q.Subtotal = q.Subtotal.Add(amount)
	}

	q.Tax = q.Subtotal.Mul(c.TaxRate).Round(2)
	if delivery {
		q.DeliveryFee = c.DeliveryFee
	}
	q.Total = q.Subtotal.Add(q.Tax).Add(q.DeliveryFee)
	return q, nil
}

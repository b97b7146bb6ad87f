package pricing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"tabesh/internal/models"
	"tabesh/internal/utils"
)

var ErrUnknownOption = fmt.Errorf("%w: unknown print option", utils.ErrValidation)

type PagePrice struct {
	BW    float64 `json:"bw"`
	Color float64 `json:"color"`
}

type QuantityTier struct {
	MinQuantity int     `json:"min_quantity"`
	Percent     float64 `json:"percent"`
}

// Matrix holds every price the calculator needs. Page prices are keyed by
// paper type, then paper weight.
type Matrix struct {
	PagePrices         map[string]map[string]PagePrice `json:"page_prices"`
	SizeMultipliers    map[string]float64              `json:"size_multipliers"`
	Bindings           map[string]float64              `json:"bindings"`
	Covers             map[string]float64              `json:"covers"`
	DefaultCoverWeight string                          `json:"default_cover_weight"`
	Laminations        map[string]float64              `json:"laminations"`
	Extras             map[string]float64              `json:"extras"`
	QuantityDiscounts  []QuantityTier                  `json:"quantity_discounts"`
	MarginPercent      float64                         `json:"margin_percent"`
}

type Breakdown struct {
	PagesPerCopy      float64 `json:"pages_per_copy"`
	CoverPerCopy      float64 `json:"cover_per_copy"`
	BindingPerCopy    float64 `json:"binding_per_copy"`
	LaminationPerCopy float64 `json:"lamination_per_copy"`
	ExtrasPerCopy     float64 `json:"extras_per_copy"`
	PerCopy           float64 `json:"per_copy"`
	Quantity          int     `json:"quantity"`
	PageCountTotal    int     `json:"page_count_total"`
	Subtotal          float64 `json:"subtotal"`
	DiscountPercent   float64 `json:"discount_percent"`
	Discount          float64 `json:"discount"`
	Margin            float64 `json:"margin"`
	Total             float64 `json:"total"`
}

func DefaultMatrix() Matrix {
	return Matrix{
		PagePrices: map[string]map[string]PagePrice{
			"offset": {
				"70": {BW: 150, Color: 900},
				"80": {BW: 170, Color: 950},
			},
			"bulk": {
				"60": {BW: 140, Color: 850},
				"70": {BW: 160, Color: 900},
			},
			"glossy": {
				"100": {BW: 300, Color: 1200},
				"135": {BW: 380, Color: 1400},
			},
		},
		SizeMultipliers: map[string]float64{
			"pocket": 0.8,
			"a5":     1.0,
			"b5":     1.2,
			"a4":     1.8,
		},
		Bindings: map[string]float64{
			"staple":    5000,
			"softcover": 15000,
			"spiral":    20000,
			"hardcover": 60000,
		},
		Covers: map[string]float64{
			"250": 8000,
			"300": 10000,
		},
		DefaultCoverWeight: "250",
		Laminations: map[string]float64{
			"none":   0,
			"glossy": 3500,
			"matte":  4000,
		},
		Extras: map[string]float64{
			"flap":        5000,
			"uv_spot":     6000,
			"embossing":   9000,
			"shrink_wrap": 1500,
		},
		QuantityDiscounts: []QuantityTier{
			{MinQuantity: 100, Percent: 5},
			{MinQuantity: 500, Percent: 10},
			{MinQuantity: 1000, Percent: 15},
		},
	}
}

func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func unknown(kind, value string) error {
	return fmt.Errorf("%w: %s %q", ErrUnknownOption, kind, value)
}

// Calculate prices one order spec against the matrix.
func Calculate(m Matrix, spec models.OrderSpec) (*Breakdown, error) {
	if spec.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", utils.ErrValidation)
	}
	if spec.PageCountBW < 0 || spec.PageCountColor < 0 || spec.PageCountTotal() == 0 {
		return nil, fmt.Errorf("%w: page counts must be non-negative and not both zero", utils.ErrValidation)
	}
	switch key(spec.PrintType) {
	case "bw":
		if spec.PageCountColor > 0 {
			return nil, fmt.Errorf("%w: black and white print cannot have color pages", utils.ErrValidation)
		}
	case "color":
		if spec.PageCountBW > 0 {
			return nil, fmt.Errorf("%w: color print cannot have black and white pages", utils.ErrValidation)
		}
	case "combined":
		if spec.PageCountBW == 0 || spec.PageCountColor == 0 {
			return nil, fmt.Errorf("%w: combined print needs both black and white and color pages", utils.ErrValidation)
		}
	default:
		return nil, unknown("print type", spec.PrintType)
	}

	weights, ok := m.PagePrices[key(spec.PaperType)]
	if !ok {
		return nil, unknown("paper type", spec.PaperType)
	}
	page, ok := weights[key(spec.PaperWeight)]
	if !ok {
		return nil, unknown("paper weight", spec.PaperWeight)
	}
	mult, ok := m.SizeMultipliers[key(spec.BookSize)]
	if !ok {
		return nil, unknown("book size", spec.BookSize)
	}
	binding, ok := m.Bindings[key(spec.BindingType)]
	if !ok {
		return nil, unknown("binding type", spec.BindingType)
	}

	coverWeight := key(spec.CoverPaperWeight)
	if coverWeight == "" {
		coverWeight = m.DefaultCoverWeight
	}
	cover, ok := m.Covers[coverWeight]
	if !ok {
		return nil, unknown("cover paper weight", spec.CoverPaperWeight)
	}

	var lamination float64
	if l := key(spec.LaminationType); l != "" {
		lamination, ok = m.Laminations[l]
		if !ok {
			return nil, unknown("lamination type", spec.LaminationType)
		}
	}

	var extras float64
	for _, e := range spec.Extras {
		price, ok := m.Extras[key(e)]
		if !ok {
			return nil, unknown("extra", e)
		}
		extras += price
	}

	b := &Breakdown{
		PagesPerCopy:      (float64(spec.PageCountBW)*page.BW + float64(spec.PageCountColor)*page.Color) * mult,
		CoverPerCopy:      cover * mult,
		BindingPerCopy:    binding,
		LaminationPerCopy: lamination * mult,
		ExtrasPerCopy:     extras,
		Quantity:          spec.Quantity,
		PageCountTotal:    spec.PageCountTotal(),
	}
	b.PerCopy = b.PagesPerCopy + b.CoverPerCopy + b.BindingPerCopy + b.LaminationPerCopy + b.ExtrasPerCopy
	b.Subtotal = b.PerCopy * float64(spec.Quantity)
	b.DiscountPercent = discountFor(m.QuantityDiscounts, spec.Quantity)
	b.Discount = math.Round(b.Subtotal * b.DiscountPercent / 100)
	afterDiscount := b.Subtotal - b.Discount
	b.Margin = math.Round(afterDiscount * m.MarginPercent / 100)
	b.Total = math.Round(afterDiscount + b.Margin)
	return b, nil
}

// discountFor picks the highest tier whose minimum the quantity reaches.
func discountFor(tiers []QuantityTier, qty int) float64 {
	sorted := append([]QuantityTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinQuantity < sorted[j].MinQuantity })
	var pct float64
	for _, t := range sorted {
		if qty >= t.MinQuantity {
			pct = t.Percent
		}
	}
	return pct
}

// SettingsReader is the part of the settings store the engine reads.
type SettingsReader interface {
	GetInto(ctx context.Context, name string, v interface{}) (bool, error)
}

// Engine prices orders with the matrix stored under the pricing_matrix
// setting, falling back to DefaultMatrix.
type Engine struct {
	settings SettingsReader
	name     string
}

func NewEngine(settings SettingsReader, settingName string) *Engine {
	return &Engine{settings: settings, name: settingName}
}

func (e *Engine) Matrix(ctx context.Context) (Matrix, error) {
	m := DefaultMatrix()
	if e.settings == nil {
		return m, nil
	}
	var stored Matrix
	found, err := e.settings.GetInto(ctx, e.name, &stored)
	if err != nil {
		return m, fmt.Errorf("load pricing matrix: %w", err)
	}
	if !found {
		return m, nil
	}
	if err := stored.Validate(); err != nil {
		return m, fmt.Errorf("stored pricing matrix: %w", err)
	}
	return stored.Normalized()
}

func (e *Engine) Quote(ctx context.Context, spec models.OrderSpec) (*Breakdown, error) {
	m, err := e.Matrix(ctx)
	if err != nil {
		return nil, err
	}
	return Calculate(m, spec)
}

// Validate rejects a matrix missing a whole price table or holding
// negative prices.
func (m Matrix) Validate() error {
	m, err := m.Normalized()
	if err != nil {
		return err
	}
	switch {
	case len(m.PagePrices) == 0:
		return fmt.Errorf("%w: page_prices is empty", utils.ErrValidation)
	case len(m.SizeMultipliers) == 0:
		return fmt.Errorf("%w: size_multipliers is empty", utils.ErrValidation)
	case len(m.Bindings) == 0:
		return fmt.Errorf("%w: bindings is empty", utils.ErrValidation)
	case len(m.Covers) == 0:
		return fmt.Errorf("%w: covers is empty", utils.ErrValidation)
	}
	if _, ok := m.Covers[m.DefaultCoverWeight]; !ok {
		return fmt.Errorf("%w: default_cover_weight %q has no price", utils.ErrValidation, m.DefaultCoverWeight)
	}
	for paper, weights := range m.PagePrices {
		for w, p := range weights {
			if p.BW < 0 || p.Color < 0 {
				return fmt.Errorf("%w: negative page price for %s/%s", utils.ErrValidation, paper, w)
			}
		}
	}
	for _, table := range []map[string]float64{m.SizeMultipliers, m.Bindings, m.Covers, m.Laminations, m.Extras} {
		for k, v := range table {
			if v < 0 {
				return fmt.Errorf("%w: negative price for %s", utils.ErrValidation, k)
			}
		}
	}
	for i, t := range m.QuantityDiscounts {
		if t.MinQuantity < 1 {
			return fmt.Errorf("%w: quantity_discounts[%d] min_quantity must be at least 1", utils.ErrValidation, i)
		}
		if t.Percent < 0 || t.Percent > 100 {
			return fmt.Errorf("%w: quantity_discounts[%d] percent must be between 0 and 100", utils.ErrValidation, i)
		}
	}
	if m.MarginPercent < 0 {
		return fmt.Errorf("%w: margin_percent must not be negative", utils.ErrValidation)
	}
	return nil
}

// Normalized returns a copy of m keyed the way Calculate looks options up.
// Two keys that only differ in case or spacing are an error.
func (m Matrix) Normalized() (Matrix, error) {
	out := m
	out.DefaultCoverWeight = key(m.DefaultCoverWeight)

	out.PagePrices = make(map[string]map[string]PagePrice, len(m.PagePrices))
	for paper, weights := range m.PagePrices {
		pk := key(paper)
		if _, dup := out.PagePrices[pk]; dup {
			return Matrix{}, duplicateKey("page_prices", paper)
		}
		norm := make(map[string]PagePrice, len(weights))
		for w, p := range weights {
			wk := key(w)
			if _, dup := norm[wk]; dup {
				return Matrix{}, duplicateKey("page_prices."+pk, w)
			}
			norm[wk] = p
		}
		out.PagePrices[pk] = norm
	}

	var err error
	if out.SizeMultipliers, err = normalizeTable("size_multipliers", m.SizeMultipliers); err != nil {
		return Matrix{}, err
	}
	if out.Bindings, err = normalizeTable("bindings", m.Bindings); err != nil {
		return Matrix{}, err
	}
	if out.Covers, err = normalizeTable("covers", m.Covers); err != nil {
		return Matrix{}, err
	}
	if out.Laminations, err = normalizeTable("laminations", m.Laminations); err != nil {
		return Matrix{}, err
	}
	if out.Extras, err = normalizeTable("extras", m.Extras); err != nil {
		return Matrix{}, err
	}
	return out, nil
}

func normalizeTable(name string, table map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(table))
	for k, v := range table {
		nk := key(k)
		if _, dup := out[nk]; dup {
			return nil, duplicateKey(name, k)
		}
		out[nk] = v
	}
	return out, nil
}

func duplicateKey(table, k string) error {
	return fmt.Errorf("%w: %s has %q more than once when case is ignored", utils.ErrValidation, table, k)
}

package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabesh/internal/models"
	"tabesh/internal/utils"
)

func baseSpec() models.OrderSpec {
	return models.OrderSpec{
		BookSize:       "A5",
		PaperType:      "offset",
		PaperWeight:    "70",
		PrintType:      "bw",
		PageCountBW:    100,
		Quantity:       10,
		BindingType:    "softcover",
		LaminationType: "matte",
	}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*models.OrderSpec)
		wantTotal float64
		wantPct   float64
	}{
		{"basic bw", func(s *models.OrderSpec) {}, 420000, 0},
		{"quantity tier", func(s *models.OrderSpec) { s.Quantity = 100 }, 3990000, 5},
		{"highest tier wins", func(s *models.OrderSpec) { s.Quantity = 1200 }, 42840000, 15},
		{"combined a4 with extras", func(s *models.OrderSpec) {
			s.BookSize = "a4"
			s.PaperWeight = "80"
			s.PrintType = "combined"
			s.PageCountBW = 50
			s.PageCountColor = 10
			s.Quantity = 1
			s.BindingType = "hardcover"
			s.CoverPaperWeight = "300"
			s.LaminationType = "none"
			s.Extras = []string{"flap", "shrink_wrap"}
		}, 116900, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := baseSpec()
			tt.mutate(&spec)
			b, err := Calculate(DefaultMatrix(), spec)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantTotal, b.Total, 0.001)
			assert.Equal(t, tt.wantPct, b.DiscountPercent)
			assert.Equal(t, spec.PageCountTotal(), b.PageCountTotal)
		})
	}
}

func TestCalculateMargin(t *testing.T) {
	m := DefaultMatrix()
	m.MarginPercent = 10
	b, err := Calculate(m, baseSpec())
	require.NoError(t, err)
	assert.Equal(t, float64(42000), b.Margin)
	assert.Equal(t, float64(462000), b.Total)
}

func TestCalculateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.OrderSpec)
		want   string
	}{
		{"unknown paper", func(s *models.OrderSpec) { s.PaperType = "papyrus" }, "paper type"},
		{"unknown weight", func(s *models.OrderSpec) { s.PaperWeight = "999" }, "paper weight"},
		{"unknown size", func(s *models.OrderSpec) { s.BookSize = "a0" }, "book size"},
		{"unknown binding", func(s *models.OrderSpec) { s.BindingType = "glue" }, "binding type"},
		{"unknown extra", func(s *models.OrderSpec) { s.Extras = []string{"gold_leaf"} }, "extra"},
		{"unknown print type", func(s *models.OrderSpec) { s.PrintType = "sepia" }, "print type"},
		{"color pages on bw", func(s *models.OrderSpec) { s.PageCountColor = 4 }, "color pages"},
		{"combined without color", func(s *models.OrderSpec) { s.PrintType = "combined" }, "combined"},
		{"no pages", func(s *models.OrderSpec) { s.PageCountBW = 0 }, "page counts"},
		{"zero quantity", func(s *models.OrderSpec) { s.Quantity = 0 }, "quantity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := baseSpec()
			tt.mutate(&spec)
			_, err := Calculate(DefaultMatrix(), spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

type stubSettings struct {
	raw string
	err error
}

func (s stubSettings) GetInto(_ context.Context, _ string, v interface{}) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.raw == "" {
		return false, nil
	}
	return true, json.Unmarshal([]byte(s.raw), v)
}

func TestEngineUsesStoredMatrix(t *testing.T) {
	custom := DefaultMatrix()
	custom.Bindings["softcover"] = 0
	custom.Laminations["matte"] = 0
	raw, err := json.Marshal(custom)
	require.NoError(t, err)

	e := NewEngine(stubSettings{raw: string(raw)}, "pricing_matrix")
	b, err := e.Quote(context.Background(), baseSpec())
	require.NoError(t, err)
	assert.Equal(t, float64(230000), b.Total)
}

func TestEngineFallsBackToDefault(t *testing.T) {
	e := NewEngine(stubSettings{}, "pricing_matrix")
	b, err := e.Quote(context.Background(), baseSpec())
	require.NoError(t, err)
	assert.Equal(t, float64(420000), b.Total)

	e = NewEngine(stubSettings{err: errors.New("db down")}, "pricing_matrix")
	_, err = e.Quote(context.Background(), baseSpec())
	assert.Error(t, err)
}

func TestMatrixValidate(t *testing.T) {
	assert.NoError(t, DefaultMatrix().Validate())

	m := DefaultMatrix()
	m.Bindings["spiral"] = -1
	assert.ErrorIs(t, m.Validate(), utils.ErrValidation)

	m = DefaultMatrix()
	m.DefaultCoverWeight = "999"
	assert.Error(t, m.Validate())
}

func TestMatrixValidateDiscountTiers(t *testing.T) {
	tests := []struct {
		name string
		tier QuantityTier
		ok   bool
	}{
		{"full discount", QuantityTier{MinQuantity: 10, Percent: 100}, true},
		{"over a hundred percent", QuantityTier{MinQuantity: 10, Percent: 150}, false},
		{"negative percent", QuantityTier{MinQuantity: 10, Percent: -5}, false},
		{"zero minimum", QuantityTier{MinQuantity: 0, Percent: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DefaultMatrix()
			m.QuantityDiscounts = []QuantityTier{tt.tier}
			if tt.ok {
				assert.NoError(t, m.Validate())
			} else {
				assert.ErrorIs(t, m.Validate(), utils.ErrValidation)
			}
		})
	}
}

func TestEngineMatchesMixedCaseKeys(t *testing.T) {
	custom := DefaultMatrix()
	delete(custom.Bindings, "softcover")
	custom.Bindings["SoftCover"] = 0
	custom.Laminations["matte"] = 0
	custom.DefaultCoverWeight = " 250 "
	raw, err := json.Marshal(custom)
	require.NoError(t, err)

	e := NewEngine(stubSettings{raw: string(raw)}, "pricing_matrix")
	b, err := e.Quote(context.Background(), baseSpec())
	require.NoError(t, err)
	assert.Equal(t, float64(230000), b.Total)

	custom.Bindings["softcover"] = 1
	assert.ErrorIs(t, custom.Validate(), utils.ErrValidation, "keys differing only by case collide")
}

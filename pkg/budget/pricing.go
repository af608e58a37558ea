package budget

import (
	"strings"

	"github.com/pario-ai/helmsman/pkg/config"
)

// cachedDiscount is the fraction taken off the input price for tokens
// served from the provider's prompt cache.
const cachedDiscount = 0.8

// Price holds per-million-token prices for a model, in USD. A zero
// CachedPerMTok bills cached input at the discounted input price.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
	CachedPerMTok float64
}

// DefaultPrices maps model base names to their list prices.
var DefaultPrices = map[string]Price{
	"gpt-4o":                 {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":            {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1-mini":           {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"gemini-2.0-flash":       {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"gemini-1.5-flash":       {InputPerMTok: 0.075, OutputPerMTok: 0.30},
	"gemini-1.5-pro":         {InputPerMTok: 1.25, OutputPerMTok: 5.00},
	"claude-haiku-4-5":       {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"claude-sonnet-4-5":      {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"text-embedding-3-small": {InputPerMTok: 0.02},
}

// referencePrice is used for unlisted models when the configured
// reference model is itself unknown.
var referencePrice = DefaultPrices["gpt-4o"]

// PriceTable resolves model prices. Unknown models are priced with the
// reference model so cost tracking never fails on a new model.
type PriceTable struct {
	prices    map[string]Price
	reference Price
}

// NewPriceTable builds a table from the defaults plus overrides.
func NewPriceTable(overrides map[string]config.ModelPricing, referenceModel string) *PriceTable {
	prices := make(map[string]Price, len(DefaultPrices)+len(overrides))
	for model, p := range DefaultPrices {
		prices[model] = p
	}
	for model, o := range overrides {
		prices[model] = Price{
			InputPerMTok:  o.InputPerMTok,
			OutputPerMTok: o.OutputPerMTok,
			CachedPerMTok: o.CachedPerMTok,
		}
	}

	pt := &PriceTable{prices: prices, reference: referencePrice}
	if p, ok := pt.Lookup(referenceModel); ok {
		pt.reference = p
	}
	return pt
}

// Lookup returns the price of model, tolerating date or version
// suffixes such as "gpt-4o-2024-08-06" or "gemini-2.0-flash-001".
func (pt *PriceTable) Lookup(model string) (Price, bool) {
	if model == "" {
		return Price{}, false
	}
	if p, ok := pt.prices[model]; ok {
		return p, true
	}
	name := model
	for {
		i := strings.LastIndexByte(name, '-')
		if i <= 0 || !isVersionSuffix(name[i+1:]) {
			return Price{}, false
		}
		name = name[:i]
		if p, ok := pt.prices[name]; ok {
			return p, true
		}
	}
}

// Cost returns the USD cost of one call. cachedTokens is the part of
// tokensIn served from cache and is billed at the discounted rate.
func (pt *PriceTable) Cost(model string, tokensIn, tokensOut, cachedTokens int) float64 {
	p, ok := pt.Lookup(model)
	if !ok {
		p = pt.reference
	}

	tokensIn = max(tokensIn, 0)
	tokensOut = max(tokensOut, 0)
	cachedTokens = min(max(cachedTokens, 0), tokensIn)
	uncached := tokensIn - cachedTokens

	cachedRate := p.CachedPerMTok
	if cachedRate <= 0 {
		cachedRate = p.InputPerMTok * (1 - cachedDiscount)
	}
	return (float64(uncached)*p.InputPerMTok +
		float64(cachedTokens)*cachedRate +
		float64(tokensOut)*p.OutputPerMTok) / 1_000_000
}

func isVersionSuffix(s string) bool {
	switch s {
	case "":
		return false
	case "latest", "preview", "exp":
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

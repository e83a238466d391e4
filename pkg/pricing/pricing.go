// Package pricing turns a provider base cost into the customer-facing price.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

// Pricing errors.
var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidMarkup = errors.New("invalid markup table")
)

// Markups maps each service type to its non-negative markup in minor units.
type Markups map[vas.ServiceType]int64

// Engine quotes selling prices from an immutable markup table.
type Engine struct {
	markups Markups
}

// NewEngine validates the markup table. Every service type needs an entry.
func NewEngine(markups Markups) (*Engine, error) {
	copied := make(Markups, len(markups))
	for _, serviceType := range vas.ServiceTypes() {
		markup, ok := markups[serviceType]
		if !ok {
			return nil, fmt.Errorf("%w: missing markup for %s", ErrInvalidMarkup, serviceType)
		}
		if markup < 0 {
			return nil, fmt.Errorf("%w: negative markup for %s", ErrInvalidMarkup, serviceType)
		}
		copied[serviceType] = markup
	}
	return &Engine{markups: copied}, nil
}

// Quote returns baseAmount plus the service markup.
func (engine *Engine) Quote(serviceType vas.ServiceType, baseAmount int64) (int64, error) {
	if baseAmount <= 0 {
		return 0, fmt.Errorf("%w: base amount must be greater than zero", ErrInvalidAmount)
	}
	markup, ok := engine.markups[serviceType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", vas.ErrInvalidServiceType, serviceType)
	}
	if baseAmount > math.MaxInt64-markup {
		return 0, fmt.Errorf("%w: price overflows", ErrInvalidAmount)
	}
	return baseAmount + markup, nil
}

// Markup returns the configured markup of a service type.
func (engine *Engine) Markup(serviceType vas.ServiceType) int64 {
	return engine.markups[serviceType]
}

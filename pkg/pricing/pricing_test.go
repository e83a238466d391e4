package pricing

import (
	"errors"
	"math"
	"testing"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

func testMarkups() Markups {
	return Markups{
		vas.ServiceAirtime:     40,
		vas.ServiceData:        70,
		vas.ServiceCable:       100,
		vas.ServiceElectricity: 300,
	}
}

func TestQuoteAddsServiceMarkup(test *testing.T) {
	test.Parallel()
	engine, err := NewEngine(testMarkups())
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	testCases := []struct {
		serviceType vas.ServiceType
		base        int64
		want        int64
	}{
		{serviceType: vas.ServiceAirtime, base: 500, want: 540},
		{serviceType: vas.ServiceData, base: 200, want: 270},
		{serviceType: vas.ServiceElectricity, base: 300, want: 600},
		{serviceType: vas.ServiceCable, base: 1000, want: 1100},
	}
	for _, testCase := range testCases {
		price, err := engine.Quote(testCase.serviceType, testCase.base)
		if err != nil {
			test.Fatalf("quote %s: %v", testCase.serviceType, err)
		}
		if price != testCase.want {
			test.Fatalf("%s: expected %d, got %d", testCase.serviceType, testCase.want, price)
		}
	}
}

func TestQuoteRejectsInvalidAmounts(test *testing.T) {
	test.Parallel()
	engine, err := NewEngine(testMarkups())
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	for _, base := range []int64{0, -5, math.MaxInt64} {
		if _, err := engine.Quote(vas.ServiceAirtime, base); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("base %d: expected ErrInvalidAmount, got %v", base, err)
		}
	}
	if _, err := engine.Quote(vas.ServiceType("betting"), 100); !errors.Is(err, vas.ErrInvalidServiceType) {
		test.Fatalf("expected ErrInvalidServiceType, got %v", err)
	}
}

func TestNewEngineValidatesTable(test *testing.T) {
	test.Parallel()
	missing := testMarkups()
	delete(missing, vas.ServiceCable)
	if _, err := NewEngine(missing); !errors.Is(err, ErrInvalidMarkup) {
		test.Fatalf("expected ErrInvalidMarkup, got %v", err)
	}
	negative := testMarkups()
	negative[vas.ServiceData] = -1
	if _, err := NewEngine(negative); !errors.Is(err, ErrInvalidMarkup) {
		test.Fatalf("expected ErrInvalidMarkup, got %v", err)
	}
}

func TestEngineCopiesMarkups(test *testing.T) {
	test.Parallel()
	markups := testMarkups()
	engine, err := NewEngine(markups)
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	markups[vas.ServiceAirtime] = 9999
	if engine.Markup(vas.ServiceAirtime) != 40 {
		test.Fatalf("engine must not observe later table changes")
	}
}

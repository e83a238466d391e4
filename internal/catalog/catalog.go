// Package catalog holds the static service catalog offered to customers:
// data plans, cable providers and electricity distribution companies.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

// ErrUnknownEntry is returned when a catalog lookup does not match.
var ErrUnknownEntry = errors.New("catalog entry not found")

// CableBasePrice is the provider cost of a cable renewal in kobo. The
// provider does not quote per plan, so every plan is priced the same.
const CableBasePrice int64 = 100000

// DataPlan is one purchasable data bundle. PriceCents is the provider
// cost in kobo.
type DataPlan struct {
	ID         int
	Network    vas.Network
	Size       string
	PriceCents int64
}

// CableProvider is a pay-TV operator.
type CableProvider struct {
	ID   int
	Name string
}

// Disco is an electricity distribution company.
type Disco struct {
	ID   int
	Name string
}

var dataPlans = []DataPlan{
	{ID: 13, Network: vas.NetworkAirtel, Size: "500MB", PriceCents: 49500},
	{ID: 14, Network: vas.NetworkAirtel, Size: "1.5GB", PriceCents: 60000},
	{ID: 15, Network: vas.NetworkAirtel, Size: "1GB", PriceCents: 79000},
	{ID: 17, Network: vas.NetworkAirtel, Size: "2GB", PriceCents: 148500},
	{ID: 18, Network: vas.NetworkAirtel, Size: "3GB", PriceCents: 199900},
	{ID: 19, Network: vas.NetworkAirtel, Size: "4GB", PriceCents: 259900},
	{ID: 20, Network: vas.NetworkAirtel, Size: "8GB", PriceCents: 310000},
	{ID: 21, Network: vas.NetworkAirtel, Size: "10GB", PriceCents: 409900},
	{ID: 42, Network: vas.NetworkGlo, Size: "200MB", PriceCents: 9500},
	{ID: 35, Network: vas.NetworkGlo, Size: "500MB", PriceCents: 23000},
	{ID: 36, Network: vas.NetworkGlo, Size: "1GB", PriceCents: 43000},
	{ID: 41, Network: vas.NetworkGlo, Size: "1GB", PriceCents: 49000},
	{ID: 37, Network: vas.NetworkGlo, Size: "3GB", PriceCents: 129900},
	{ID: 38, Network: vas.NetworkGlo, Size: "5GB", PriceCents: 219900},
	{ID: 39, Network: vas.NetworkGlo, Size: "10GB", PriceCents: 439900},
	{ID: 43, Network: vas.NetworkMTN, Size: "110MB", PriceCents: 9900},
	{ID: 44, Network: vas.NetworkMTN, Size: "500MB", PriceCents: 39000},
	{ID: 45, Network: vas.NetworkMTN, Size: "1GB", PriceCents: 45500},
	{ID: 46, Network: vas.NetworkMTN, Size: "1GB", PriceCents: 56000},
	{ID: 47, Network: vas.NetworkMTN, Size: "2GB", PriceCents: 93000},
	{ID: 48, Network: vas.NetworkMTN, Size: "2GB", PriceCents: 119900},
	{ID: 49, Network: vas.NetworkMTN, Size: "3GB", PriceCents: 139900},
	{ID: 50, Network: vas.NetworkMTN, Size: "5GB", PriceCents: 209900},
	{ID: 51, Network: vas.NetworkMTN, Size: "75GB", PriceCents: 1799900},
}

var cableProviders = []CableProvider{
	{ID: 1, Name: "GOTV"},
	{ID: 2, Name: "DSTV"},
	{ID: 3, Name: "STARTIMES"},
}

var discos = []Disco{
	{ID: 1, Name: "Abuja Electric AEDC"},
	{ID: 2, Name: "Eko Electric (EKEDC)"},
	{ID: 3, Name: "Ibadan Electric (IBEDC)"},
	{ID: 4, Name: "Ikeja Electric (IKEDC)"},
	{ID: 5, Name: "Kaduna Electric"},
	{ID: 6, Name: "Port Harcourt Electric"},
	{ID: 7, Name: "Jos Electricity Distribution PLC (JEDplc)"},
	{ID: 8, Name: "Enugu Electric"},
	{ID: 9, Name: "Yola Electric"},
	{ID: 10, Name: "Benin Electric"},
}

// DataPlans returns a copy of every data plan, in display order.
func DataPlans() []DataPlan {
	return append([]DataPlan(nil), dataPlans...)
}

// DataPlansFor returns the plans of one network sorted by price.
func DataPlansFor(network vas.Network) []DataPlan {
	var plans []DataPlan
	for _, plan := range dataPlans {
		if plan.Network == network {
			plans = append(plans, plan)
		}
	}
	sort.SliceStable(plans, func(left, right int) bool {
		return plans[left].PriceCents < plans[right].PriceCents
	})
	return plans
}

// FindDataPlan looks a bundle up by its provider id.
func FindDataPlan(id int) (DataPlan, error) {
	for _, plan := range dataPlans {
		if plan.ID == id {
			return plan, nil
		}
	}
	return DataPlan{}, fmt.Errorf("%w: data plan %d", ErrUnknownEntry, id)
}

// CableProviders returns a copy of the cable operators.
func CableProviders() []CableProvider {
	return append([]CableProvider(nil), cableProviders...)
}

// Discos returns a copy of the electricity distribution companies.
func Discos() []Disco {
	return append([]Disco(nil), discos...)
}

// FindDisco matches raw against a disco id or, case-insensitively, its name.
func FindDisco(raw string) (Disco, error) {
	trimmed := strings.TrimSpace(raw)
	if id, err := strconv.Atoi(trimmed); err == nil {
		for _, disco := range discos {
			if disco.ID == id {
				return disco, nil
			}
		}
		return Disco{}, fmt.Errorf("%w: disco %d", ErrUnknownEntry, id)
	}
	for _, disco := range discos {
		if trimmed != "" && strings.EqualFold(disco.Name, trimmed) {
			return disco, nil
		}
	}
	return Disco{}, fmt.Errorf("%w: disco %q", ErrUnknownEntry, raw)
}

// Resolve normalizes target against the catalog and returns the provider
// base price in kobo. Data bundles and cable renewals are priced by the
// catalog and ignore amount; airtime and electricity take the customer's
// amount. Electricity discos are rewritten to their catalog id.
func Resolve(target vas.Target, amount int64) (vas.Target, int64, error) {
	switch value := target.(type) {
	case vas.DataTarget:
		plan, err := FindDataPlan(value.BundleID)
		if err != nil {
			return nil, 0, err
		}
		return value, plan.PriceCents, nil
	case vas.CableTarget:
		return value, CableBasePrice, nil
	case vas.ElectricityTarget:
		disco, err := FindDisco(value.Disco)
		if err != nil {
			return nil, 0, err
		}
		value.Disco = strconv.Itoa(disco.ID)
		return value, amount, nil
	case nil:
		return nil, 0, fmt.Errorf("%w: nil target", vas.ErrInvalidTarget)
	}
	return target, amount, nil
}

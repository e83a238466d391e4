package provider

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

const (
	pathAirtimePurchase     = "resellers/airtime/purchase/"
	pathDataPurchase        = "resellers/data/purchase/"
	pathCablePurchase       = "resellers/cable/purchase/"
	pathElectricityPurchase = "resellers/electricity/purchase/"
	pathElectricityVerify   = "resellers/electricity/verify/"
	pathTransactionStatus   = "resellers/transactions/"
	fieldRequestID          = "request_id"
)

// Payload is the JSON body sent to a purchase endpoint.
type Payload map[string]any

// BuildPayload maps a target and base amount onto the provider's request
// fields. Amounts are sent in whole currency units.
func BuildPayload(target vas.Target, baseAmount int64) (Payload, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: nil target", vas.ErrInvalidTarget)
	}
	switch value := target.(type) {
	case vas.AirtimeTarget:
		return Payload{
			"provider_id":  value.Network.ProviderID(),
			"phone_number": value.Phone,
			"amount":       majorUnits(baseAmount),
		}, nil
	case vas.DataTarget:
		return Payload{
			"bundle_id":    value.BundleID,
			"phone_number": value.Phone,
		}, nil
	case vas.CableTarget:
		return Payload{
			"plan_id":    value.PlanID,
			"cardnumber": value.SmartCard,
			"phone":      value.Phone,
		}, nil
	case vas.ElectricityTarget:
		return Payload{
			"meter":  value.Meter,
			"amount": majorUnits(baseAmount),
			"disco":  value.Disco,
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported target %T", vas.ErrInvalidTarget, target)
}

// Marshal encodes the payload with the request id attached.
func (payload Payload) Marshal(requestID string) ([]byte, error) {
	body := make(map[string]any, len(payload)+1)
	for key, value := range payload {
		body[key] = value
	}
	if requestID != "" {
		body[fieldRequestID] = requestID
	}
	return json.Marshal(body)
}

func purchasePath(serviceType vas.ServiceType) (string, error) {
	switch serviceType {
	case vas.ServiceAirtime:
		return pathAirtimePurchase, nil
	case vas.ServiceData:
		return pathDataPurchase, nil
	case vas.ServiceCable:
		return pathCablePurchase, nil
	case vas.ServiceElectricity:
		return pathElectricityPurchase, nil
	}
	return "", fmt.Errorf("%w: %q", vas.ErrInvalidServiceType, serviceType)
}

func majorUnits(minor int64) json.Number {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	if minor%100 == 0 {
		return json.Number(sign + strconv.FormatInt(minor/100, 10))
	}
	return json.Number(fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100))
}

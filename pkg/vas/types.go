// Package vas defines the value-added services a wallet can buy and the
// strongly typed destination of each purchase.
package vas

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validation errors for service types and targets.
var (
	ErrInvalidServiceType = errors.New("invalid service type")
	ErrInvalidTarget      = errors.New("invalid target")
)

// ServiceType enumerates the purchasable services.
type ServiceType string

const (
	ServiceAirtime     ServiceType = "airtime"
	ServiceData        ServiceType = "data"
	ServiceCable       ServiceType = "cable"
	ServiceElectricity ServiceType = "electricity"
)

// ServiceTypes lists every supported service in display order.
func ServiceTypes() []ServiceType {
	return []ServiceType{ServiceAirtime, ServiceData, ServiceCable, ServiceElectricity}
}

// ParseServiceType validates a service type name.
func ParseServiceType(raw string) (ServiceType, error) {
	normalized := ServiceType(strings.ToLower(strings.TrimSpace(raw)))
	for _, serviceType := range ServiceTypes() {
		if serviceType == normalized {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidServiceType, raw)
}

// String returns the stored representation.
func (serviceType ServiceType) String() string {
	return string(serviceType)
}

// Target is the destination of a purchase. Each service has exactly one
// concrete target type.
type Target interface {
	ServiceType() ServiceType
	// Identifier is the stable destination string used for idempotency.
	Identifier() string
	Validate() error
}

// AirtimeTarget tops up a phone number on a mobile network.
type AirtimeTarget struct {
	Phone   string  `json:"phone"`
	Network Network `json:"network"`
}

func (target AirtimeTarget) ServiceType() ServiceType { return ServiceAirtime }

func (target AirtimeTarget) Identifier() string {
	return target.Network.String() + "/" + target.Phone
}

func (target AirtimeTarget) Validate() error {
	if err := validatePhone(target.Phone); err != nil {
		return err
	}
	_, err := ParseNetwork(target.Network.String())
	return err
}

// DataTarget buys a data bundle for a phone number.
type DataTarget struct {
	Phone    string `json:"phone"`
	BundleID int    `json:"bundle_id"`
}

func (target DataTarget) ServiceType() ServiceType { return ServiceData }

func (target DataTarget) Identifier() string {
	return fmt.Sprintf("%d/%s", target.BundleID, target.Phone)
}

func (target DataTarget) Validate() error {
	if err := validatePhone(target.Phone); err != nil {
		return err
	}
	if target.BundleID <= 0 {
		return fmt.Errorf("%w: bundle id must be positive", ErrInvalidTarget)
	}
	return nil
}

// CableTarget renews a pay-TV subscription on a smart card.
type CableTarget struct {
	SmartCard string `json:"smart_card"`
	PlanID    string `json:"plan_id"`
	Phone     string `json:"phone"`
}

func (target CableTarget) ServiceType() ServiceType { return ServiceCable }

func (target CableTarget) Identifier() string {
	return target.PlanID + "/" + target.SmartCard
}

func (target CableTarget) Validate() error {
	if strings.TrimSpace(target.SmartCard) == "" {
		return fmt.Errorf("%w: smart card number is required", ErrInvalidTarget)
	}
	if strings.TrimSpace(target.PlanID) == "" {
		return fmt.Errorf("%w: plan id is required", ErrInvalidTarget)
	}
	return validatePhone(target.Phone)
}

// ElectricityTarget vends a prepaid token for a meter.
type ElectricityTarget struct {
	Meter string `json:"meter"`
	Disco string `json:"disco"`
}

func (target ElectricityTarget) ServiceType() ServiceType { return ServiceElectricity }

func (target ElectricityTarget) Identifier() string {
	return target.Disco + "/" + target.Meter
}

func (target ElectricityTarget) Validate() error {
	if strings.TrimSpace(target.Meter) == "" {
		return fmt.Errorf("%w: meter number is required", ErrInvalidTarget)
	}
	if strings.TrimSpace(target.Disco) == "" {
		return fmt.Errorf("%w: disco is required", ErrInvalidTarget)
	}
	return nil
}

// MarshalTarget encodes a target for storage.
func MarshalTarget(target Target) ([]byte, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: nil target", ErrInvalidTarget)
	}
	return json.Marshal(target)
}

// UnmarshalTarget decodes a stored target of the given service type.
func UnmarshalTarget(serviceType ServiceType, raw []byte) (Target, error) {
	var (
		target Target
		err    error
	)
	switch serviceType {
	case ServiceAirtime:
		var value AirtimeTarget
		err = json.Unmarshal(raw, &value)
		target = value
	case ServiceData:
		var value DataTarget
		err = json.Unmarshal(raw, &value)
		target = value
	case ServiceCable:
		var value CableTarget
		err = json.Unmarshal(raw, &value)
		target = value
	case ServiceElectricity:
		var value ElectricityTarget
		err = json.Unmarshal(raw, &value)
		target = value
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidServiceType, serviceType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return target, nil
}

func validatePhone(phone string) error {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return fmt.Errorf("%w: phone number is required", ErrInvalidTarget)
	}
	for _, character := range strings.TrimPrefix(trimmed, "+") {
		if character < '0' || character > '9' {
			return fmt.Errorf("%w: phone number must be numeric", ErrInvalidTarget)
		}
	}
	return nil
}

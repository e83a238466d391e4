package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation        string
	AccountID        AccountID
	ReservationToken string
	PurchaseRef      string
	Amount           AmountCents
	Balance          Balance
	Status           string
	Error            error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithReservationTTL overrides how long a reservation stays unexpired.
func WithReservationTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.reservationTTL = ttl
		}
	}
}

// WithTokenGenerator overrides reservation token generation.
func WithTokenGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newToken = generate
		}
	}
}

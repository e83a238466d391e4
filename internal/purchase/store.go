package purchase

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

// Store is the durable purchase registry.
type Store interface {
	// CreatePurchase inserts a new request and its first transition. A request
	// with the same idempotency key yields ErrDuplicatePurchase.
	CreatePurchase(ctx context.Context, request Request, transition Transition) error
	GetPurchase(ctx context.Context, id string) (Request, error)
	GetPurchaseByKey(ctx context.Context, idempotencyKey string) (Request, error)
	// TransitionPurchase replaces the stored request when its version still
	// equals expectedVersion and appends transition atomically. Otherwise it
	// returns ErrStaleState.
	TransitionPurchase(ctx context.Context, request Request, expectedVersion int64, transition Transition) error
	// ListPurchasesByState returns requests in state last updated before
	// olderThan, oldest first.
	ListPurchasesByState(ctx context.Context, state State, olderThan time.Time, limit int) ([]Request, error)
	ListPurchasesByAccount(ctx context.Context, accountID ledger.AccountID, limit int) ([]Request, error)
	ListTransitions(ctx context.Context, purchaseID string) ([]Transition, error)
}

// Wallet is the subset of the ledger used by purchases.
type Wallet interface {
	Reserve(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveAmountCents, purchaseRef string) (ledger.Reservation, error)
	Commit(ctx context.Context, token ledger.ReservationToken) error
	Release(ctx context.Context, token ledger.ReservationToken) error
}

// Submitter places purchases with the provider.
type Submitter interface {
	Submit(ctx context.Context, request provider.SubmitRequest) provider.Outcome
}

// Quoter prices a service request.
type Quoter interface {
	Quote(serviceType vas.ServiceType, baseAmount int64) (int64, error)
}

// Recorder observes transitions, typically for metrics.
type Recorder interface {
	PurchaseTransitioned(serviceType vas.ServiceType, from State, to State)
}

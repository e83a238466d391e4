// Package purchase drives a priced service request through reservation,
// provider submission and settlement.
package purchase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

// State is a purchase lifecycle state.
type State string

const (
	StateQuoted           State = "QUOTED"
	StateReserved         State = "RESERVED"
	StateSubmitted        State = "SUBMITTED"
	StateSucceeded        State = "SUCCEEDED"
	StateFailed           State = "FAILED"
	StatePendingReconcile State = "PENDING_RECONCILE"
)

// ParseState validates a stored state.
func ParseState(raw string) (State, error) {
	switch State(raw) {
	case StateQuoted, StateReserved, StateSubmitted, StateSucceeded, StateFailed, StatePendingReconcile:
		return State(raw), nil
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, raw)
}

// Terminal reports whether no further transition can happen.
func (state State) Terminal() bool {
	return state == StateSucceeded || state == StateFailed
}

func (state State) String() string {
	return string(state)
}

// FailureCode records why a purchase failed.
type FailureCode string

const (
	FailureNone              FailureCode = ""
	FailureInsufficientFunds FailureCode = "insufficient_funds"
	FailureAccountFrozen     FailureCode = "account_frozen"
	FailureReserveError      FailureCode = "reserve_error"
	FailureCancelled         FailureCode = "cancelled"
	FailureAbandoned         FailureCode = "abandoned"
	FailureProviderRejected  FailureCode = "provider_rejected"
)

// Request is a purchase and its current state. Requests are never deleted.
type Request struct {
	ID                string
	IdempotencyKey    string
	AccountID         ledger.AccountID
	ServiceType       vas.ServiceType
	Target            vas.Target
	BaseAmount        int64
	QuotedPrice       int64
	ProviderPayload   provider.Payload
	State             State
	ReservationToken  string
	ProviderRef       string
	FailureCode       FailureCode
	FailureReason     string
	RolledBack        bool
	ReconcileAttempts int
	NeedsReview       bool
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Err maps the request outcome onto the error taxonomy for rendering. It is
// nil for successful and in-progress purchases.
func (request Request) Err() error {
	switch request.State {
	case StatePendingReconcile, StateSubmitted:
		return fmt.Errorf("%w: %s", ErrProviderAmbiguous, request.FailureReason)
	case StateFailed:
	default:
		return nil
	}
	switch request.FailureCode {
	case FailureProviderRejected:
		return fmt.Errorf("%w: %s", ErrProviderRejected, request.FailureReason)
	case FailureInsufficientFunds:
		return ledger.ErrInsufficientFunds
	case FailureAccountFrozen:
		return ledger.ErrAccountFrozen
	case FailureCancelled:
		return context.Canceled
	}
	return fmt.Errorf("%w: %s", ErrPurchaseFailed, request.FailureReason)
}

// Transition is an audit record appended with every state change.
type Transition struct {
	PurchaseID  string
	From        State
	To          State
	ProviderRef string
	Reason      string
	At          time.Time
}

// ExecuteInput is what a front end supplies for one purchase.
type ExecuteInput struct {
	AccountID  ledger.AccountID
	Target     vas.Target
	BaseAmount int64
	// Nonce distinguishes intentionally repeated purchases; retransmissions
	// of the same message reuse it.
	Nonce string
}

// IdempotencyKey derives the registry key of a purchase attempt.
func IdempotencyKey(accountID ledger.AccountID, target vas.Target, nonce string) string {
	digest := sha256.Sum256([]byte(strings.Join([]string{
		accountID.String(),
		target.ServiceType().String(),
		target.Identifier(),
		nonce,
	}, "|")))
	return hex.EncodeToString(digest[:])
}

// Purchase errors.
var (
	ErrInvalidRequest          = errors.New("invalid purchase request")
	ErrDuplicateInFlight       = errors.New("duplicate purchase in flight")
	ErrDuplicatePurchase       = errors.New("duplicate purchase")
	ErrProviderRejected        = errors.New("provider rejected purchase")
	ErrProviderAmbiguous       = errors.New("provider outcome pending")
	ErrReconciliationExhausted = errors.New("reconciliation exhausted")
	ErrUnknownPurchase         = errors.New("unknown purchase")
	ErrStaleState              = errors.New("stale purchase state")
	ErrPurchaseFailed          = errors.New("purchase failed")
	ErrInvalidServiceConfig    = errors.New("invalid purchase service config")
)

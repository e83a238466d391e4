// Package provider talks to the upstream value-added-service reseller API.
package provider

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

// ErrProviderUnavailable is returned by read calls that stayed ambiguous after
// every retry.
var ErrProviderUnavailable = errors.New("provider unavailable")

// OutcomeKind classifies a provider response.
type OutcomeKind string

const (
	// OutcomeSuccess means the provider confirmed the charge.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRejected means the provider definitively did not charge.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeAmbiguous means the charge may or may not have happened.
	OutcomeAmbiguous OutcomeKind = "ambiguous"
)

// Outcome is the classified result of a submit or status call.
type Outcome struct {
	Kind        OutcomeKind
	ProviderRef string
	Reason      string
}

// Success builds a confirmed outcome.
func Success(providerRef string) Outcome {
	return Outcome{Kind: OutcomeSuccess, ProviderRef: providerRef}
}

// Rejected builds a definitive failure outcome.
func Rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

// Ambiguous builds an unresolved outcome.
func Ambiguous(reason string) Outcome {
	return Outcome{Kind: OutcomeAmbiguous, Reason: reason}
}

// SubmitRequest is one purchase attempt. IdempotencyKey is forwarded as the
// provider request id so the provider can deduplicate.
type SubmitRequest struct {
	ServiceType    vas.ServiceType
	IdempotencyKey string
	Payload        Payload
}

// MeterInfo is the result of a meter verification.
type MeterInfo struct {
	Valid        bool
	CustomerName string
	Message      string
}

// Gateway is the provider contract used by purchases and reconciliation.
type Gateway interface {
	// Submit places a purchase. It is never retried.
	Submit(ctx context.Context, request SubmitRequest) Outcome
	// Status looks up a previously submitted purchase.
	Status(ctx context.Context, idempotencyKey string, providerRef string) Outcome
	VerifyMeter(ctx context.Context, meter string, disco string) (MeterInfo, error)
}

// Disabled is a Gateway for commands that must never reach the provider.
// Every call is ambiguous so no reservation is settled on its word.
type Disabled struct{}

func (Disabled) Submit(context.Context, SubmitRequest) Outcome {
	return Ambiguous("provider disabled")
}

func (Disabled) Status(context.Context, string, string) Outcome {
	return Ambiguous("provider disabled")
}

func (Disabled) VerifyMeter(context.Context, string, string) (MeterInfo, error) {
	return MeterInfo{}, ErrProviderUnavailable
}

package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
)

// DefaultMaxReconcileAttempts is the number of ambiguous status answers after
// which a purchase is flagged for manual review.
const DefaultMaxReconcileAttempts = 10

const maxStaleReloads = 3

// Orchestrator is the only writer of purchase state.
type Orchestrator struct {
	store                Store
	wallet               Wallet
	gateway              Submitter
	quoter               Quoter
	logger               *zap.Logger
	recorder             Recorder
	now                  func() time.Time
	newID                func() string
	maxReconcileAttempts int
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithRecorder attaches a transition observer.
func WithRecorder(recorder Recorder) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.recorder = recorder
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.now = now
		}
	}
}

// WithIDGenerator overrides purchase id generation.
func WithIDGenerator(generate func() string) Option {
	return func(orchestrator *Orchestrator) {
		if generate != nil {
			orchestrator.newID = generate
		}
	}
}

// WithMaxReconcileAttempts overrides DefaultMaxReconcileAttempts.
func WithMaxReconcileAttempts(attempts int) Option {
	return func(orchestrator *Orchestrator) {
		if attempts > 0 {
			orchestrator.maxReconcileAttempts = attempts
		}
	}
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(store Store, wallet Wallet, gateway Submitter, quoter Quoter, options ...Option) (*Orchestrator, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidServiceConfig)
	case wallet == nil:
		return nil, fmt.Errorf("%w: wallet is nil", ErrInvalidServiceConfig)
	case gateway == nil:
		return nil, fmt.Errorf("%w: gateway is nil", ErrInvalidServiceConfig)
	case quoter == nil:
		return nil, fmt.Errorf("%w: quoter is nil", ErrInvalidServiceConfig)
	}
	orchestrator := &Orchestrator{
		store:                store,
		wallet:               wallet,
		gateway:              gateway,
		quoter:               quoter,
		logger:               zap.NewNop(),
		now:                  time.Now,
		newID:                uuid.NewString,
		maxReconcileAttempts: DefaultMaxReconcileAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Execute runs one purchase to a terminal or pending state.
//
// A replay of a finished purchase returns the stored request with a nil
// error; a replay of an unfinished one returns ErrDuplicateInFlight. Provider
// outcomes are reported through the request state, not the error.
func (orchestrator *Orchestrator) Execute(ctx context.Context, input ExecuteInput) (Request, error) {
	if err := validateInput(input); err != nil {
		return Request{}, err
	}
	serviceType := input.Target.ServiceType()
	price, err := orchestrator.quoter.Quote(serviceType, input.BaseAmount)
	if err != nil {
		return Request{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(price)
	if err != nil {
		return Request{}, err
	}
	payload, err := provider.BuildPayload(input.Target, input.BaseAmount)
	if err != nil {
		return Request{}, err
	}

	now := orchestrator.now().UTC()
	request := Request{
		ID:              orchestrator.newID(),
		IdempotencyKey:  IdempotencyKey(input.AccountID, input.Target, strings.TrimSpace(input.Nonce)),
		AccountID:       input.AccountID,
		ServiceType:     serviceType,
		Target:          input.Target,
		BaseAmount:      input.BaseAmount,
		QuotedPrice:     price,
		ProviderPayload: payload,
		State:           StateQuoted,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = orchestrator.store.CreatePurchase(ctx, request, Transition{
		PurchaseID: request.ID,
		To:         StateQuoted,
		Reason:     "quoted",
		At:         now,
	})
	if errors.Is(err, ErrDuplicatePurchase) {
		existing, lookupError := orchestrator.store.GetPurchaseByKey(ctx, request.IdempotencyKey)
		if lookupError != nil {
			return Request{}, lookupError
		}
		if existing.State.Terminal() {
			return existing, nil
		}
		return existing, ErrDuplicateInFlight
	}
	if err != nil {
		return Request{}, err
	}
	orchestrator.observe(request, "", StateQuoted)

	// Bookkeeping must land even when the caller goes away.
	persistContext := context.WithoutCancel(ctx)

	reservation, reserveError := orchestrator.wallet.Reserve(ctx, request.AccountID, amount, request.ID)
	if reserveError != nil {
		code := FailureReserveError
		switch {
		case errors.Is(reserveError, ledger.ErrInsufficientFunds):
			code = FailureInsufficientFunds
		case errors.Is(reserveError, ledger.ErrAccountFrozen):
			code = FailureAccountFrozen
		case ctx.Err() != nil:
			code = FailureCancelled
		}
		failed, err := orchestrator.transition(persistContext, request, StateFailed, reserveError.Error(), func(next *Request) {
			next.FailureCode = code
			next.FailureReason = reserveError.Error()
		})
		if err != nil {
			return request, errors.Join(reserveError, err)
		}
		return failed, reserveError
	}

	reserved, err := orchestrator.transition(persistContext, request, StateReserved, "funds reserved", func(next *Request) {
		next.ReservationToken = reservation.Token.String()
	})
	if err != nil {
		return request, err
	}
	if ctx.Err() != nil {
		failed, rollbackError := orchestrator.rollback(persistContext, reserved, FailureCancelled, "cancelled before submission")
		if rollbackError != nil {
			return reserved, errors.Join(ctx.Err(), rollbackError)
		}
		return failed, ctx.Err()
	}

	submitted, err := orchestrator.transition(persistContext, reserved, StateSubmitted, "submitted to provider", nil)
	if err != nil {
		return reserved, err
	}
	outcome := orchestrator.gateway.Submit(persistContext, provider.SubmitRequest{
		ServiceType:    submitted.ServiceType,
		IdempotencyKey: submitted.IdempotencyKey,
		Payload:        submitted.ProviderPayload,
	})
	return orchestrator.settle(persistContext, submitted, outcome, false)
}

// Resolve applies a provider outcome to a submitted or pending purchase.
// Terminal purchases are returned unchanged. An ambiguous outcome counts as a
// reconciliation attempt; reaching the limit flags the purchase for review
// and returns ErrReconciliationExhausted.
func (orchestrator *Orchestrator) Resolve(ctx context.Context, id string, outcome provider.Outcome) (Request, error) {
	current, err := orchestrator.store.GetPurchase(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if current.State.Terminal() {
		return current, nil
	}
	if !settleable(current.State) {
		return current, fmt.Errorf("%w: cannot resolve %s purchase", ErrStaleState, current.State)
	}
	wasFlagged := current.NeedsReview
	resolved, err := orchestrator.settle(ctx, current, outcome, true)
	if err != nil {
		return resolved, err
	}
	if resolved.NeedsReview && !wasFlagged {
		return resolved, fmt.Errorf("%w: %d ambiguous status checks", ErrReconciliationExhausted, resolved.ReconcileAttempts)
	}
	return resolved, nil
}

// MarkPending moves a submitted purchase whose outcome was never recorded
// into reconciliation.
func (orchestrator *Orchestrator) MarkPending(ctx context.Context, id string, reason string) (Request, error) {
	current, err := orchestrator.store.GetPurchase(ctx, id)
	if err != nil {
		return Request{}, err
	}
	switch current.State {
	case StateSubmitted:
		return orchestrator.transition(ctx, current, StatePendingReconcile, reason, func(next *Request) {
			next.FailureReason = reason
		})
	case StatePendingReconcile, StateSucceeded, StateFailed:
		return current, nil
	}
	return current, fmt.Errorf("%w: cannot mark %s purchase pending", ErrStaleState, current.State)
}

// Abandon rolls back a purchase that never reached the provider.
func (orchestrator *Orchestrator) Abandon(ctx context.Context, id string) (Request, error) {
	current, err := orchestrator.store.GetPurchase(ctx, id)
	if err != nil {
		return Request{}, err
	}
	switch current.State {
	case StateSucceeded, StateFailed:
		return current, nil
	case StateQuoted:
		// A reservation may exist without its token recorded; it is released
		// once it expires and the purchase is seen as failed.
		return orchestrator.transition(ctx, current, StateFailed, "abandoned before reservation", func(next *Request) {
			next.FailureCode = FailureAbandoned
			next.FailureReason = "abandoned before reservation"
		})
	case StateReserved:
		return orchestrator.rollback(ctx, current, FailureAbandoned, "abandoned before submission")
	}
	return current, fmt.Errorf("%w: cannot abandon %s purchase", ErrStaleState, current.State)
}

// Get returns a purchase by id.
func (orchestrator *Orchestrator) Get(ctx context.Context, id string) (Request, error) {
	return orchestrator.store.GetPurchase(ctx, id)
}

// History returns the audit trail of a purchase, oldest first.
func (orchestrator *Orchestrator) History(ctx context.Context, id string) ([]Transition, error) {
	if _, err := orchestrator.store.GetPurchase(ctx, id); err != nil {
		return nil, err
	}
	return orchestrator.store.ListTransitions(ctx, id)
}

// ListByAccount returns the newest purchases of an account.
func (orchestrator *Orchestrator) ListByAccount(ctx context.Context, accountID ledger.AccountID, limit int) ([]Request, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidRequest)
	}
	return orchestrator.store.ListPurchasesByAccount(ctx, accountID, limit)
}

// ListByState returns purchases in state untouched since olderThan.
func (orchestrator *Orchestrator) ListByState(ctx context.Context, state State, olderThan time.Time, limit int) ([]Request, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidRequest)
	}
	return orchestrator.store.ListPurchasesByState(ctx, state, olderThan, limit)
}

// settle applies outcome, reloading and retrying when another writer moved
// the purchase first.
func (orchestrator *Orchestrator) settle(ctx context.Context, current Request, outcome provider.Outcome, countAttempt bool) (Request, error) {
	for reload := 0; ; reload++ {
		next, err := orchestrator.applyOutcome(ctx, current, outcome, countAttempt)
		if !errors.Is(err, ErrStaleState) || reload >= maxStaleReloads {
			return next, err
		}
		current, err = orchestrator.store.GetPurchase(ctx, current.ID)
		if err != nil {
			return Request{}, err
		}
		if current.State.Terminal() {
			return current, nil
		}
		if !settleable(current.State) {
			return current, fmt.Errorf("%w: purchase moved to %s", ErrStaleState, current.State)
		}
	}
}

func (orchestrator *Orchestrator) applyOutcome(ctx context.Context, current Request, outcome provider.Outcome, countAttempt bool) (Request, error) {
	token, err := ledger.NewReservationToken(current.ReservationToken)
	if err != nil {
		return current, err
	}
	switch outcome.Kind {
	case provider.OutcomeSuccess:
		succeeded, err := orchestrator.transition(ctx, current, StateSucceeded, "provider confirmed", func(next *Request) {
			next.ProviderRef = outcome.ProviderRef
			next.FailureReason = ""
			next.NeedsReview = false
		})
		if err != nil {
			return succeeded, err
		}
		orchestrator.settleHold(ctx, succeeded, token, "commit reservation", orchestrator.wallet.Commit)
		return succeeded, nil
	case provider.OutcomeRejected:
		failed, err := orchestrator.transition(ctx, current, StateFailed, outcome.Reason, func(next *Request) {
			next.FailureCode = FailureProviderRejected
			next.FailureReason = outcome.Reason
			next.RolledBack = true
			next.NeedsReview = false
		})
		if err != nil {
			return failed, err
		}
		orchestrator.settleHold(ctx, failed, token, "release reservation", orchestrator.wallet.Release)
		return failed, nil
	}
	if current.State == StateSubmitted {
		return orchestrator.transition(ctx, current, StatePendingReconcile, outcome.Reason, func(next *Request) {
			next.FailureReason = outcome.Reason
		})
	}
	if !countAttempt {
		return current, nil
	}
	return orchestrator.transition(ctx, current, StatePendingReconcile, "status still ambiguous: "+outcome.Reason, func(next *Request) {
		next.FailureReason = outcome.Reason
		next.ReconcileAttempts++
		if next.ReconcileAttempts >= orchestrator.maxReconcileAttempts {
			next.NeedsReview = true
		}
	})
}

// rollback fails a purchase that never reached the provider. The state
// change wins the version check before the hold is touched, so a concurrent
// submission either sees FAILED or keeps its reservation.
func (orchestrator *Orchestrator) rollback(ctx context.Context, current Request, code FailureCode, reason string) (Request, error) {
	var token ledger.ReservationToken
	if current.ReservationToken != "" {
		parsed, err := ledger.NewReservationToken(current.ReservationToken)
		if err != nil {
			return current, err
		}
		token = parsed
	}
	failed, err := orchestrator.transition(ctx, current, StateFailed, reason, func(next *Request) {
		next.FailureCode = code
		next.FailureReason = reason
		next.RolledBack = current.ReservationToken != ""
	})
	if err != nil {
		return failed, err
	}
	if current.ReservationToken != "" {
		orchestrator.settleHold(ctx, failed, token, "release reservation", orchestrator.wallet.Release)
	}
	return failed, nil
}

// settleHold applies the wallet side of a terminal transition. A failure
// leaves the hold in place; the reconciler settles it by purchase state once
// the reservation expires.
func (orchestrator *Orchestrator) settleHold(ctx context.Context, request Request, token ledger.ReservationToken, operation string, settle func(context.Context, ledger.ReservationToken) error) {
	if err := settle(ctx, token); err != nil {
		orchestrator.logger.Error(operation,
			zap.String("purchase_id", request.ID),
			zap.String("state", request.State.String()),
			zap.String("reservation_token", token.String()),
			zap.Error(err),
		)
	}
}

func (orchestrator *Orchestrator) transition(ctx context.Context, current Request, to State, reason string, mutate func(next *Request)) (Request, error) {
	next := current
	if mutate != nil {
		mutate(&next)
	}
	next.State = to
	next.Version = current.Version + 1
	next.UpdatedAt = orchestrator.now().UTC()
	record := Transition{
		PurchaseID:  current.ID,
		From:        current.State,
		To:          to,
		ProviderRef: next.ProviderRef,
		Reason:      reason,
		At:          next.UpdatedAt,
	}
	if err := orchestrator.store.TransitionPurchase(ctx, next, current.Version, record); err != nil {
		return current, err
	}
	orchestrator.observe(next, current.State, to)
	return next, nil
}

func (orchestrator *Orchestrator) observe(request Request, from State, to State) {
	if orchestrator.recorder != nil {
		orchestrator.recorder.PurchaseTransitioned(request.ServiceType, from, to)
	}
	fields := []zap.Field{
		zap.String("purchase_id", request.ID),
		zap.String("account_id", request.AccountID.String()),
		zap.String("service", request.ServiceType.String()),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int64("quoted_price", request.QuotedPrice),
	}
	if request.ProviderRef != "" {
		fields = append(fields, zap.String("provider_ref", request.ProviderRef))
	}
	if request.FailureReason != "" {
		fields = append(fields, zap.String("reason", request.FailureReason))
	}
	if request.NeedsReview {
		orchestrator.logger.Error("purchase needs review", fields...)
		return
	}
	orchestrator.logger.Info("purchase transition", fields...)
}

func settleable(state State) bool {
	return state == StateSubmitted || state == StatePendingReconcile
}

func validateInput(input ExecuteInput) error {
	if input.AccountID.String() == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidRequest)
	}
	if input.Target == nil {
		return fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	if err := input.Target.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(input.Nonce) == "" {
		return fmt.Errorf("%w: nonce is required", ErrInvalidRequest)
	}
	return nil
}

package ledger

import (
	"context"
	"fmt"
)

// Balance returns total, held and spendable amounts for an account.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return account.Projection.Balance(), nil
}

// GetBalance returns the total committed balance, holds included.
func (service *Service) GetBalance(ctx context.Context, accountID AccountID) (AmountCents, error) {
	balance, err := service.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return balance.TotalCents, nil
}

// GetSpendable returns the balance minus active holds.
func (service *Service) GetSpendable(ctx context.Context, accountID AccountID) (AmountCents, error) {
	balance, err := service.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return balance.SpendableCents, nil
}

// GetReservation returns a reservation by token.
func (service *Service) GetReservation(ctx context.Context, token ReservationToken) (Reservation, error) {
	return service.store.GetReservation(ctx, token)
}

// ListEntries lists the newest journal entries for an account.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidServiceConfig)
	}
	return service.store.ListEntries(ctx, accountID, limit)
}

// ListExpiredReservations returns held reservations whose TTL has elapsed.
// Expiry alone never releases funds; callers decide based on the purchase.
func (service *Service) ListExpiredReservations(ctx context.Context, limit int) ([]Reservation, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidServiceConfig)
	}
	return service.store.ListExpiredReservations(ctx, service.nowFn().UTC(), limit)
}

// Verify re-folds the journal under the account lock and compares it with
// the cached balance. A divergence freezes the account.
func (service *Service) Verify(ctx context.Context, accountID AccountID) (Balance, error) {
	var balance Balance
	_, operationError := service.mutate(ctx, accountID, func(ctx context.Context, journal *journalWriter) error {
		balance = journal.projection.Balance()
		return nil
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// Unfreeze clears a freeze after manual audit. The next mutation re-checks
// the journal and freezes the account again if it still diverges.
func (service *Service) Unfreeze(ctx context.Context, accountID AccountID) error {
	unlock := service.locks.lock(accountID)
	defer unlock()
	operationError := service.store.SetAccountFrozen(ctx, accountID, false, "")
	service.logOperation(ctx, OperationLog{
		Operation: operationUnfreeze,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

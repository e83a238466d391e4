package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultReservationTTL bounds how long a hold is considered fresh.
const DefaultReservationTTL = 5 * time.Minute

// Service contains the domain logic over a Store. It is the only writer of
// account balances and journal entries.
type Service struct {
	store          Store
	nowFn          func() time.Time
	logger         OperationLogger
	locks          *accountLocks
	reservationTTL time.Duration
	newToken       func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		locks:          newAccountLocks(),
		reservationTTL: DefaultReservationTTL,
		newToken:       uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Credit adds funds to an account. A zero amount is a no-op and repeating a
// reference credits only once. A blank reference gets a fresh one, so such
// credits are never deduplicated.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount AmountCents, reference string) error {
	if amount < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if amount == 0 {
		return nil
	}
	if strings.TrimSpace(reference) == "" {
		reference = unreferencedCreditPrefix + service.newToken()
	}
	idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixCredit, reference)
	if err != nil {
		return err
	}
	projection, operationError := service.mutate(ctx, accountID, func(ctx context.Context, journal *journalWriter) error {
		exists, err := journal.store.HasEntry(ctx, accountID, idempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		metadata, err := marshalMetadata(map[string]string{"reference": strings.TrimSpace(reference)})
		if err != nil {
			return err
		}
		return journal.append(ctx, Entry{
			Kind:           EntryCredit,
			AmountCents:    PositiveAmountCents(amount),
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Amount:    amount,
		Balance:   projection.Balance(),
		Error:     operationError,
	})
	return operationError
}

// Reserve places a hold on the account's spendable balance.
func (service *Service) Reserve(ctx context.Context, accountID AccountID, amount PositiveAmountCents, purchaseRef string) (Reservation, error) {
	var reservation Reservation
	projection, operationError := service.mutate(ctx, accountID, func(ctx context.Context, journal *journalWriter) error {
		if journal.projection.Spendable() < amount.ToAmountCents() {
			return ErrInsufficientFunds
		}
		token, err := NewReservationToken(service.newToken())
		if err != nil {
			return err
		}
		candidate := Reservation{
			Token:       token,
			AccountID:   accountID,
			AmountCents: amount,
			Status:      ReservationStatusHeld,
			PurchaseRef: purchaseRef,
			CreatedAt:   journal.now,
			ExpiresAt:   journal.now.Add(service.reservationTTL),
		}
		if err := journal.store.CreateReservation(ctx, candidate); err != nil {
			return err
		}
		idempotencyKey, err := deriveIdempotencyKey(EntryDebitReserve.String(), token.String())
		if err != nil {
			return err
		}
		if err := journal.append(ctx, Entry{
			Kind:             EntryDebitReserve,
			AmountCents:      amount,
			ReservationToken: token.String(),
			PurchaseRef:      purchaseRef,
			IdempotencyKey:   idempotencyKey,
		}); err != nil {
			return err
		}
		reservation = candidate
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:        operationReserve,
		AccountID:        accountID,
		ReservationToken: reservation.Token.String(),
		PurchaseRef:      purchaseRef,
		Amount:           amount.ToAmountCents(),
		Balance:          projection.Balance(),
		Error:            operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Commit converts a held reservation into a final debit. Committing an
// already committed reservation is a no-op.
func (service *Service) Commit(ctx context.Context, token ReservationToken) error {
	return service.settle(ctx, token, operationCommit, ReservationStatusCommitted, EntryDebitCommit)
}

// Release returns a held reservation to the spendable balance. Releasing an
// already released reservation is a no-op.
func (service *Service) Release(ctx context.Context, token ReservationToken) error {
	return service.settle(ctx, token, operationRelease, ReservationStatusReleased, EntryDebitRelease)
}

func (service *Service) settle(ctx context.Context, token ReservationToken, operation string, target ReservationStatus, kind EntryKind) error {
	reservation, operationError := service.store.GetReservation(ctx, token)
	var projection Projection
	if operationError == nil {
		projection, operationError = service.mutate(ctx, reservation.AccountID, func(ctx context.Context, journal *journalWriter) error {
			current, err := journal.store.GetReservation(ctx, token)
			if err != nil {
				return err
			}
			switch current.Status {
			case target:
				return nil
			case ReservationStatusHeld:
			default:
				return fmt.Errorf("%w: reservation is %s", ErrReservationClosed, current.Status)
			}
			if err := journal.store.UpdateReservationStatus(ctx, token, ReservationStatusHeld, target); err != nil {
				return err
			}
			idempotencyKey, err := deriveIdempotencyKey(kind.String(), token.String())
			if err != nil {
				return err
			}
			return journal.append(ctx, Entry{
				Kind:             kind,
				AmountCents:      current.AmountCents,
				ReservationToken: token.String(),
				PurchaseRef:      current.PurchaseRef,
				IdempotencyKey:   idempotencyKey,
			})
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:        operation,
		AccountID:        reservation.AccountID,
		ReservationToken: token.String(),
		PurchaseRef:      reservation.PurchaseRef,
		Amount:           reservation.AmountCents.ToAmountCents(),
		Balance:          projection.Balance(),
		Error:            operationError,
	})
	return operationError
}

// mutate runs fn under the per-account lock inside a store transaction. The
// cached projection is checked against the journal before and after fn; a
// divergence aborts the transaction and freezes the account.
func (service *Service) mutate(ctx context.Context, accountID AccountID, fn func(ctx context.Context, journal *journalWriter) error) (Projection, error) {
	unlock := service.locks.lock(accountID)
	defer unlock()

	var result Projection
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Frozen {
			return fmt.Errorf("%w: %s", ErrAccountFrozen, account.FrozenReason)
		}
		if err := verifyJournal(ctx, transactionStore, accountID, account.Projection); err != nil {
			return err
		}
		journal := &journalWriter{
			store:      transactionStore,
			accountID:  accountID,
			projection: account.Projection,
			now:        service.nowFn().UTC(),
		}
		if err := fn(ctx, journal); err != nil {
			return err
		}
		result = journal.projection
		if !journal.changed {
			return nil
		}
		if err := verifyJournal(ctx, transactionStore, accountID, journal.projection); err != nil {
			return err
		}
		expectedVersion := account.Version
		account.Projection = journal.projection
		account.Version = expectedVersion + 1
		return transactionStore.UpdateAccount(ctx, account, expectedVersion)
	})
	if errors.Is(operationError, ErrIntegrityViolation) {
		service.freeze(ctx, accountID, operationError)
	}
	return result, operationError
}

func (service *Service) freeze(ctx context.Context, accountID AccountID, cause error) {
	freezeError := service.store.SetAccountFrozen(context.WithoutCancel(ctx), accountID, true, cause.Error())
	service.logOperation(ctx, OperationLog{
		Operation: operationFreeze,
		AccountID: accountID,
		Status:    operationStatusError,
		Error:     errors.Join(cause, freezeError),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// journalWriter appends entries inside a mutation while tracking the
// projection they produce.
type journalWriter struct {
	store      Store
	accountID  AccountID
	projection Projection
	now        time.Time
	changed    bool
}

func (journal *journalWriter) append(ctx context.Context, entry Entry) error {
	next, err := journal.projection.Apply(entry.Kind, entry.AmountCents)
	if err != nil {
		return err
	}
	entry.AccountID = journal.accountID
	entry.CreatedAt = journal.now
	if err := journal.store.InsertEntry(ctx, entry); err != nil {
		return err
	}
	journal.projection = next
	journal.changed = true
	return nil
}

func verifyJournal(ctx context.Context, store Store, accountID AccountID, cached Projection) error {
	sums, err := store.SumEntriesByKind(ctx, accountID)
	if err != nil {
		return err
	}
	folded, err := Fold(sums)
	if err != nil {
		return err
	}
	if folded != cached {
		return WrapError(errorOperationService, errorSubjectJournal, errorCodeDivergence,
			fmt.Errorf("%w: cached total=%d held=%d, journal total=%d held=%d",
				ErrIntegrityViolation, cached.Total, cached.Held, folded.Total, folded.Held))
	}
	return nil
}

func deriveIdempotencyKey(prefix string, value string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty reference", ErrInvalidIdempotencyKey)
	}
	return NewIdempotencyKey(prefix + idempotencyKeyDelimiter + trimmed)
}

func marshalMetadata(values map[string]string) (MetadataJSON, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

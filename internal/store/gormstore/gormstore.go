package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
)

const (
	defaultMetadataJSON = "{}"
	dialectPostgres     = "postgres"
)

// Store implements ledger.Store and purchase.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockAccount creates the account row when missing and locks it for the rest
// of the transaction. SQLite has no row locks; its writes are serialized by
// the single connection opened in Open.
func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	now := time.Now().UTC()
	seed := Account{AccountID: accountID.String(), CreatedAt: now, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	query := store.db.WithContext(ctx)
	if store.supportsRowLocks() {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Account
	if err := query.Where("account_id = ?", accountID.String()).Take(&row).Error; err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return mapAccount(row)
}

// GetAccount returns the account, or an empty unfrozen account when none exists.
func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{AccountID: accountID}, nil
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(row)
}

// ListAccountIDs returns every account id, optionally only frozen ones,
// ordered by id.
func (store *Store) ListAccountIDs(ctx context.Context, frozenOnly bool) ([]ledger.AccountID, error) {
	query := store.db.WithContext(ctx).Model(&Account{}).Order("account_id ASC")
	if frozenOnly {
		query = query.Where("frozen = ?", true)
	}
	var raw []string
	if err := query.Pluck("account_id", &raw).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]ledger.AccountID, 0, len(raw))
	for _, value := range raw {
		accountID, err := ledger.NewAccountID(value)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ?", account.AccountID.String(), expectedVersion).
		Updates(map[string]any{
			"total_cents": account.Projection.Total.Int64(),
			"held_cents":  account.Projection.Held.Int64(),
			"version":     account.Version,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrConcurrentModification)
	}
	return nil
}

func (store *Store) SetAccountFrozen(ctx context.Context, accountID ledger.AccountID, frozen bool, reason string) error {
	now := time.Now().UTC()
	row := Account{
		AccountID:    accountID.String(),
		Frozen:       frozen,
		FrozenReason: reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"frozen", "frozen_reason", "updated_at"}),
		}).
		Select("*").
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, err)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		EntryID:          entry.EntryID,
		AccountID:        entry.AccountID.String(),
		Kind:             entry.Kind.String(),
		AmountCents:      entry.AmountCents.Int64(),
		ReservationToken: optionalString(entry.ReservationToken),
		PurchaseRef:      optionalString(entry.PurchaseRef),
		IdempotencyKey:   entry.IdempotencyKey.String(),
		Metadata:         datatypesJSON(entry.Metadata.String()),
		CreatedAt:        entry.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) HasEntry(ctx context.Context, accountID ledger.AccountID, idempotencyKey ledger.IdempotencyKey) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), idempotencyKey.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) SumEntriesByKind(ctx context.Context, accountID ledger.AccountID) (map[ledger.EntryKind]int64, error) {
	var rows []kindSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("kind, coalesce(sum(amount_cents),0) as total").
		Where("account_id = ?", accountID.String()).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	sums := make(map[ledger.EntryKind]int64, len(rows))
	for _, row := range rows {
		kind, err := ledger.ParseEntryKind(row.Kind)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		sums[kind] = row.Total
	}
	return sums, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("sequence DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	now := time.Now().UTC()
	row := Reservation{
		Token:       reservation.Token.String(),
		AccountID:   reservation.AccountID.String(),
		AmountCents: reservation.AmountCents.Int64(),
		Status:      reservation.Status.String(),
		PurchaseRef: reservation.PurchaseRef,
		CreatedAt:   reservation.CreatedAt.UTC(),
		ExpiresAt:   reservation.ExpiresAt.UTC(),
		UpdatedAt:   now,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, token ledger.ReservationToken) (ledger.Reservation, error) {
	query := store.db.WithContext(ctx)
	if store.supportsRowLocks() {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Reservation
	err := query.Where("token = ?", token.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(row)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, token ledger.ReservationToken, from, to ledger.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("token = ? AND status = ?", token.String(), from.String()).
		Updates(map[string]any{"status": to.String(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]ledger.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", ledger.ReservationStatusHeld.String(), at.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) supportsRowLocks() bool {
	return store.db.Dialector != nil && store.db.Dialector.Name() == dialectPostgres
}

type kindSum struct {
	Kind  string
	Total int64
}

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	total, err := ledger.NewAmountCents(row.TotalCents)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	held, err := ledger.NewAmountCents(row.HeldCents)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID:    accountID,
		Projection:   ledger.Projection{Total: total, Held: held},
		Version:      row.Version,
		Frozen:       row.Frozen,
		FrozenReason: row.FrozenReason,
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:          row.EntryID,
		AccountID:        accountID,
		Kind:             kind,
		AmountCents:      amount,
		ReservationToken: stringOrEmpty(row.ReservationToken),
		PurchaseRef:      stringOrEmpty(row.PurchaseRef),
		IdempotencyKey:   idempotencyKey,
		Metadata:         metadata,
		CreatedAt:        row.CreatedAt.UTC(),
	}, nil
}

func mapReservation(row Reservation) (ledger.Reservation, error) {
	token, err := ledger.NewReservationToken(row.Token)
	if err != nil {
		return ledger.Reservation{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(row.Status)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		Token:       token,
		AccountID:   accountID,
		AmountCents: amount,
		Status:      status,
		PurchaseRef: row.PurchaseRef,
		CreatedAt:   row.CreatedAt.UTC(),
		ExpiresAt:   row.ExpiresAt.UTC(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func requirePositiveLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}
	return nil
}

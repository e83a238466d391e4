package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AmountCents is a non-negative integer amount in minor currency units.
type AmountCents int64

// PositiveAmountCents is an amount that must be strictly greater than zero.
type PositiveAmountCents int64

// AccountID identifies a wallet owner.
type AccountID struct {
	value string
}

// ReservationToken identifies a reservation.
type ReservationToken struct {
	value string
}

// IdempotencyKey scopes duplicate detection of journal entries.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewReservationToken validates and normalizes a reservation token.
func NewReservationToken(raw string) (ReservationToken, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationToken{}, fmt.Errorf("%w: empty value", ErrInvalidReservationToken)
	}
	return ReservationToken{value: trimmed}, nil
}

// String returns the normalized token.
func (token ReservationToken) String() string {
	return token.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens the positive amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// EntryKind enumerates journal entry kinds.
type EntryKind string

const (
	EntryCredit       EntryKind = "credit"
	EntryDebitReserve EntryKind = "debit_reserve"
	EntryDebitCommit  EntryKind = "debit_commit"
	EntryDebitRelease EntryKind = "debit_release"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryCredit, EntryDebitReserve, EntryDebitCommit, EntryDebitRelease:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// ReservationStatus defines reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusHeld      ReservationStatus = "held"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusHeld, ReservationStatusCommitted, ReservationStatusReleased:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// Account is the cached projection of an account's journal.
type Account struct {
	AccountID    AccountID
	Projection   Projection
	Version      int64
	Frozen       bool
	FrozenReason string
}

// Entry is a single immutable line in the journal.
type Entry struct {
	EntryID          string
	AccountID        AccountID
	Kind             EntryKind
	AmountCents      PositiveAmountCents
	ReservationToken string
	PurchaseRef      string
	IdempotencyKey   IdempotencyKey
	Metadata         MetadataJSON
	CreatedAt        time.Time
}

// Reservation is a hold placed against an account's spendable balance.
type Reservation struct {
	Token       ReservationToken
	AccountID   AccountID
	AmountCents PositiveAmountCents
	Status      ReservationStatus
	PurchaseRef string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the reservation TTL has elapsed at the given time.
func (reservation Reservation) Expired(at time.Time) bool {
	return !reservation.ExpiresAt.IsZero() && !at.Before(reservation.ExpiresAt)
}

// Balance view for an account.
type Balance struct {
	TotalCents     AmountCents
	HeldCents      AmountCents
	SpendableCents AmountCents
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockAccount returns the account row, creating it when missing, and holds
	// a row lock on it until the surrounding transaction ends.
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccount(ctx context.Context, account Account, expectedVersion int64) error
	SetAccountFrozen(ctx context.Context, accountID AccountID, frozen bool, reason string) error
	InsertEntry(ctx context.Context, entry Entry) error
	HasEntry(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey) (bool, error)
	SumEntriesByKind(ctx context.Context, accountID AccountID) (map[EntryKind]int64, error)
	ListEntries(ctx context.Context, accountID AccountID, limit int) ([]Entry, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, token ReservationToken) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, token ReservationToken, from, to ReservationStatus) error
	ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]Reservation, error)
}

package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store with snapshot rollback. Transactions are
// serialized store-wide, mirroring a single-connection SQLite database.
type stubStore struct {
	transactionMutex sync.Mutex
	dataMutex        sync.Mutex
	accounts         map[string]Account
	entries          []Entry
	reservations     map[string]Reservation
	insertEntryError error
	sumEntriesError  error
	lockAccountError error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     make(map[string]Account),
		reservations: make(map[string]Reservation),
	}
}

type stubSnapshot struct {
	accounts     map[string]Account
	entries      []Entry
	reservations map[string]Reservation
}

func (store *stubStore) snapshot() stubSnapshot {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	accounts := make(map[string]Account, len(store.accounts))
	for key, value := range store.accounts {
		accounts[key] = value
	}
	reservations := make(map[string]Reservation, len(store.reservations))
	for key, value := range store.reservations {
		reservations[key] = value
	}
	return stubSnapshot{
		accounts:     accounts,
		entries:      append([]Entry(nil), store.entries...),
		reservations: reservations,
	}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.accounts = snapshot.accounts
	store.entries = snapshot.entries
	store.reservations = snapshot.reservations
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.transactionMutex.Lock()
	defer store.transactionMutex.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) LockAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if store.lockAccountError != nil {
		return Account{}, store.lockAccountError
	}
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		account = Account{AccountID: accountID}
		store.accounts[accountID.String()] = account
	}
	return account, nil
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{AccountID: accountID}, nil
	}
	return account, nil
}

func (store *stubStore) UpdateAccount(ctx context.Context, account Account, expectedVersion int64) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	current := store.accounts[account.AccountID.String()]
	if current.Version != expectedVersion {
		return ErrConcurrentModification
	}
	store.accounts[account.AccountID.String()] = account
	return nil
}

func (store *stubStore) SetAccountFrozen(ctx context.Context, accountID AccountID, frozen bool, reason string) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		account = Account{AccountID: accountID}
	}
	account.Frozen = frozen
	account.FrozenReason = reason
	store.accounts[accountID.String()] = account
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	for _, existing := range store.entries {
		if existing.AccountID == entry.AccountID && existing.IdempotencyKey == entry.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	entry.EntryID = entry.IdempotencyKey.String()
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) HasEntry(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey) (bool, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	for _, existing := range store.entries {
		if existing.AccountID == accountID && existing.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) SumEntriesByKind(ctx context.Context, accountID AccountID) (map[EntryKind]int64, error) {
	if store.sumEntriesError != nil {
		return nil, store.sumEntriesError
	}
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	sums := make(map[EntryKind]int64)
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			sums[entry.Kind] += entry.AmountCents.Int64()
		}
	}
	return sums, nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, limit int) ([]Entry, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	var entries []Entry
	for index := len(store.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		if store.entries[index].AccountID == accountID {
			entries = append(entries, store.entries[index])
		}
	}
	return entries, nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if _, exists := store.reservations[reservation.Token.String()]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.Token.String()] = reservation
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, token ReservationToken) (Reservation, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	reservation, ok := store.reservations[token.String()]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, token ReservationToken, from, to ReservationStatus) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	reservation, ok := store.reservations[token.String()]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.Status != from {
		return ErrReservationClosed
	}
	reservation.Status = to
	store.reservations[token.String()] = reservation
	return nil
}

func (store *stubStore) ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]Reservation, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	var expired []Reservation
	for _, reservation := range store.reservations {
		if reservation.Status == ReservationStatusHeld && reservation.Expired(at) {
			expired = append(expired, reservation)
		}
	}
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].ExpiresAt.Before(expired[right].ExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *stubStore) countEntries(kind EntryKind) int {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	count := 0
	for _, entry := range store.entries {
		if entry.Kind == kind {
			count++
		}
	}
	return count
}

func (store *stubStore) tamperProjection(test *testing.T, accountID AccountID, projection Projection) {
	test.Helper()
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	account := store.accounts[accountID.String()]
	account.Projection = projection
	store.accounts[accountID.String()] = account
}

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, newTestClock().Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	value, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("positive amount: %v", err)
	}
	return value
}

func mustCredit(test *testing.T, service *Service, accountID AccountID, amount int64, reference string) {
	test.Helper()
	if err := service.Credit(context.Background(), accountID, AmountCents(amount), reference); err != nil {
		test.Fatalf("credit: %v", err)
	}
}

func mustBalance(test *testing.T, service *Service, accountID AccountID) Balance {
	test.Helper()
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func assertJournalConsistent(test *testing.T, store *stubStore, accountID AccountID) {
	test.Helper()
	sums, err := store.SumEntriesByKind(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum entries: %v", err)
	}
	folded, err := Fold(sums)
	if err != nil {
		test.Fatalf("fold: %v", err)
	}
	account, _ := store.GetAccount(context.Background(), accountID)
	if folded != account.Projection {
		test.Fatalf("journal fold %+v diverges from cached %+v", folded, account.Projection)
	}
	if account.Projection.Total < 0 || account.Projection.Spendable() < 0 {
		test.Fatalf("negative balance: %+v", account.Projection)
	}
}

package purchase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

type scriptedGateway struct {
	mutex    sync.Mutex
	outcomes []provider.Outcome
	calls    atomic.Int32
	requests []provider.SubmitRequest
}

func (gateway *scriptedGateway) Submit(ctx context.Context, request provider.SubmitRequest) provider.Outcome {
	gateway.calls.Add(1)
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.requests = append(gateway.requests, request)
	if len(gateway.outcomes) == 0 {
		return provider.Success("ref-" + request.IdempotencyKey[:8])
	}
	outcome := gateway.outcomes[0]
	gateway.outcomes = gateway.outcomes[1:]
	return outcome
}

// cancellingWallet cancels the caller's context right after reserving.
type cancellingWallet struct {
	purchase.Wallet
	cancel context.CancelFunc
}

func (wallet cancellingWallet) Reserve(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveAmountCents, purchaseRef string) (ledger.Reservation, error) {
	reservation, err := wallet.Wallet.Reserve(ctx, accountID, amount, purchaseRef)
	wallet.cancel()
	return reservation, err
}

type recordingRecorder struct {
	mutex       sync.Mutex
	transitions []purchase.State
}

func (recorder *recordingRecorder) PurchaseTransitioned(_ vas.ServiceType, _ purchase.State, to purchase.State) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.transitions = append(recorder.transitions, to)
}

type harness struct {
	store        *gormstore.Store
	ledger       *ledger.Service
	gateway      *scriptedGateway
	orchestrator *purchase.Orchestrator
	recorder     *recordingRecorder
	now          time.Time
}

func newHarness(test *testing.T, options ...purchase.Option) *harness {
	test.Helper()
	db, cleanup, _, err := gormstore.Open(context.Background(), ":memory:")
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	test.Cleanup(func() { _ = cleanup() })
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	h := &harness{
		store:    store,
		gateway:  &scriptedGateway{},
		recorder: &recordingRecorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.ledger, err = ledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	engine, err := pricing.NewEngine(pricing.Markups{
		vas.ServiceAirtime:     40,
		vas.ServiceData:        70,
		vas.ServiceCable:       100,
		vas.ServiceElectricity: 300,
	})
	if err != nil {
		test.Fatalf("pricing: %v", err)
	}
	options = append([]purchase.Option{purchase.WithClock(clock), purchase.WithRecorder(h.recorder)}, options...)
	h.orchestrator, err = purchase.NewOrchestrator(store, h.ledger, h.gateway, engine, options...)
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	return h
}

func (h *harness) fund(test *testing.T, accountID ledger.AccountID, amount int64) {
	test.Helper()
	if err := h.ledger.Credit(context.Background(), accountID, ledger.AmountCents(amount), fmt.Sprintf("fund-%d", amount)); err != nil {
		test.Fatalf("credit: %v", err)
	}
}

func (h *harness) balance(test *testing.T, accountID ledger.AccountID) ledger.Balance {
	test.Helper()
	balance, err := h.ledger.Verify(context.Background(), accountID)
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	return balance
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func airtimeInput(accountID ledger.AccountID, nonce string) purchase.ExecuteInput {
	return purchase.ExecuteInput{
		AccountID:  accountID,
		Target:     vas.AirtimeTarget{Phone: "08031234567", Network: vas.NetworkMTN},
		BaseAmount: 500,
		Nonce:      nonce,
	}
}

func TestExecuteSucceedsAndCommits(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-1")
	h.fund(test, accountID, 1000)

	request, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	if request.State != purchase.StateSucceeded || request.QuotedPrice != 540 || request.ProviderRef == "" {
		test.Fatalf("unexpected request: %+v", request)
	}
	if request.Err() != nil {
		test.Fatalf("expected nil Err, got %v", request.Err())
	}
	balance := h.balance(test, accountID)
	if balance.TotalCents != 460 || balance.HeldCents != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}

	history, err := h.orchestrator.History(context.Background(), request.ID)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	wantStates := []purchase.State{purchase.StateQuoted, purchase.StateReserved, purchase.StateSubmitted, purchase.StateSucceeded}
	if len(history) != len(wantStates) {
		test.Fatalf("expected %d transitions, got %+v", len(wantStates), history)
	}
	for index, state := range wantStates {
		if history[index].To != state {
			test.Fatalf("transition %d: expected %s, got %s", index, state, history[index].To)
		}
	}
	if len(h.recorder.transitions) != len(wantStates) {
		test.Fatalf("recorder saw %v", h.recorder.transitions)
	}
	if h.gateway.requests[0].Payload["provider_id"] != 1 {
		test.Fatalf("unexpected provider payload: %+v", h.gateway.requests[0].Payload)
	}
}

func TestExecuteInsufficientFundsSkipsProvider(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-2")
	h.fund(test, accountID, 100)

	request, err := h.orchestrator.Execute(context.Background(), purchase.ExecuteInput{
		AccountID:  accountID,
		Target:     vas.DataTarget{Phone: "08031234567", BundleID: 45},
		BaseAmount: 200,
		Nonce:      "msg-1",
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if request.State != purchase.StateFailed || request.FailureCode != purchase.FailureInsufficientFunds || request.QuotedPrice != 270 {
		test.Fatalf("unexpected request: %+v", request)
	}
	if h.gateway.calls.Load() != 0 {
		test.Fatalf("provider must not be called")
	}
	balance := h.balance(test, accountID)
	if balance.TotalCents != 100 || balance.HeldCents != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestExecuteAmbiguousThenRejectedReleases(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-3")
	h.fund(test, accountID, 1000)
	h.gateway.outcomes = []provider.Outcome{provider.Ambiguous("timeout")}

	request, err := h.orchestrator.Execute(context.Background(), purchase.ExecuteInput{
		AccountID:  accountID,
		Target:     vas.ElectricityTarget{Meter: "45012345678", Disco: "ikeja"},
		BaseAmount: 300,
		Nonce:      "msg-1",
	})
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	if request.State != purchase.StatePendingReconcile || !errors.Is(request.Err(), purchase.ErrProviderAmbiguous) {
		test.Fatalf("unexpected request: %+v", request)
	}
	balance := h.balance(test, accountID)
	if balance.TotalCents != 1000 || balance.HeldCents != 600 || balance.SpendableCents != 400 {
		test.Fatalf("unexpected pending balance: %+v", balance)
	}

	resolved, err := h.orchestrator.Resolve(context.Background(), request.ID, provider.Rejected("unknown to provider"))
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if resolved.State != purchase.StateFailed || !resolved.RolledBack {
		test.Fatalf("unexpected resolved request: %+v", resolved)
	}
	balance = h.balance(test, accountID)
	if balance.TotalCents != 1000 || balance.HeldCents != 0 {
		test.Fatalf("unexpected final balance: %+v", balance)
	}
}

func TestExecuteReplayReturnsStoredResult(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-4")
	h.fund(test, accountID, 1000)

	first, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	second, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID || second.State != purchase.StateSucceeded {
		test.Fatalf("expected replay of %s, got %+v", first.ID, second)
	}
	if h.gateway.calls.Load() != 1 {
		test.Fatalf("expected one provider call, got %d", h.gateway.calls.Load())
	}
	if balance := h.balance(test, accountID); balance.TotalCents != 460 {
		test.Fatalf("replay must not charge again: %+v", balance)
	}

	third, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, "msg-2"))
	if err != nil {
		test.Fatalf("execute new nonce: %v", err)
	}
	if third.ID == first.ID {
		test.Fatalf("a new nonce must create a new purchase")
	}
}

func TestExecuteDuplicateInFlight(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-5")
	h.fund(test, accountID, 1000)
	h.gateway.outcomes = []provider.Outcome{provider.Ambiguous("timeout")}

	pending, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	replay, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, "msg-1"))
	if !errors.Is(err, purchase.ErrDuplicateInFlight) {
		test.Fatalf("expected ErrDuplicateInFlight, got %v", err)
	}
	if replay.ID != pending.ID {
		test.Fatalf("expected the in-flight purchase, got %+v", replay)
	}
	if h.gateway.calls.Load() != 1 {
		test.Fatalf("expected one provider call, got %d", h.gateway.calls.Load())
	}
}

func TestExecuteRejectedRollsBack(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-6")
	h.fund(test, accountID, 1000)
	h.gateway.outcomes = []provider.Outcome{provider.Rejected("invalid phone")}

	request, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	if request.State != purchase.StateFailed || !request.RolledBack || !errors.Is(request.Err(), purchase.ErrProviderRejected) {
		test.Fatalf("unexpected request: %+v", request)
	}
	if balance := h.balance(test, accountID); balance.TotalCents != 1000 || balance.HeldCents != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestExecuteCancelledBeforeSubmit(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-7")
	h.fund(test, accountID, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine, _ := pricing.NewEngine(pricing.Markups{
		vas.ServiceAirtime: 40, vas.ServiceData: 70, vas.ServiceCable: 100, vas.ServiceElectricity: 300,
	})
	orchestrator, err := purchase.NewOrchestrator(h.store, cancellingWallet{Wallet: h.ledger, cancel: cancel}, h.gateway, engine,
		purchase.WithClock(func() time.Time { return h.now }))
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}

	request, err := orchestrator.Execute(ctx, airtimeInput(accountID, "msg-1"))
	if !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context.Canceled, got %v", err)
	}
	if request.State != purchase.StateFailed || !request.RolledBack || request.FailureCode != purchase.FailureCancelled {
		test.Fatalf("unexpected request: %+v", request)
	}
	if h.gateway.calls.Load() != 0 {
		test.Fatalf("provider must not be called after cancellation")
	}
	if balance := h.balance(test, accountID); balance.TotalCents != 1000 || balance.HeldCents != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestResolveExhaustsAttempts(test *testing.T) {
	h := newHarness(test, purchase.WithMaxReconcileAttempts(2))
	accountID := mustAccountID(test, "chat-8")
	h.fund(test, accountID, 1000)
	h.gateway.outcomes = []provider.Outcome{provider.Ambiguous("timeout")}
	ctx := context.Background()

	request, err := h.orchestrator.Execute(ctx, airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	first, err := h.orchestrator.Resolve(ctx, request.ID, provider.Ambiguous("still pending"))
	if err != nil {
		test.Fatalf("first resolve: %v", err)
	}
	if first.ReconcileAttempts != 1 || first.NeedsReview {
		test.Fatalf("unexpected first attempt: %+v", first)
	}
	second, err := h.orchestrator.Resolve(ctx, request.ID, provider.Ambiguous("still pending"))
	if !errors.Is(err, purchase.ErrReconciliationExhausted) {
		test.Fatalf("expected ErrReconciliationExhausted, got %v", err)
	}
	if !second.NeedsReview || second.State != purchase.StatePendingReconcile {
		test.Fatalf("unexpected exhausted request: %+v", second)
	}
	if balance := h.balance(test, accountID); balance.HeldCents != 540 {
		test.Fatalf("funds must stay held while under review: %+v", balance)
	}

	manual, err := h.orchestrator.Resolve(ctx, request.ID, provider.Success("CDH-MANUAL"))
	if err != nil {
		test.Fatalf("manual resolve: %v", err)
	}
	if manual.State != purchase.StateSucceeded || manual.NeedsReview || manual.ProviderRef != "CDH-MANUAL" {
		test.Fatalf("unexpected manual resolution: %+v", manual)
	}
	if balance := h.balance(test, accountID); balance.TotalCents != 460 || balance.HeldCents != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestAbandonAndMarkPending(test *testing.T) {
	h := newHarness(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "chat-9")
	h.fund(test, accountID, 1000)

	request, err := h.orchestrator.Execute(ctx, airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	if _, err := h.orchestrator.Abandon(ctx, request.ID); err != nil {
		test.Fatalf("abandon terminal purchase: %v", err)
	}
	if _, err := h.orchestrator.MarkPending(ctx, request.ID, "late"); err != nil {
		test.Fatalf("mark pending on terminal purchase: %v", err)
	}
	if _, err := h.orchestrator.Get(ctx, "missing"); !errors.Is(err, purchase.ErrUnknownPurchase) {
		test.Fatalf("expected ErrUnknownPurchase, got %v", err)
	}
	listed, err := h.orchestrator.ListByAccount(ctx, accountID, 10)
	if err != nil || len(listed) != 1 {
		test.Fatalf("list by account: %d (%v)", len(listed), err)
	}
}

func TestExecuteRejectsInvalidInput(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-10")
	testCases := []struct {
		name    string
		input   purchase.ExecuteInput
		wantErr error
	}{
		{name: "zero amount", input: purchase.ExecuteInput{AccountID: accountID, Target: vas.AirtimeTarget{Phone: "0803", Network: vas.NetworkMTN}, Nonce: "n"}, wantErr: pricing.ErrInvalidAmount},
		{name: "missing nonce", input: purchase.ExecuteInput{AccountID: accountID, Target: vas.AirtimeTarget{Phone: "0803", Network: vas.NetworkMTN}, BaseAmount: 100}, wantErr: purchase.ErrInvalidRequest},
		{name: "missing target", input: purchase.ExecuteInput{AccountID: accountID, BaseAmount: 100, Nonce: "n"}, wantErr: purchase.ErrInvalidRequest},
		{name: "invalid target", input: purchase.ExecuteInput{AccountID: accountID, Target: vas.DataTarget{Phone: "0803"}, BaseAmount: 100, Nonce: "n"}, wantErr: vas.ErrInvalidTarget},
	}
	for _, testCase := range testCases {
		if _, err := h.orchestrator.Execute(context.Background(), testCase.input); !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
}

func TestConcurrentPurchasesNeverOverdraw(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-11")
	h.fund(test, accountID, 1000)

	const workers = 6
	var (
		waitGroup  sync.WaitGroup
		succeeded  atomic.Int32
		insufficed atomic.Int32
	)
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			request, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, fmt.Sprintf("msg-%d", index)))
			switch {
			case err == nil && request.State == purchase.StateSucceeded:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
				insufficed.Add(1)
			}
		}(index)
	}
	waitGroup.Wait()

	if succeeded.Load() != 1 || insufficed.Load() != workers-1 {
		test.Fatalf("expected one success, got %d succeeded and %d insufficient", succeeded.Load(), insufficed.Load())
	}
	if balance := h.balance(test, accountID); balance.TotalCents != 460 || balance.HeldCents != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestIdempotencyKeyIsDeterministic(test *testing.T) {
	accountID := mustAccountID(test, "chat-12")
	target := vas.AirtimeTarget{Phone: "08031234567", Network: vas.NetworkMTN}
	first := purchase.IdempotencyKey(accountID, target, "msg-1")
	if first != purchase.IdempotencyKey(accountID, target, "msg-1") {
		test.Fatalf("key must be deterministic")
	}
	if first == purchase.IdempotencyKey(accountID, target, "msg-2") {
		test.Fatalf("nonce must change the key")
	}
	if len(first) != 64 {
		test.Fatalf("expected hex sha256, got %q", first)
	}
}

// staleStore serves snapshot on the first GetPurchase, as a reader that
// loaded the purchase before another writer moved it.
type staleStore struct {
	purchase.Store
	mutex    sync.Mutex
	snapshot *purchase.Request
}

func (store *staleStore) GetPurchase(ctx context.Context, id string) (purchase.Request, error) {
	store.mutex.Lock()
	snapshot := store.snapshot
	store.snapshot = nil
	store.mutex.Unlock()
	if snapshot != nil && snapshot.ID == id {
		return *snapshot, nil
	}
	return store.Store.GetPurchase(ctx, id)
}

// hookGateway runs onSubmit while the purchase is at the provider.
type hookGateway struct {
	onSubmit func(request provider.SubmitRequest)
	outcome  provider.Outcome
}

func (gateway *hookGateway) Submit(_ context.Context, request provider.SubmitRequest) provider.Outcome {
	if gateway.onSubmit != nil {
		gateway.onSubmit(request)
	}
	return gateway.outcome
}

func mustEngine(test *testing.T) *pricing.Engine {
	test.Helper()
	engine, err := pricing.NewEngine(pricing.Markups{
		vas.ServiceAirtime: 40, vas.ServiceData: 70, vas.ServiceCable: 100, vas.ServiceElectricity: 300,
	})
	if err != nil {
		test.Fatalf("pricing: %v", err)
	}
	return engine
}

func TestAbandonWithStaleReadNeverReleasesSubmittedHold(test *testing.T) {
	h := newHarness(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "chat-13")
	h.fund(test, accountID, 1000)

	stale := &staleStore{Store: h.store}
	sweeper, err := purchase.NewOrchestrator(stale, h.ledger, h.gateway, mustEngine(test),
		purchase.WithClock(func() time.Time { return h.now }))
	if err != nil {
		test.Fatalf("sweeper: %v", err)
	}

	var abandonErr error
	gateway := &hookGateway{outcome: provider.Success("CDH-1")}
	gateway.onSubmit = func(request provider.SubmitRequest) {
		submitted, err := h.store.GetPurchaseByKey(ctx, request.IdempotencyKey)
		if err != nil {
			test.Errorf("lookup submitted: %v", err)
			return
		}
		reserved := submitted
		reserved.State = purchase.StateReserved
		reserved.Version = submitted.Version - 1
		stale.snapshot = &reserved
		_, abandonErr = sweeper.Abandon(ctx, submitted.ID)
	}
	orchestrator, err := purchase.NewOrchestrator(h.store, h.ledger, gateway, mustEngine(test),
		purchase.WithClock(func() time.Time { return h.now }))
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}

	request, err := orchestrator.Execute(ctx, airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	if !errors.Is(abandonErr, purchase.ErrStaleState) {
		test.Fatalf("expected the stale abandon to lose, got %v", abandonErr)
	}
	if request.State != purchase.StateSucceeded || request.ProviderRef != "CDH-1" {
		test.Fatalf("unexpected request: %+v", request)
	}
	if balance := h.balance(test, accountID); balance.TotalCents != 460 || balance.HeldCents != 0 {
		test.Fatalf("provider charge must be debited: %+v", balance)
	}
}

func TestResolveWithStaleReadKeepsFirstOutcome(test *testing.T) {
	h := newHarness(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "chat-14")
	h.fund(test, accountID, 1000)
	h.gateway.outcomes = []provider.Outcome{provider.Ambiguous("timeout")}

	pending, err := h.orchestrator.Execute(ctx, airtimeInput(accountID, "msg-1"))
	if err != nil {
		test.Fatalf("execute: %v", err)
	}
	if _, err := h.orchestrator.Resolve(ctx, pending.ID, provider.Success("CDH-2")); err != nil {
		test.Fatalf("resolve success: %v", err)
	}

	stale := &staleStore{Store: h.store, snapshot: &pending}
	other, err := purchase.NewOrchestrator(stale, h.ledger, h.gateway, mustEngine(test),
		purchase.WithClock(func() time.Time { return h.now }))
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	resolved, err := other.Resolve(ctx, pending.ID, provider.Rejected("operator says failed"))
	if err != nil {
		test.Fatalf("stale resolve: %v", err)
	}
	if resolved.State != purchase.StateSucceeded || resolved.RolledBack {
		test.Fatalf("first outcome must stand, got %+v", resolved)
	}
	if balance := h.balance(test, accountID); balance.TotalCents != 460 || balance.HeldCents != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestConcurrentDuplicateSubmissionsCallProviderOnce(test *testing.T) {
	h := newHarness(test)
	accountID := mustAccountID(test, "chat-15")
	h.fund(test, accountID, 5000)

	const workers = 8
	var (
		waitGroup sync.WaitGroup
		ids       sync.Map
		failures  atomic.Int32
	)
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			request, err := h.orchestrator.Execute(context.Background(), airtimeInput(accountID, "msg-1"))
			if err != nil && !errors.Is(err, purchase.ErrDuplicateInFlight) {
				failures.Add(1)
				return
			}
			ids.Store(request.ID, struct{}{})
		}()
	}
	waitGroup.Wait()

	if failures.Load() != 0 {
		test.Fatalf("unexpected errors: %d", failures.Load())
	}
	distinct := 0
	ids.Range(func(_, _ any) bool {
		distinct++
		return true
	})
	if distinct != 1 {
		test.Fatalf("expected one purchase, got %d", distinct)
	}
	if h.gateway.calls.Load() != 1 {
		test.Fatalf("expected one provider call, got %d", h.gateway.calls.Load())
	}
	if balance := h.balance(test, accountID); balance.TotalCents != 4460 || balance.HeldCents != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

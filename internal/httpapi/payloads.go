package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/vasledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/internal/reconcile"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

type creditRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
}

type purchaseRequest struct {
	Service     string          `json:"service"`
	Target      json.RawMessage `json:"target"`
	AmountCents int64           `json:"amount_cents"`
	Nonce       string          `json:"nonce"`
}

// executeInput decodes the service specific target and prices it from the
// catalog. The Idempotency-Key header is used when the body has no nonce.
func (request purchaseRequest) executeInput(accountID ledger.AccountID, headerNonce string) (purchase.ExecuteInput, error) {
	serviceType, err := vas.ParseServiceType(request.Service)
	if err != nil {
		return purchase.ExecuteInput{}, err
	}
	if len(request.Target) == 0 {
		return purchase.ExecuteInput{}, fmt.Errorf("%w: target is required", vas.ErrInvalidTarget)
	}
	target, err := vas.UnmarshalTarget(serviceType, request.Target)
	if err != nil {
		return purchase.ExecuteInput{}, err
	}
	target, baseAmount, err := catalog.Resolve(target, request.AmountCents)
	if err != nil {
		return purchase.ExecuteInput{}, err
	}
	nonce := strings.TrimSpace(request.Nonce)
	if nonce == "" {
		nonce = strings.TrimSpace(headerNonce)
	}
	return purchase.ExecuteInput{
		AccountID:  accountID,
		Target:     target,
		BaseAmount: baseAmount,
		Nonce:      nonce,
	}, nil
}

type resolveRequest struct {
	Outcome     string `json:"outcome"`
	ProviderRef string `json:"provider_ref"`
	Reason      string `json:"reason"`
}

func (request resolveRequest) outcome() (provider.Outcome, error) {
	reason := strings.TrimSpace(request.Reason)
	switch provider.OutcomeKind(strings.ToLower(strings.TrimSpace(request.Outcome))) {
	case provider.OutcomeSuccess:
		if strings.TrimSpace(request.ProviderRef) == "" {
			return provider.Outcome{}, fmt.Errorf("provider_ref is required for a successful outcome")
		}
		return provider.Success(strings.TrimSpace(request.ProviderRef)), nil
	case provider.OutcomeRejected:
		if reason == "" {
			reason = "rejected by operator"
		}
		return provider.Rejected(reason), nil
	}
	return provider.Outcome{}, fmt.Errorf("outcome must be %q or %q", provider.OutcomeSuccess, provider.OutcomeRejected)
}

type verifyMeterRequest struct {
	Meter string `json:"meter"`
	Disco string `json:"disco"`
}

type walletResponse struct {
	AccountID string         `json:"account_id"`
	Balance   balancePayload `json:"balance"`
	Entries   []entryPayload `json:"entries"`
}

type balancePayload struct {
	TotalCents     int64 `json:"total_cents"`
	HeldCents      int64 `json:"held_cents"`
	SpendableCents int64 `json:"spendable_cents"`
}

type entryPayload struct {
	EntryID          string          `json:"entry_id"`
	Kind             string          `json:"kind"`
	AmountCents      int64           `json:"amount_cents"`
	ReservationToken string          `json:"reservation_token,omitempty"`
	PurchaseRef      string          `json:"purchase_ref,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`
	Metadata         json.RawMessage `json:"metadata"`
	CreatedAt        time.Time       `json:"created_at"`
}

func newWalletResponse(accountID ledger.AccountID, balance ledger.Balance, entries []ledger.Entry) walletResponse {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		metadata := entry.Metadata.String()
		if metadata == "" {
			metadata = "{}"
		}
		payloads = append(payloads, entryPayload{
			EntryID:          entry.EntryID,
			Kind:             entry.Kind.String(),
			AmountCents:      int64(entry.AmountCents),
			ReservationToken: entry.ReservationToken,
			PurchaseRef:      entry.PurchaseRef,
			IdempotencyKey:   entry.IdempotencyKey.String(),
			Metadata:         json.RawMessage(metadata),
			CreatedAt:        entry.CreatedAt,
		})
	}
	return walletResponse{
		AccountID: accountID.String(),
		Balance: balancePayload{
			TotalCents:     int64(balance.TotalCents),
			HeldCents:      int64(balance.HeldCents),
			SpendableCents: int64(balance.SpendableCents),
		},
		Entries: payloads,
	}
}

type purchasePayload struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Service           string          `json:"service"`
	Target            json.RawMessage `json:"target"`
	BaseAmountCents   int64           `json:"base_amount_cents"`
	PriceCents        int64           `json:"price_cents"`
	State             string          `json:"state"`
	ProviderRef       string          `json:"provider_ref,omitempty"`
	FailureCode       string          `json:"failure_code,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	RolledBack        bool            `json:"rolled_back"`
	ReconcileAttempts int             `json:"reconcile_attempts"`
	NeedsReview       bool            `json:"needs_review"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func newPurchasePayload(request purchase.Request) purchasePayload {
	target := json.RawMessage("null")
	if request.Target != nil {
		if raw, err := vas.MarshalTarget(request.Target); err == nil {
			target = raw
		}
	}
	return purchasePayload{
		ID:                request.ID,
		AccountID:         request.AccountID.String(),
		Service:           request.ServiceType.String(),
		Target:            target,
		BaseAmountCents:   request.BaseAmount,
		PriceCents:        request.QuotedPrice,
		State:             request.State.String(),
		ProviderRef:       request.ProviderRef,
		FailureCode:       string(request.FailureCode),
		FailureReason:     request.FailureReason,
		RolledBack:        request.RolledBack,
		ReconcileAttempts: request.ReconcileAttempts,
		NeedsReview:       request.NeedsReview,
		CreatedAt:         request.CreatedAt,
		UpdatedAt:         request.UpdatedAt,
	}
}

type transitionPayload struct {
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

func newTransitionPayload(transition purchase.Transition) transitionPayload {
	return transitionPayload{
		From:        transition.From.String(),
		To:          transition.To.String(),
		ProviderRef: transition.ProviderRef,
		Reason:      transition.Reason,
		At:          transition.At,
	}
}

type reportPayload struct {
	MarkedPending int `json:"marked_pending"`
	Abandoned     int `json:"abandoned"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	StillPending  int `json:"still_pending"`
	Exhausted     int `json:"exhausted"`
	Committed     int `json:"committed"`
	Released      int `json:"released"`
	Errors        int `json:"errors"`
}

func newReportPayload(report reconcile.Report) reportPayload {
	return reportPayload(report)
}

type catalogResponse struct {
	Networks       []networkPayload  `json:"networks"`
	DataPlans      []dataPlanPayload `json:"data_plans"`
	CableProviders []namedPayload    `json:"cable_providers"`
	Discos         []namedPayload    `json:"discos"`
	CablePrice     int64             `json:"cable_base_price_cents"`
}

type networkPayload struct {
	Name       string `json:"name"`
	ProviderID int    `json:"provider_id"`
}

type dataPlanPayload struct {
	ID         int    `json:"id"`
	Network    string `json:"network"`
	Size       string `json:"size"`
	PriceCents int64  `json:"price_cents"`
}

type namedPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func newCatalogResponse() catalogResponse {
	response := catalogResponse{CablePrice: catalog.CableBasePrice}
	for _, network := range vas.Networks() {
		response.Networks = append(response.Networks, networkPayload{Name: network.String(), ProviderID: network.ProviderID()})
	}
	for _, plan := range catalog.DataPlans() {
		response.DataPlans = append(response.DataPlans, dataPlanPayload{
			ID:         plan.ID,
			Network:    plan.Network.String(),
			Size:       plan.Size,
			PriceCents: plan.PriceCents,
		})
	}
	for _, cableProvider := range catalog.CableProviders() {
		response.CableProviders = append(response.CableProviders, namedPayload{ID: cableProvider.ID, Name: cableProvider.Name})
	}
	for _, disco := range catalog.Discos() {
		response.Discos = append(response.Discos, namedPayload{ID: disco.ID, Name: disco.Name})
	}
	return response
}

// describe renders the customer-facing summary of a purchase.
func describe(request purchase.Request) string {
	switch request.State {
	case purchase.StateSucceeded:
		return fmt.Sprintf("purchase completed, charged %s", formatNaira(request.QuotedPrice))
	case purchase.StatePendingReconcile, purchase.StateSubmitted:
		return "pending, we'll confirm shortly"
	case purchase.StateFailed:
		switch request.FailureCode {
		case purchase.FailureInsufficientFunds:
			return fmt.Sprintf("insufficient balance, need %s", formatNaira(request.QuotedPrice))
		case purchase.FailureProviderRejected:
			return "purchase failed, funds returned: " + request.FailureReason
		case purchase.FailureAccountFrozen:
			return "wallet is frozen, contact support"
		}
		return "purchase failed"
	}
	return "purchase in progress"
}

func formatNaira(kobo int64) string {
	if kobo%100 == 0 {
		return fmt.Sprintf("NGN %d", kobo/100)
	}
	return fmt.Sprintf("NGN %d.%02d", kobo/100, kobo%100)
}

package gormstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/vas"
)

// CreatePurchase inserts a purchase and its first audit record. The unique
// idempotency key index makes concurrent duplicates lose.
func (store *Store) CreatePurchase(ctx context.Context, request purchase.Request, transition purchase.Transition) error {
	row, err := purchaseRow(request)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, purchase.ErrDuplicatePurchase)
			}
			return wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
		}
		audit := transitionRow(transition)
		if err := transaction.Create(&audit).Error; err != nil {
			return wrapStoreError(errorSubjectTransition, errorCodeInsert, err)
		}
		return nil
	})
}

func (store *Store) GetPurchase(ctx context.Context, id string) (purchase.Request, error) {
	return store.findPurchase(ctx, "id = ?", id)
}

func (store *Store) GetPurchaseByKey(ctx context.Context, idempotencyKey string) (purchase.Request, error) {
	return store.findPurchase(ctx, "idempotency_key = ?", idempotencyKey)
}

// TransitionPurchase is a compare-and-set on the purchase version.
func (store *Store) TransitionPurchase(ctx context.Context, request purchase.Request, expectedVersion int64, transition purchase.Transition) error {
	row, err := purchaseRow(request)
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&Purchase{}).
			Where("id = ? AND version = ?", row.ID, expectedVersion).
			Updates(map[string]any{
				"state":              row.State,
				"reservation_token":  row.ReservationToken,
				"provider_ref":       row.ProviderRef,
				"failure_code":       row.FailureCode,
				"failure_reason":     row.FailureReason,
				"rolled_back":        row.RolledBack,
				"reconcile_attempts": row.ReconcileAttempts,
				"needs_review":       row.NeedsReview,
				"version":            row.Version,
				"updated_at":         row.UpdatedAt,
			})
		if result.Error != nil {
			return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			return wrapStoreError(errorSubjectPurchase, errorCodeUpdate, purchase.ErrStaleState)
		}
		audit := transitionRow(transition)
		if err := transaction.Create(&audit).Error; err != nil {
			return wrapStoreError(errorSubjectTransition, errorCodeInsert, err)
		}
		return nil
	})
}

func (store *Store) ListPurchasesByState(ctx context.Context, state purchase.State, olderThan time.Time, limit int) ([]purchase.Request, error) {
	if err := requirePositiveLimit(limit); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	var rows []Purchase
	err := store.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", state.String(), olderThan.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	return mapPurchases(rows)
}

func (store *Store) ListPurchasesByAccount(ctx context.Context, accountID ledger.AccountID, limit int) ([]purchase.Request, error) {
	if err := requirePositiveLimit(limit); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	var rows []Purchase
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	return mapPurchases(rows)
}

func (store *Store) ListTransitions(ctx context.Context, purchaseID string) ([]purchase.Transition, error) {
	var rows []PurchaseTransition
	err := store.db.WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransition, errorCodeList, err)
	}
	transitions := make([]purchase.Transition, 0, len(rows))
	for _, row := range rows {
		to, err := purchase.ParseState(row.ToState)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransition, errorCodeInvalid, err)
		}
		var from purchase.State
		if row.FromState != "" {
			if from, err = purchase.ParseState(row.FromState); err != nil {
				return nil, wrapStoreError(errorSubjectTransition, errorCodeInvalid, err)
			}
		}
		transitions = append(transitions, purchase.Transition{
			PurchaseID:  row.PurchaseID,
			From:        from,
			To:          to,
			ProviderRef: row.ProviderRef,
			Reason:      row.Reason,
			At:          row.At.UTC(),
		})
	}
	return transitions, nil
}

func (store *Store) findPurchase(ctx context.Context, condition string, value string) (purchase.Request, error) {
	var row Purchase
	err := store.db.WithContext(ctx).Where(condition, value).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return purchase.Request{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, purchase.ErrUnknownPurchase)
	}
	if err != nil {
		return purchase.Request{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	request, err := mapPurchase(row)
	if err != nil {
		return purchase.Request{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return request, nil
}

func purchaseRow(request purchase.Request) (Purchase, error) {
	target, err := vas.MarshalTarget(request.Target)
	if err != nil {
		return Purchase{}, err
	}
	payload, err := json.Marshal(request.ProviderPayload)
	if err != nil {
		return Purchase{}, err
	}
	return Purchase{
		ID:                request.ID,
		IdempotencyKey:    request.IdempotencyKey,
		AccountID:         request.AccountID.String(),
		ServiceType:       request.ServiceType.String(),
		Target:            datatypes.JSON(target),
		BaseAmount:        request.BaseAmount,
		QuotedPrice:       request.QuotedPrice,
		ProviderPayload:   datatypes.JSON(payload),
		State:             request.State.String(),
		ReservationToken:  request.ReservationToken,
		ProviderRef:       request.ProviderRef,
		FailureCode:       string(request.FailureCode),
		FailureReason:     request.FailureReason,
		RolledBack:        request.RolledBack,
		ReconcileAttempts: request.ReconcileAttempts,
		NeedsReview:       request.NeedsReview,
		Version:           request.Version,
		CreatedAt:         request.CreatedAt.UTC(),
		UpdatedAt:         request.UpdatedAt.UTC(),
	}, nil
}

func mapPurchases(rows []Purchase) ([]purchase.Request, error) {
	requests := make([]purchase.Request, 0, len(rows))
	for _, row := range rows {
		request, err := mapPurchase(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func mapPurchase(row Purchase) (purchase.Request, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return purchase.Request{}, err
	}
	serviceType, err := vas.ParseServiceType(row.ServiceType)
	if err != nil {
		return purchase.Request{}, err
	}
	target, err := vas.UnmarshalTarget(serviceType, row.Target)
	if err != nil {
		return purchase.Request{}, err
	}
	var payload provider.Payload
	if len(row.ProviderPayload) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(row.ProviderPayload))
		decoder.UseNumber()
		if err := decoder.Decode(&payload); err != nil {
			return purchase.Request{}, err
		}
	}
	state, err := purchase.ParseState(row.State)
	if err != nil {
		return purchase.Request{}, err
	}
	return purchase.Request{
		ID:                row.ID,
		IdempotencyKey:    row.IdempotencyKey,
		AccountID:         accountID,
		ServiceType:       serviceType,
		Target:            target,
		BaseAmount:        row.BaseAmount,
		QuotedPrice:       row.QuotedPrice,
		ProviderPayload:   payload,
		State:             state,
		ReservationToken:  row.ReservationToken,
		ProviderRef:       row.ProviderRef,
		FailureCode:       purchase.FailureCode(row.FailureCode),
		FailureReason:     row.FailureReason,
		RolledBack:        row.RolledBack,
		ReconcileAttempts: row.ReconcileAttempts,
		NeedsReview:       row.NeedsReview,
		Version:           row.Version,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
	}, nil
}

func transitionRow(transition purchase.Transition) PurchaseTransition {
	return PurchaseTransition{
		PurchaseID:  transition.PurchaseID,
		FromState:   transition.From.String(),
		ToState:     transition.To.String(),
		ProviderRef: transition.ProviderRef,
		Reason:      transition.Reason,
		At:          transition.At.UTC(),
	}
}

// Package logging builds the process logger and adapts it to the ledger's
// operation log hook.
package logging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
)

// New returns a production logger at the given level, or a development
// logger when development is set.
func New(level string, development bool) (*zap.Logger, error) {
	parsed := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := parsed.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

// LedgerLogger writes ledger operations to zap. Rejections the caller can
// act on are warnings; freezes and unexpected failures are errors.
type LedgerLogger struct {
	logger *zap.Logger
}

// NewLedgerLogger wraps logger; a nil logger discards everything.
func NewLedgerLogger(logger *zap.Logger) *LedgerLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerLogger{logger: logger.Named("ledger")}
}

// LogOperation implements ledger.OperationLogger.
func (ledgerLogger *LedgerLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount_cents", int64(entry.Amount)),
		zap.Int64("total_cents", int64(entry.Balance.TotalCents)),
		zap.Int64("held_cents", int64(entry.Balance.HeldCents)),
		zap.String("status", entry.Status),
	}
	if entry.ReservationToken != "" {
		fields = append(fields, zap.String("reservation_token", entry.ReservationToken))
	}
	if entry.PurchaseRef != "" {
		fields = append(fields, zap.String("purchase_ref", entry.PurchaseRef))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		var operationError ledger.OperationError
		if errors.As(entry.Error, &operationError) {
			fields = append(fields,
				zap.String("error_operation", operationError.Operation()),
				zap.String("error_subject", operationError.Subject()),
				zap.String("error_code", operationError.Code()),
			)
		}
	}

	switch {
	case entry.Operation == "freeze":
		ledgerLogger.logger.Error("account frozen", fields...)
	case entry.Error == nil:
		ledgerLogger.logger.Info("ledger operation", fields...)
	case expected(entry.Error):
		ledgerLogger.logger.Warn("ledger operation rejected", fields...)
	default:
		ledgerLogger.logger.Error("ledger operation failed", fields...)
	}
}

func expected(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrAccountFrozen) ||
		errors.Is(err, ledger.ErrReservationClosed) ||
		errors.Is(err, ledger.ErrUnknownReservation) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey)
}

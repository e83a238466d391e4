package logging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
)

func TestLedgerLoggerLevels(test *testing.T) {
	testCases := []struct {
		name      string
		entry     ledger.OperationLog
		wantLevel zapcore.Level
		wantMsg   string
	}{
		{
			name:      "success",
			entry:     ledger.OperationLog{Operation: "credit", Amount: 500, Status: "ok"},
			wantLevel: zapcore.InfoLevel,
			wantMsg:   "ledger operation",
		},
		{
			name:      "insufficient funds",
			entry:     ledger.OperationLog{Operation: "reserve", Status: "error", Error: ledger.ErrInsufficientFunds},
			wantLevel: zapcore.WarnLevel,
			wantMsg:   "ledger operation rejected",
		},
		{
			name:      "store failure",
			entry:     ledger.OperationLog{Operation: "commit", Status: "error", Error: errors.New("disk full")},
			wantLevel: zapcore.ErrorLevel,
			wantMsg:   "ledger operation failed",
		},
		{
			name:      "freeze",
			entry:     ledger.OperationLog{Operation: "freeze", Status: "error", Error: ledger.ErrIntegrityViolation},
			wantLevel: zapcore.ErrorLevel,
			wantMsg:   "account frozen",
		},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			core, recorded := observer.New(zapcore.DebugLevel)
			NewLedgerLogger(zap.New(core)).LogOperation(context.Background(), testCase.entry)
			entries := recorded.All()
			if len(entries) != 1 {
				test.Fatalf("expected one entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.wantLevel || entries[0].Message != testCase.wantMsg {
				test.Fatalf("unexpected entry: %s %q", entries[0].Level, entries[0].Message)
			}
			if entries[0].ContextMap()["operation"] != testCase.entry.Operation {
				test.Fatalf("missing operation field: %v", entries[0].ContextMap())
			}
		})
	}
}

func TestLedgerLoggerOptionalFields(test *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	NewLedgerLogger(zap.New(core)).LogOperation(context.Background(), ledger.OperationLog{
		Operation:        "reserve",
		ReservationToken: "token-1",
		PurchaseRef:      "purchase-1",
		Status:           "ok",
	})
	fields := recorded.All()[0].ContextMap()
	if fields["reservation_token"] != "token-1" || fields["purchase_ref"] != "purchase-1" {
		test.Fatalf("unexpected fields: %v", fields)
	}
}

func TestLedgerLoggerReportsErrorCode(test *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	storeError := ledger.WrapError("store", "reservation", "update_status", errors.New("connection reset"))
	NewLedgerLogger(zap.New(core)).LogOperation(context.Background(), ledger.OperationLog{
		Operation: "commit",
		Status:    "error",
		Error:     fmt.Errorf("commit: %w", storeError),
	})
	fields := recorded.All()[0].ContextMap()
	if fields["error_operation"] != "store" || fields["error_subject"] != "reservation" || fields["error_code"] != "update_status" {
		test.Fatalf("unexpected error fields: %v", fields)
	}
}

func TestNewRejectsUnknownLevel(test *testing.T) {
	if _, err := New("loud", false); err == nil {
		test.Fatalf("expected level error")
	}
	logger, err := New("debug", true)
	if err != nil {
		test.Fatalf("new: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		test.Fatalf("debug level not applied")
	}
}

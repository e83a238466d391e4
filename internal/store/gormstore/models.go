package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table and carries the cached projection.
type Account struct {
	AccountID    string    `gorm:"primaryKey"`
	TotalCents   int64     `gorm:"not null;default:0"`
	HeldCents    int64     `gorm:"not null;default:0"`
	Version      int64     `gorm:"not null;default:0"`
	Frozen       bool      `gorm:"not null;default:false"`
	FrozenReason string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the append-only ledger_entries table. Sequence orders
// entries written within the same instant.
type LedgerEntry struct {
	Sequence         uint64         `gorm:"primaryKey;autoIncrement"`
	EntryID          string         `gorm:"not null;uniqueIndex"`
	AccountID        string         `gorm:"not null;uniqueIndex:uniq_entry_idem,priority:1;index:idx_ledger_account_created,priority:1"`
	Kind             string         `gorm:"not null"`
	AmountCents      int64          `gorm:"not null"`
	ReservationToken *string        `gorm:"index"`
	PurchaseRef      *string        `gorm:"index"`
	IdempotencyKey   string         `gorm:"not null;uniqueIndex:uniq_entry_idem,priority:2"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;autoCreateTime:false;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	Token       string    `gorm:"primaryKey"`
	AccountID   string    `gorm:"not null;index"`
	AmountCents int64     `gorm:"not null"`
	Status      string    `gorm:"not null;index:idx_reservations_status_expiry,priority:1"`
	PurchaseRef string    `gorm:"not null;default:'';index"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime:false"`
	ExpiresAt   time.Time `gorm:"not null;index:idx_reservations_status_expiry,priority:2"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// Purchase mirrors the purchases registry table.
type Purchase struct {
	ID                string         `gorm:"primaryKey"`
	IdempotencyKey    string         `gorm:"not null;uniqueIndex"`
	AccountID         string         `gorm:"not null;index:idx_purchases_account_created,priority:1"`
	ServiceType       string         `gorm:"not null"`
	Target            datatypes.JSON `gorm:"not null"`
	BaseAmount        int64          `gorm:"not null"`
	QuotedPrice       int64          `gorm:"not null"`
	ProviderPayload   datatypes.JSON `gorm:"not null"`
	State             string         `gorm:"not null;index:idx_purchases_state_updated,priority:1"`
	ReservationToken  string         `gorm:"not null;default:''"`
	ProviderRef       string         `gorm:"not null;default:''"`
	FailureCode       string         `gorm:"not null;default:''"`
	FailureReason     string         `gorm:"not null;default:''"`
	RolledBack        bool           `gorm:"not null;default:false"`
	ReconcileAttempts int            `gorm:"not null;default:0"`
	NeedsReview       bool           `gorm:"not null;default:false"`
	Version           int64          `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;autoCreateTime:false;index:idx_purchases_account_created,priority:2"`
	UpdatedAt         time.Time      `gorm:"not null;autoUpdateTime:false;index:idx_purchases_state_updated,priority:2"`
}

func (Purchase) TableName() string { return "purchases" }

// PurchaseTransition is the audit trail of purchase state changes.
type PurchaseTransition struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	PurchaseID  string    `gorm:"not null;index"`
	FromState   string    `gorm:"not null;default:''"`
	ToState     string    `gorm:"not null"`
	ProviderRef string    `gorm:"not null;default:''"`
	Reason      string    `gorm:"not null;default:''"`
	At          time.Time `gorm:"not null"`
}

func (PurchaseTransition) TableName() string { return "purchase_transitions" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &Reservation{}, &Purchase{}, &PurchaseTransition{}}
}

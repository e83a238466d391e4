package ledger

import (
	"fmt"
	"math"
)

// Projection is the balance state derived from an account's journal.
//
// Total counts credits minus committed debits. Held counts reservations that
// were neither committed nor released. Spendable is Total minus Held.
type Projection struct {
	Total AmountCents
	Held  AmountCents
}

// Spendable returns the amount available for new reservations.
func (projection Projection) Spendable() AmountCents {
	return projection.Total - projection.Held
}

// Balance converts the projection into the public balance view.
func (projection Projection) Balance() Balance {
	return Balance{
		TotalCents:     projection.Total,
		HeldCents:      projection.Held,
		SpendableCents: projection.Spendable(),
	}
}

// Apply returns the projection after appending one entry.
func (projection Projection) Apply(kind EntryKind, amount PositiveAmountCents) (Projection, error) {
	total := projection.Total.Int64()
	held := projection.Held.Int64()
	delta := amount.Int64()
	switch kind {
	case EntryCredit:
		if total > math.MaxInt64-delta {
			return Projection{}, WrapError(errorOperationService, errorSubjectBalance, errorCodeOverflow, ErrInvalidAmount)
		}
		total += delta
	case EntryDebitReserve:
		held += delta
	case EntryDebitRelease:
		held -= delta
	case EntryDebitCommit:
		held -= delta
		total -= delta
	default:
		return Projection{}, fmt.Errorf("%w: %q", ErrInvalidEntryKind, kind)
	}
	next := Projection{Total: AmountCents(total), Held: AmountCents(held)}
	if err := next.validate(); err != nil {
		return Projection{}, err
	}
	return next, nil
}

func (projection Projection) validate() error {
	if projection.Total < 0 || projection.Held < 0 || projection.Held > projection.Total {
		return WrapError(errorOperationService, errorSubjectBalance, errorCodeNegative,
			fmt.Errorf("%w: total=%d held=%d", ErrIntegrityViolation, projection.Total, projection.Held))
	}
	return nil
}

// Fold derives a projection from per-kind journal sums.
func Fold(sums map[EntryKind]int64) (Projection, error) {
	projection := Projection{
		Total: AmountCents(sums[EntryCredit] - sums[EntryDebitCommit]),
		Held:  AmountCents(sums[EntryDebitReserve] - sums[EntryDebitRelease] - sums[EntryDebitCommit]),
	}
	if err := projection.validate(); err != nil {
		return Projection{}, err
	}
	return projection, nil
}

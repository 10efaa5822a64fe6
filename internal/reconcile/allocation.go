package reconcile

import (
	"errors"

	"github.com/shopspring/decimal"

	invoicedomain "github.com/takahq/takaops/internal/invoice/domain"
)

// ErrAllocationInvariant marks an allocation that would corrupt the
// ledger. The surrounding transaction must roll back.
var ErrAllocationInvariant = errors.New("allocation_invariant_violation")

// Slice is one planned cut of money against one invoice.
type Slice struct {
	Invoice *invoicedomain.Invoice
	Amount  decimal.Decimal
}

// Plan distributes amount across outstanding invoices, oldest due date
// first, settling each in full before moving on. It returns the planned
// slices and whatever money is left over. Plan only reads; applying the
// slices is the caller's transaction.
func Plan(amount decimal.Decimal, outstanding []*invoicedomain.Invoice) ([]Slice, decimal.Decimal) {
	remaining := amount
	var slices []Slice
	for _, inv := range outstanding {
		if !remaining.IsPositive() {
			break
		}
		if !inv.Outstanding() {
			continue
		}
		take := decimal.Min(remaining, inv.RemainingBalance)
		slices = append(slices, Slice{Invoice: inv, Amount: take})
		remaining = remaining.Sub(take)
	}
	return slices, remaining
}

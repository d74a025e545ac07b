package bulk

import (
	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/pawn"
)

const (
	ReasonNotRedeemable = "excluded: status not redeemable"
	ReasonNotLoaded     = "excluded: transaction not loaded"
)

// Line is the computed amounts for one transaction in the batch.
type Line struct {
	TransactionID      string          `json:"transaction_id"`
	Status             pawn.Status     `json:"status"`
	Principal          decimal.Decimal `json:"principal"`
	Interest           decimal.Decimal `json:"interest"`
	ExistingOverdueFee decimal.Decimal `json:"existing_overdue_fee"`
	OverdueFee         decimal.Decimal `json:"overdue_fee"`
	Discount           decimal.Decimal `json:"discount"`
	Due                decimal.Decimal `json:"due"`
	// DiscountPending marks a discount entered without a reason. It is not
	// applied until the reason is filled in.
	DiscountPending bool `json:"discount_pending,omitempty"`
}

// Exclusion is a batch member that does not count toward the totals.
type Exclusion struct {
	TransactionID string      `json:"transaction_id"`
	Status        pawn.Status `json:"status,omitempty"`
	Reason        string      `json:"reason"`
}

// Totals is what the bulk dialog renders.
type Totals struct {
	Lines      []Line          `json:"lines"`
	Excluded   []Exclusion     `json:"excluded"`
	Principal  decimal.Decimal `json:"total_principal"`
	Interest   decimal.Decimal `json:"total_interest"`
	OverdueFee decimal.Decimal `json:"total_overdue_fee"`
	Discount   decimal.Decimal `json:"total_discount"`
	Due        decimal.Decimal `json:"total_due"`
}

// Count is the number of transactions that count toward the totals.
func (t Totals) Count() int { return len(t.Lines) }

// LineDue computes the amount owed for one transaction.
//
//	max(0, current - existingOverdueFee + overrideFee - discount)
func LineDue(current, existingOverdueFee, overrideFee, discount decimal.Decimal) decimal.Decimal {
	return pawn.MaxZero(current.Sub(existingOverdueFee).Add(overrideFee).Sub(discount))
}

// Aggregate computes per-line and batch totals. txs holds the latest
// snapshot of each transaction keyed by id. Transactions whose effective
// status does not accept redemption, or that are missing from txs, are
// listed in Excluded and left out of every sum. Only discounts that would
// be submitted are subtracted. Lines keep batch order.
func Aggregate(b Batch, txs map[string]pawn.Transaction) Totals {
	totals := Totals{
		Lines:      []Line{},
		Excluded:   []Exclusion{},
		Principal:  decimal.Zero,
		Interest:   decimal.Zero,
		OverdueFee: decimal.Zero,
		Discount:   decimal.Zero,
		Due:        decimal.Zero,
	}

	for _, id := range b.TransactionIDs {
		tx, ok := txs[id]
		if !ok {
			totals.Excluded = append(totals.Excluded, Exclusion{TransactionID: id, Reason: ReasonNotLoaded})
			continue
		}
		status := tx.EffectiveStatus()
		if !pawn.CanProcessActions(status) {
			totals.Excluded = append(totals.Excluded, Exclusion{TransactionID: id, Status: status, Reason: ReasonNotRedeemable})
			continue
		}

		line := computeLine(id, status, tx.Balances, b)
		totals.Lines = append(totals.Lines, line)
		totals.Principal = totals.Principal.Add(line.Principal)
		totals.Interest = totals.Interest.Add(line.Interest)
		totals.OverdueFee = totals.OverdueFee.Add(line.OverdueFee)
		totals.Discount = totals.Discount.Add(line.Discount)
		totals.Due = totals.Due.Add(line.Due)
	}
	return totals
}

func computeLine(id string, status pawn.Status, bal pawn.Balances, b Batch) Line {
	fee := bal.OverdueFee
	if override, ok := b.OverdueFeeOverrides[id]; ok {
		fee = override
	}
	discount := decimal.Zero
	pending := false
	if d, ok := b.Discounts[id]; ok {
		if d.Valid() {
			discount = d.Amount
		} else {
			pending = d.Amount.IsPositive()
		}
	}
	return Line{
		TransactionID:      id,
		Status:             status,
		Principal:          bal.Principal,
		Interest:           bal.Interest,
		ExistingOverdueFee: bal.OverdueFee,
		OverdueFee:         fee,
		Discount:           discount,
		Due:                LineDue(bal.Current, bal.OverdueFee, fee, discount),
		DiscountPending:    pending,
	}
}

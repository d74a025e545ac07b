package timeline

import (
	"sort"
	"strings"
	"time"
)

// SimultaneityWindow is how close two events must be to be treated as
// written together by one backend batch and ordered by priority instead.
const SimultaneityWindow = 1000 * time.Millisecond

const (
	CollapsedSummary        = "Transaction Redeemed"
	CollapsedFallbackDetail = "All amounts paid in full. Items ready for pickup"
	ActionRedemption        = "redemption_completed"
	ActionPaymentProcessed  = "payment_processed"
)

// Priorities inside a tie window, lowest first.
const (
	PriorityRedemption = 1
	PriorityPayment    = 2
	PriorityOverdueFee = 3
	PriorityDiscount   = 4
	PriorityOther      = 5
	PriorityFallback   = 6
)

// Merger holds the tunables of the merge. The zero value uses SimultaneityWindow.
type Merger struct {
	Window time.Duration
}

// Merge runs the default Merger.
func Merge(events []Event) []Event {
	return Merger{}.Merge(events)
}

// Merge returns a new newest-first slice. The input is not modified.
func (m Merger) Merge(events []Event) []Event {
	window := m.Window
	if window <= 0 {
		window = SimultaneityWindow
	}

	out := make([]Event, 0, len(events))
	for _, e := range events {
		e.OccurredAt = e.OccurredAt.OrEpoch()
		out = append(out, e)
	}

	out = collapseAudits(out)
	return order(out, window)
}

// =============================================================================
// COLLAPSING
// =============================================================================

// collapseAudits drops redemption/payment audits once any payment is
// reversed, and otherwise folds a redemption audit and its
// payment-processed twin into one row.
func collapseAudits(events []Event) []Event {
	reversed := false
	for _, e := range events {
		if e.IsReversedPayment() {
			reversed = true
			break
		}
	}

	if reversed {
		kept := events[:0:0]
		for _, e := range events {
			if IsRedemptionAudit(e) || IsPaymentProcessedAudit(e) {
				continue
			}
			kept = append(kept, e)
		}
		return kept
	}

	redemption, processed := -1, -1
	for i, e := range events {
		if IsRedemptionAudit(e) && (redemption < 0 || e.OccurredAt.After(events[redemption].OccurredAt)) {
			redemption = i
		}
	}
	if redemption < 0 {
		return events
	}
	anchor := events[redemption].OccurredAt
	for i, e := range events {
		if !IsPaymentProcessedAudit(e) || IsRedemptionAudit(e) {
			continue
		}
		if processed < 0 || absDuration(e.OccurredAt.Sub(anchor)) < absDuration(events[processed].OccurredAt.Sub(anchor)) {
			processed = i
		}
	}
	if processed < 0 {
		return events
	}

	out := make([]Event, 0, len(events)-1)
	for i, e := range events {
		switch i {
		case processed:
			continue
		case redemption:
			out = append(out, collapsed(e))
		default:
			out = append(out, e)
		}
	}
	return out
}

func collapsed(redemption Event) Event {
	detail := *redemption.Audit
	detail.ActionType = ActionRedemption
	detail.ActionSummary = CollapsedSummary
	if strings.TrimSpace(detail.Details) == "" {
		detail.Details = CollapsedFallbackDetail
	}
	detail.Collapsed = true
	redemption.Audit = &detail
	return redemption
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func auditText(e Event) (actionType, summary string, ok bool) {
	if e.Kind != KindAudit || e.Audit == nil {
		return "", "", false
	}
	return strings.ToLower(e.Audit.ActionType), strings.ToLower(e.Audit.ActionSummary), true
}

// IsRedemptionAudit matches "redemption completed" audits by type or summary.
func IsRedemptionAudit(e Event) bool {
	t, s, ok := auditText(e)
	if !ok {
		return false
	}
	return t == ActionRedemption || t == "transaction_redeemed" ||
		strings.Contains(s, "redemption completed") || strings.Contains(s, "transaction redeemed")
}

// IsPaymentProcessedAudit matches "payment processed" audits by type or summary.
func IsPaymentProcessedAudit(e Event) bool {
	t, s, ok := auditText(e)
	if !ok {
		return false
	}
	return t == ActionPaymentProcessed || strings.Contains(s, "payment processed")
}

func isOverdueFeeAudit(e Event) bool {
	t, s, ok := auditText(e)
	if !ok {
		return false
	}
	return strings.Contains(t, "overdue_fee") || strings.Contains(s, "overdue fee")
}

func isDiscountAudit(e Event) bool {
	t, s, ok := auditText(e)
	if !ok {
		return false
	}
	return strings.Contains(t, "discount") || strings.Contains(s, "discount")
}

// Priority ranks events that share a tie window.
func Priority(e Event) int {
	switch e.Kind {
	case KindAudit:
		if e.Audit == nil {
			return PriorityFallback
		}
		switch {
		case IsRedemptionAudit(e):
			return PriorityRedemption
		case isOverdueFeeAudit(e):
			return PriorityOverdueFee
		case isDiscountAudit(e):
			return PriorityDiscount
		}
		return PriorityOther
	case KindPayment:
		return PriorityPayment
	case KindExtension:
		return PriorityOther
	}
	return PriorityFallback
}

// =============================================================================
// ORDERING
// =============================================================================

// order sorts newest first, then groups runs of events that fall within
// window of the newest event of the run and reorders each run by priority.
// Anchoring runs on their newest member keeps the comparison transitive.
func order(events []Event, window time.Duration) []Event {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.After(b.OccurredAt)
		}
		return tieLess(a, b)
	})

	for start := 0; start < len(events); {
		anchor := events[start].OccurredAt
		end := start + 1
		for end < len(events) && anchor.Sub(events[end].OccurredAt) < window {
			end++
		}
		if end-start > 1 {
			run := events[start:end]
			sort.SliceStable(run, func(i, j int) bool {
				pi, pj := Priority(run[i]), Priority(run[j])
				if pi != pj {
					return pi < pj
				}
				if !run[i].OccurredAt.Equal(run[j].OccurredAt) {
					return run[i].OccurredAt.After(run[j].OccurredAt)
				}
				return tieLess(run[i], run[j])
			})
		}
		start = end
	}
	return events
}

func tieLess(a, b Event) bool {
	if pa, pb := Priority(a), Priority(b); pa != pb {
		return pa < pb
	}
	if sa, sb := a.SequenceIndex(), b.SequenceIndex(); sa != sb {
		return sa > sb
	}
	return a.ID < b.ID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

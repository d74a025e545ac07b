package timeline

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/warp/pawn-desk/pawn"
)

// Normalize converts the three sources into Events. Payments and
// extensions are numbered independently; the newest of each kind gets
// the highest number:
//
//	sequenceIndex = N - rank, rank 0 = most recent by timestamp
//
// Lists are assumed to arrive newest first, as the backend sends them.
// When timestamps tie, or are missing and read as the epoch, the earlier
// list position counts as the more recent record. An oldest-first list
// with tied or missing timestamps is therefore numbered in reverse.
func Normalize(payments []pawn.Payment, extensions []pawn.Extension, audits []pawn.AuditEntry) []Event {
	events := make([]Event, 0, len(payments)+len(extensions)+len(audits))

	paySeq := sequenceIndexes(len(payments), func(i int) pawn.Timestamp { return payments[i].OccurredAt() })
	for i, p := range payments {
		events = append(events, Event{
			Kind:          KindPayment,
			ID:            p.ID,
			TransactionID: p.TransactionID,
			OccurredAt:    p.OccurredAt().OrEpoch(),
			ActorID:       p.CreatedBy,
			Payment: &PaymentDetail{
				Amount:         p.Amount,
				SequenceIndex:  paySeq[i],
				IsReversed:     p.IsReversed,
				ReversalReason: p.ReversalReason,
			},
		})
	}

	extSeq := sequenceIndexes(len(extensions), func(i int) pawn.Timestamp { return extensions[i].OccurredAt() })
	for i, e := range extensions {
		events = append(events, Event{
			Kind:          KindExtension,
			ID:            e.ID,
			TransactionID: e.TransactionID,
			OccurredAt:    e.OccurredAt().OrEpoch(),
			ActorID:       e.CreatedBy,
			Extension: &ExtensionDetail{
				Months:             e.Months,
				Fee:                e.Fee,
				SequenceIndex:      extSeq[i],
				IsCancelled:        e.IsCancelled,
				CancellationReason: e.CancellationReason,
				NewMaturityDate:    e.NewMaturityDate,
			},
		})
	}

	for _, a := range audits {
		events = append(events, Event{
			Kind:          KindAudit,
			ID:            a.ID,
			TransactionID: a.TransactionID,
			OccurredAt:    a.CreatedAt.OrEpoch(),
			ActorID:       a.ActorID,
			Audit: &AuditDetail{
				ActionType:    a.ActionType,
				ActionSummary: a.ActionSummary,
				PreviousValue: a.PreviousValue,
				NewValue:      a.NewValue,
				Details:       a.Details,
				RelatedID:     a.TransactionID,
			},
		})
	}
	return events
}

// NormalizeRaw decodes backend list payloads that may be bare arrays,
// wrapper objects or null. Unrecognised payloads are logged and treated
// as empty.
func NormalizeRaw(logger *slog.Logger, rawPayments, rawExtensions, rawAudits json.RawMessage) []Event {
	if logger == nil {
		logger = slog.Default()
	}
	payments := decodeOrEmpty[pawn.Payment](logger, "payments", rawPayments)
	extensions := decodeOrEmpty[pawn.Extension](logger, "extensions", rawExtensions)
	audits := decodeOrEmpty[pawn.AuditEntry](logger, "audit_entries", rawAudits)
	return Normalize(payments, extensions, audits)
}

func decodeOrEmpty[T any](logger *slog.Logger, source string, raw json.RawMessage) []T {
	items, err := pawn.DecodeList[T](raw)
	if err != nil {
		logger.Warn("timeline source degraded to empty list", slog.String("source", source), slog.Any("error", err))
	}
	return items
}

// sequenceIndexes numbers n records 1..n by recency, newest = n. Records
// with equal times keep the backend's newest-first list order: the
// earlier position is treated as the more recent one.
func sequenceIndexes(n int, at func(i int) pawn.Timestamp) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := at(order[a]).OrEpoch(), at(order[b]).OrEpoch()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return order[a] > order[b]
	})

	seq := make([]int, n)
	for rank, pos := range order {
		seq[pos] = rank + 1
	}
	return seq
}

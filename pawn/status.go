package pawn

// EffectiveStatus derives the status shown to operators. An active or
// overdue loan with at least one live extension reads as extended;
// otherwise the stored status stands. Never cache the result on the
// transaction: cancelling the last extension must revert it immediately.
func EffectiveStatus(stored Status, extensions []Extension) Status {
	if stored != StatusActive && stored != StatusOverdue {
		return stored
	}
	for _, e := range extensions {
		if !e.IsCancelled {
			return StatusExtended
		}
	}
	return stored
}

// CanProcessActions reports whether an effective status still accepts
// payments, extensions, voids and redemption.
func CanProcessActions(effective Status) bool {
	switch effective {
	case StatusActive, StatusOverdue, StatusExtended:
		return true
	}
	return false
}

// HasActiveExtension reports whether any extension is not cancelled.
func HasActiveExtension(extensions []Extension) bool {
	for _, e := range extensions {
		if !e.IsCancelled {
			return true
		}
	}
	return false
}

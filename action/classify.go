package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/pawn-desk/pawn"
)

// FailureClass tells the presentation layer what to do after a commit error.
type FailureClass string

const (
	FailureNone FailureClass = ""
	// FailureRetryable keeps the approval form open with the PIN cleared.
	FailureRetryable FailureClass = "retryable"
	// FailureTerminal closes the form and discards the request.
	FailureTerminal FailureClass = "terminal"
)

// Classify maps a commit error to a FailureClass.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailureNone
	case pawn.IsRetryable(err):
		return FailureRetryable
	default:
		return FailureTerminal
	}
}

// normalizeCommitError turns our own deadline into ErrCommitTimeout.
// A cancelled caller context stays terminal.
func normalizeCommitError(commitCtx context.Context, parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && commitCtx.Err() != nil {
		return fmt.Errorf("%w: %v", pawn.ErrCommitTimeout, err)
	}
	return err
}

// UserMessage is the short text shown for a failed step.
func UserMessage(err error) string {
	var inel *pawn.IneligibleError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &inel) && inel.Reason != "":
		return inel.Reason
	case errors.Is(err, pawn.ErrInvalidCredential):
		return "Invalid admin PIN"
	case errors.Is(err, pawn.ErrCommitTimeout):
		return "The server did not respond in time. Please try again."
	case errors.Is(err, pawn.ErrPermissionDenied):
		return "Admin privileges are required for this action"
	case errors.Is(err, pawn.ErrConflict):
		return "This item has already been processed"
	case errors.Is(err, pawn.ErrNotFound):
		return "This item no longer exists"
	case errors.Is(err, pawn.ErrValidation):
		return err.Error()
	}
	return "The action could not be completed"
}

package core

import "context"

// QuotaLedger tracks and debits the per-user daily allowance.
//
// TryConsume reports two independent facts: whether the request may proceed
// and whether a free-quota unit was actually debited. Privileged users and
// active subscribers are allowed without consumption, so a later RestoreOne
// must only run when consumed was true.
type QuotaLedger interface {
	TryConsume(ctx context.Context, userID string) (allowed, consumed bool, err error)

	// RestoreOne gives back exactly one quota unit after a cancellation.
	RestoreOne(ctx context.Context, userID string) error
}

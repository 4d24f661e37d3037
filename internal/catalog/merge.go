package catalog

import (
	"math"

	"github.com/baristack/posgo/internal/models"
)

// MergeSessionSnapshot folds an authoritative server snapshot into a
// locally pending session record.
//
// Monetary fields keep the numerically larger value: the server's
// aggregation trigger may not have caught up with orders the terminal
// already committed, and money the customer agreed to pay must never
// shrink on merge. Non-monetary fields take the server value. The
// local offline bookkeeping flags survive, since pending mutations can
// still be in flight for this session.
func MergeSessionSnapshot(local, incoming models.OrderSession) models.OrderSession {
	out := incoming
	out.Subtotal = math.Max(local.Subtotal, incoming.Subtotal)
	out.Discount = math.Max(local.Discount, incoming.Discount)
	out.Tax = math.Max(local.Tax, incoming.Tax)
	out.Total = math.Max(local.Total, incoming.Total)

	out.PendingSync = local.PendingSync
	out.TempID = local.TempID
	out.SyncedID = local.SyncedID

	// A close observed on either side wins: no alias of the same tab
	// may stay visibly open.
	if local.Status == models.SessionClosed {
		out.Status = models.SessionClosed
		if out.ClosedAt == nil {
			out.ClosedAt = local.ClosedAt
		}
	}

	return out
}

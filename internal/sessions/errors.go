package sessions

import "errors"

var (
	ErrTableNotFound       = errors.New("table not found")
	ErrTableOccupied       = errors.New("table already has an open session")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session already closed")
	ErrNoItems             = errors.New("order has no items")
	ErrInsufficientPayment = errors.New("tendered amount below total due")
)

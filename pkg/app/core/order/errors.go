package order

import "errors"

var (
	// ErrInvalidOrder is returned for malformed descriptors. Nothing has been
	// persisted when it is returned.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrRejected is returned when an all-or-none order cannot fill and has
	// no stop price to fall back to.
	ErrRejected = errors.New("order rejected")
	ErrNotFound = errors.New("order not found")
)

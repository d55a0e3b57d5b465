package core

import "errors"

var (
	// ErrNotSupported marks operations this broker will never provide.
	ErrNotSupported = errors.New("not supported")
	// ErrNotImplemented marks operations that are missing for now.
	ErrNotImplemented = errors.New("not implemented")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotActive indicates the order is not tracked as active locally.
	ErrOrderNotActive = errors.New("order not active")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrOverfill          = errors.New("execution exceeds remaining quantity")
	ErrInvalidSide       = errors.New("invalid order side")
)

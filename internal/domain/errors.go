package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrLockHeld        = errors.New("lock already held")
	ErrStateConflict   = errors.New("trade state changed concurrently")
	ErrTransportClosed = errors.New("ledger transport closed")
	ErrUnknownEvent    = errors.New("unknown ledger event")
	ErrInvalidEvent    = errors.New("invalid ledger event")
)

package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrOrderNotTracked     = errors.New("order not tracked")
	ErrOrderNotFound       = errors.New("order not found on exchange")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientDepth   = errors.New("insufficient book depth")
	ErrSequenceGap         = errors.New("update sequence gap")
	ErrBelowMinimums       = errors.New("order below exchange minimums")
	ErrKillSwitchEngaged   = errors.New("kill switch engaged")
	ErrConnectorNotReady   = errors.New("connector not ready")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrLockHeld            = errors.New("lock already held")
)

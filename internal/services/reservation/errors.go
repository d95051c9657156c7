package reservation

import "errors"

var (
	ErrConflict          = errors.New("timespan conflicts with an active reservation")
	ErrNotFound          = errors.New("reservation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNoChangeLog       = errors.New("storage keeps no change log")
)

package headerstream

import "errors"

var (
	// ErrInvalidHeight is returned when a requested start height is below 1.
	ErrInvalidHeight = errors.New("invalid height: must be at least 1")

	// ErrInvalidRange is returned when toHeight is below fromHeight.
	ErrInvalidRange = errors.New("invalid range: toHeight must not be less than fromHeight")

	// ErrAlreadyRunning is returned when a historical plan or continuous
	// subscription is already live.
	ErrAlreadyRunning = errors.New("already running")
)

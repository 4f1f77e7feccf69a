package headersync

import "errors"

var (
	// ErrNotConfigured is returned when a sync is requested before the chain,
	// reader and core methods were injected.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrBusy is returned when a sync is requested while another run is live.
	ErrBusy = errors.New("provider busy: a sync is already running")
)

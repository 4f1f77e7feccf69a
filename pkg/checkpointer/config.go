package checkpointer

import "time"

// Config tunes the checkpoint loop.
type Config struct {
	// Interval between checkpoint writes.
	Interval time.Duration

	// WriteTimeout bounds one write attempt.
	WriteTimeout time.Duration

	// MaxRetries bounds additional attempts per tick.
	MaxRetries int

	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
}

// DefaultConfig returns the production checkpoint cadence.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   3,
		RetryBackoff: 300 * time.Millisecond,
	}
}

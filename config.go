package jsonbase

import "time"

// Configuration constants for jsonbase operations
const (
	// Write queue retry configuration
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultBackoffFactor  = 2
	DefaultMaxBackoff     = 5 * time.Second

	// Audit log configuration
	DefaultAuditCapacity = 100

	// Queue sizing
	DefaultQueueDepth = 64

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// QueueConfig holds tuning for the serialized write path.
// Zero value is not usable; start from DefaultQueueConfig.
type QueueConfig struct {
	// MaxAttempts bounds conflict retries per enqueued write.
	MaxAttempts int

	// InitialBackoff is the delay before the first conflict retry.
	InitialBackoff time.Duration

	// BackoffFactor multiplies the delay after every conflict.
	BackoffFactor int

	// MaxBackoff caps the per-retry delay.
	MaxBackoff time.Duration

	// WriteDeadline, when positive, bounds the total wall-clock time an
	// enqueued write may spend retrying before it rejects. Zero disables it.
	WriteDeadline time.Duration

	// Depth is the per-collection channel buffer size.
	Depth int
}

// DefaultQueueConfig returns the default write queue configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		BackoffFactor:  DefaultBackoffFactor,
		MaxBackoff:     DefaultMaxBackoff,
		Depth:          DefaultQueueDepth,
	}
}

// Validate checks if the QueueConfig is valid
func (c QueueConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxAttempts",
			"value":  c.MaxAttempts,
			"reason": "must be at least 1",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.BackoffFactor < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffFactor",
			"value":  c.BackoffFactor,
			"reason": "must be >= 1",
		})
	}
	if c.MaxBackoff < c.InitialBackoff {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxBackoff",
			"value":  c.MaxBackoff,
			"reason": "must be >= InitialBackoff",
		})
	}
	if c.WriteDeadline < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "WriteDeadline",
			"value":  c.WriteDeadline,
			"reason": "must be non-negative",
		})
	}
	if c.Depth < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Depth",
			"value":  c.Depth,
			"reason": "must be at least 1",
		})
	}
	return nil
}

// backoffFor returns the delay before retry attempt n (0-based), capped at MaxBackoff.
func (c QueueConfig) backoffFor(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= time.Duration(c.BackoffFactor)
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

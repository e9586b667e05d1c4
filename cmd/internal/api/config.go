package api

import "time"

// Config controls API behavior and abuse limits.
type Config struct {
	// AdminKey enables the admin endpoints; callers send it as X-Admin-Key.
	AdminKey     string
	TrustProxy   bool
	MaxBodyBytes int64

	// PublicRateMax requests per PublicRateWindow per client IP on public
	// endpoints. Zero disables the limit.
	PublicRateMax    int
	PublicRateWindow time.Duration
	// ConfirmRateMax applies the same way to payment confirmation and cancellation.
	ConfirmRateMax    int
	ConfirmRateWindow time.Duration

	LatestRecords int
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:      64 << 10,
		PublicRateMax:     30,
		PublicRateWindow:  time.Minute,
		ConfirmRateMax:    10,
		ConfirmRateWindow: time.Minute,
		LatestRecords:     5,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.PublicRateWindow <= 0 {
		c.PublicRateWindow = d.PublicRateWindow
	}
	if c.ConfirmRateWindow <= 0 {
		c.ConfirmRateWindow = d.ConfirmRateWindow
	}
	if c.LatestRecords <= 0 {
		c.LatestRecords = d.LatestRecords
	}
	return c
}

package rtspstream

import "time"

// Config controls the session's buffering and pacing policy. The
// watermark values are defaults drawn from deployment experience, not
// protocol-mandated constants; every field is tunable per session.
type Config struct {
	// ReadTimeout bounds each datagram receive and doubles as the
	// receiver task's cancellation poll interval.
	ReadTimeout time.Duration

	// DispatchInterval is the period of the dispatch tick delivering
	// buffered frames to listeners. It represents the target frame
	// rate, independent of arrival timing.
	DispatchInterval time.Duration

	// PrefillHighWater: during pre-fill, reaching this occupancy
	// pauses the server so it cannot outrun the sink.
	PrefillHighWater int

	// LowWater: during playback, dispatch to listeners is enabled
	// once occupancy crosses this mark. Kept apart from HighWater to
	// provide hysteresis, preventing rapid pause/resume oscillation
	// when arrival rate sits near a single threshold.
	LowWater int

	// HighWater: during playback, reaching this occupancy pauses the
	// server until the buffer drains.
	HighWater int
}

// DefaultConfig returns the default session policy: a 2-second
// datagram timeout, a 40 ms dispatch tick (25 frames per second), a
// pre-fill high-water mark of 100, and playback watermarks of 49/99.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:      2 * time.Second,
		DispatchInterval: 40 * time.Millisecond,
		PrefillHighWater: 100,
		LowWater:         49,
		HighWater:        99,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = def.DispatchInterval
	}
	if c.PrefillHighWater <= 0 {
		c.PrefillHighWater = def.PrefillHighWater
	}
	if c.LowWater <= 0 {
		c.LowWater = def.LowWater
	}
	if c.HighWater <= 0 {
		c.HighWater = def.HighWater
	}
	return c
}

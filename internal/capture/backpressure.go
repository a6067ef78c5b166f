package capture

import (
	"time"

	"allsky/internal/config"
)

// Backpressure returns the extra inter-exposure delay for an image queue holding q
// frames. At or below queue_min the delay is cleared; at or above queue_max it is
// (q / queue_max) × period × queue_backoff seconds; in between prev is kept.
func Backpressure(q int, prev time.Duration, c config.Capture, period float64) time.Duration {
	switch {
	case q <= c.QueueMin:
		return 0
	case q >= c.QueueMax && c.QueueMax > 0:
		secs := float64(q) / float64(c.QueueMax) * period * c.QueueBackoff
		return time.Duration(secs * float64(time.Second))
	default:
		return prev
	}
}

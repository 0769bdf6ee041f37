package tabby

import (
	"math/rand"
	"time"
)

// reconnectDelay computes the wait before reconnection attempt n
// (n >= 1): base × min(n, 4), jittered by ±25% so a restarting server
// is not hit by every client at once.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 4 {
		attempt = 4
	}
	d := float64(base) * float64(attempt)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(d * jitter)
}

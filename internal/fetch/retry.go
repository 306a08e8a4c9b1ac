package fetch

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/newsdrift/newsdrift/internal/config"
)

// computeDelay returns the sleep before retry attemptIndex (0-based). A
// usable server Retry-After is clamped into [base, max]; otherwise the delay
// is exponential base*2^attempt clamped to max. Uniform jitter in
// [0, base*jitterRatio) is added on top.
func computeDelay(attemptIndex int, retryAfter time.Duration, cfg config.RetryConfig, jitter func() float64) time.Duration {
	base := cfg.BaseDelay.Std()
	max := cfg.MaxDelay.Std()

	var delay time.Duration
	if retryAfter > 0 {
		delay = retryAfter
		if delay < base {
			delay = base
		}
		if delay > max {
			delay = max
		}
	} else {
		delay = base << attemptIndex
		if delay > max || delay <= 0 {
			delay = max
		}
	}

	if cfg.JitterRatio > 0 {
		delay += time.Duration(jitter() * cfg.JitterRatio * float64(base))
	}
	return delay
}

// parseRetryAfter reads a Retry-After header: delta-seconds or HTTP-date.
// Zero means absent or unusable.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func defaultJitter() float64 { return rand.Float64() }

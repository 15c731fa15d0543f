package realtime

import "time"

const (
	DefaultMaxAttempts    = 5
	DefaultReconnectDelay = 1000 * time.Millisecond
)

// DelayFunc returns the wait before reconnection attempt n (1-based).
type DelayFunc func(attempt int) time.Duration

// ReconnectPolicy bounds automatic reconnection. MaxAttempts of zero disables it.
type ReconnectPolicy struct {
	MaxAttempts int
	Delay       DelayFunc
}

// DefaultReconnectPolicy is bounded linear retry: 5 attempts, 1s apart.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: DefaultMaxAttempts, Delay: ConstantDelay(DefaultReconnectDelay)}
}

func ConstantDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// ExponentialDelay doubles from initial up to max.
func ExponentialDelay(initial, max time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

func (p ReconnectPolicy) delay(attempt int) time.Duration {
	if p.Delay == nil {
		return DefaultReconnectDelay
	}
	if d := p.Delay(attempt); d > 0 {
		return d
	}
	return 0
}

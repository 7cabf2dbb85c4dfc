package internal

import "time"

type BackoffFlags uint8

const (
	BackoffHasPriority BackoffFlags = 1 << iota
	BackoffCriticalPath
	BackoffTCPConn
)

const backoffMinWait = time.Microsecond

func backoffMaxWait(priority BackoffFlags) time.Duration {
	switch {
	case priority&BackoffCriticalPath != 0:
		return 1 * time.Millisecond
	case priority&BackoffTCPConn != 0:
		return 10 * time.Millisecond
	default:
		return time.Second >> (priority & BackoffHasPriority)
	}
}

// NewBackoff returns a Backoff that yields with sleep. A nil sleep uses time.Sleep.
// Cooperative callers pass their scheduler's yield/sleep primitive.
func NewBackoff(priority BackoffFlags, sleep func(time.Duration)) Backoff {
	if sleep == nil {
		sleep = time.Sleep
	}
	return Backoff{
		wait:      backoffMinWait,
		maxWait:   backoffMaxWait(priority),
		startWait: backoffMinWait,
		sleep:     sleep,
	}
}

// Backoff implements the poll-and-sleep pattern of the stack's control paths:
// callers Miss when polling found nothing and Hit when it made progress.
type Backoff struct {
	// wait defines the amount of time that Miss will wait on next call.
	wait time.Duration
	// Maximum allowable value for wait.
	maxWait time.Duration
	// startWait is the intial wait value, as well as the value that wait takes after a call to Hit.
	startWait time.Duration
	sleep     func(time.Duration)
}

// Hit resets the wait to its starting value.
func (eb *Backoff) Hit() {
	eb.wait = eb.startWait
}

// Miss sleeps for the current wait and doubles it up to the maximum.
func (eb *Backoff) Miss() {
	if eb.sleep == nil {
		*eb = NewBackoff(0, nil)
	}
	eb.sleep(eb.wait)
	eb.wait *= 2
	if eb.wait > eb.maxWait {
		eb.wait = eb.maxWait
	}
}

package tunnel

import "time"

// Ticker abstracts time.Ticker so heartbeat loops can be driven
// manually in tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the injected time source for the registry and sessions.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// SystemClock returns a Clock backed by the runtime's monotonic clock.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

package monitoring

import (
	"context"
	"errors"
	"time"
)

var errNotJoined = errors.New("not joined to a room")

// Pinger is anything that can report its own reachability, such as the
// signaling channel factory.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// AddChannelCheck adds a signaling backend health check
func (h *HealthChecker) AddChannelCheck(p Pinger, interval, timeout time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) (bool, error) {
		if err := p.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddReadinessCheck reports ready only while the participant is in a room.
func (h *HealthChecker) AddReadinessCheck(joined func() bool, interval, timeout time.Duration) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		if !joined() {
			return false, errNotJoined
		}
		return true, nil
	}, interval, timeout)
}

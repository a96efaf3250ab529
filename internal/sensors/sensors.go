// Package sensors supplies the heart-rate and motion readings a peripheral
// attaches to a sample. Providers never block their caller beyond a bounded
// timeout and fall back to a zero reading marked unavailable.
package sensors

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable = errors.New("sensors: reading unavailable")
	ErrTimeout     = errors.New("sensors: timed out waiting for reading")
	// ErrNotConnected is returned alongside ErrUnavailable by sources that
	// lost their device; the provider authorizes again before the next read.
	ErrNotConnected = errors.New("sensors: source not connected")
)

// HeartRateSource is the platform heart-rate store.
type HeartRateSource interface {
	// Authorize asks for read access and reports whether it was granted.
	Authorize(ctx context.Context) bool
	// QueryMostRecent returns the latest bpm recorded at or after since.
	// It returns ErrUnavailable when nothing was recorded.
	QueryMostRecent(ctx context.Context, since time.Time) (int, error)
}

// AccelerationSample is one 3-axis accelerometer reading in g.
type AccelerationSample struct {
	X, Y, Z   float64
	Timestamp time.Time
}

// MotionSource streams accelerometer samples at a fixed interval between
// Start and Stop.
type MotionSource interface {
	Start(handler func(AccelerationSample)) error
	Stop()
}

// DefaultMotionInterval samples at 50 Hz.
const DefaultMotionInterval = 20 * time.Millisecond

package sensors

import "math"

type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return "z"
	}
}

// SpeedEstimator derives a movement speed from consecutive accelerometer
// samples: per axis |Δacceleration| / Δt, reporting the axis with the largest
// value. It is not safe for concurrent use.
type SpeedEstimator struct {
	prev   AccelerationSample
	primed bool
	speed  float64
	axis   Axis
	valid  bool
}

// Add feeds one sample and reports whether the speed was updated.
// The first sample only primes the estimator. A sample whose timestamp does
// not advance past the previous one is skipped and the last speed is kept.
func (e *SpeedEstimator) Add(s AccelerationSample) bool {
	if !e.primed {
		e.prev = s
		e.primed = true
		return false
	}

	dt := s.Timestamp.Sub(e.prev.Timestamp).Seconds()
	if dt <= 0 {
		return false
	}

	deltas := [3]float64{
		math.Abs(s.X-e.prev.X) / dt,
		math.Abs(s.Y-e.prev.Y) / dt,
		math.Abs(s.Z-e.prev.Z) / dt,
	}
	dominant := AxisX
	for axis := AxisY; axis <= AxisZ; axis++ {
		if deltas[axis] > deltas[dominant] {
			dominant = axis
		}
	}

	e.prev = s
	e.speed = deltas[dominant]
	e.axis = dominant
	e.valid = true
	return true
}

// Speed returns the latest derived speed and whether one has been computed.
func (e *SpeedEstimator) Speed() (float64, bool) {
	return e.speed, e.valid
}

func (e *SpeedEstimator) DominantAxis() Axis {
	return e.axis
}

func (e *SpeedEstimator) Reset() {
	*e = SpeedEstimator{}
}

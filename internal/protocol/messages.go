package protocol

import "fmt"

// Payload is the flat key/value form a message takes on the link.
type Payload map[string]any

// Role identifies which end of the pairing a process plays. The receiver's
// role decides whether an exerciseLogId/setIndex pair is a request or a result.
type Role int

const (
	RoleHub Role = iota
	RolePeripheral
)

func (r Role) String() string {
	switch r {
	case RoleHub:
		return "hub"
	case RolePeripheral:
		return "peripheral"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole maps "hub"/"phone" and "peripheral"/"watch" to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "hub", "phone":
		return RoleHub, nil
	case "peripheral", "watch":
		return RolePeripheral, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

type Kind int

const (
	KindStartSession Kind = iota + 1
	KindEndSession
	KindSampleRequest
	KindSampleResult
	KindHeartRateOnly
	KindVelocityOnly
	KindReadingRequest
)

func (k Kind) String() string {
	switch k {
	case KindStartSession:
		return "StartSession"
	case KindEndSession:
		return "EndSession"
	case KindSampleRequest:
		return "SampleRequest"
	case KindSampleResult:
		return "SampleResult"
	case KindHeartRateOnly:
		return "HeartRateOnly"
	case KindVelocityOnly:
		return "VelocityOnly"
	case KindReadingRequest:
		return "ReadingRequest"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is implemented by every variant below.
type Message interface {
	Kind() Kind
}

type StartSession struct {
	Name string
}

type EndSession struct{}

// SampleRequest asks the peripheral for one heart-rate + speed reading.
type SampleRequest struct {
	ExerciseLogID string
	SetIndex      int
}

// SampleResult answers a SampleRequest.
type SampleResult struct {
	ExerciseLogID string
	SetIndex      int
	BPM           int
	Speed         float64
}

// Matches reports whether r answers req.
func (r SampleResult) Matches(req SampleRequest) bool {
	return r.ExerciseLogID == req.ExerciseLogID && r.SetIndex == req.SetIndex
}

// HeartRateOnly carries a standalone heart-rate reading.
type HeartRateOnly struct {
	BPM int
}

// VelocityOnly carries a standalone speed reading.
type VelocityOnly struct {
	Speed float64
}

// Reading names the measurement a ReadingRequest asks for.
type Reading string

const (
	ReadingHeartRate Reading = DataHeartRate
	ReadingVelocity  Reading = DataVelocity
)

// ReadingRequest asks the peripheral for a single reading outside of a set.
type ReadingRequest struct {
	Reading Reading
}

func (StartSession) Kind() Kind   { return KindStartSession }
func (EndSession) Kind() Kind     { return KindEndSession }
func (SampleRequest) Kind() Kind  { return KindSampleRequest }
func (SampleResult) Kind() Kind   { return KindSampleResult }
func (HeartRateOnly) Kind() Kind  { return KindHeartRateOnly }
func (VelocityOnly) Kind() Kind   { return KindVelocityOnly }
func (ReadingRequest) Kind() Kind { return KindReadingRequest }

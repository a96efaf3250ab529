package protocol

import "fmt"

// Encode converts a message into its wire payload.
func Encode(msg Message) (Payload, error) {
	p := Payload{KeyVersion: Version}
	switch m := msg.(type) {
	case StartSession:
		p[KeySessionName] = m.Name
	case EndSession:
		p[KeyEndSession] = true
	case SampleRequest:
		p[KeyExerciseLogID] = m.ExerciseLogID
		p[KeySetIndex] = m.SetIndex
	case SampleResult:
		p[KeyExerciseLogID] = m.ExerciseLogID
		p[KeySetIndex] = m.SetIndex
		p[KeyBPM] = m.BPM
		p[KeySpeed] = m.Speed
	case HeartRateOnly:
		p[KeyBPM] = m.BPM
	case VelocityOnly:
		p[KeySpeed] = m.Speed
	case ReadingRequest:
		p[KeyData] = string(m.Reading)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return p, nil
}

// MustEncode is Encode for messages known to be valid variants.
func MustEncode(msg Message) Payload {
	p, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return p
}

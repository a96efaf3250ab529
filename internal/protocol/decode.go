package protocol

import (
	"fmt"
	"math"

	"github.com/spf13/cast"
)

// Decode interprets an incoming payload as seen by receiver.
//
// Key sets are evaluated independently in priority order and each match
// yields one message, so a payload carrying both sessionName and a sample
// pair decodes to two messages. Unknown keys are ignored. A payload with no
// recognised key set, or with a value that cannot be coerced, fails as a whole
// with ErrMalformedMessage.
func Decode(p Payload, receiver Role) (msgs []Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msgs, err = nil, fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()

	if _, err := VersionOf(p); err != nil {
		return nil, err
	}

	if p.has(KeySessionName) {
		name, err := p.str(KeySessionName)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, StartSession{Name: name})
	}

	if p.has(KeyEndSession) {
		msgs = append(msgs, EndSession{})
	}

	hasPair := p.has(KeyExerciseLogID) && p.has(KeySetIndex)
	if hasPair {
		id, err := p.str(KeyExerciseLogID)
		if err != nil {
			return nil, err
		}
		idx, err := p.count(KeySetIndex)
		if err != nil {
			return nil, err
		}
		if receiver == RolePeripheral {
			msgs = append(msgs, SampleRequest{ExerciseLogID: id, SetIndex: idx})
		} else {
			result := SampleResult{ExerciseLogID: id, SetIndex: idx}
			if p.has(KeyBPM) {
				if result.BPM, err = p.count(KeyBPM); err != nil {
					return nil, err
				}
			}
			if p.has(KeySpeed) {
				if result.Speed, err = p.magnitude(KeySpeed); err != nil {
					return nil, err
				}
			}
			msgs = append(msgs, result)
		}
	}

	if p.has(KeyData) {
		raw, err := p.str(KeyData)
		if err != nil {
			return nil, err
		}
		switch Reading(raw) {
		case ReadingHeartRate, ReadingVelocity:
			msgs = append(msgs, ReadingRequest{Reading: Reading(raw)})
		default:
			return nil, fmt.Errorf("%w: unknown %s value %q", ErrMalformedMessage, KeyData, raw)
		}
	}

	if !hasPair {
		if p.has(KeyBPM) {
			bpm, err := p.count(KeyBPM)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, HeartRateOnly{BPM: bpm})
		}
		if p.has(KeySpeed) {
			speed, err := p.magnitude(KeySpeed)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, VelocityOnly{Speed: speed})
		}
	}

	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no recognised keys in %v", ErrMalformedMessage, p.keys())
	}
	return msgs, nil
}

// VersionOf returns the payload's protocol version, 0 when absent.
func VersionOf(p Payload) (int, error) {
	if !p.has(KeyVersion) {
		return 0, nil
	}
	return p.count(KeyVersion)
}

func (p Payload) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Payload) keys() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	return out
}

func (p Payload) str(key string) (string, error) {
	v := p[key]
	if v == nil {
		return "", fmt.Errorf("%w: %s is null", ErrMalformedMessage, key)
	}
	if _, isBool := v.(bool); isBool {
		return "", fmt.Errorf("%w: %s is a bool", ErrMalformedMessage, key)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedMessage, key, err)
	}
	return s, nil
}

// magnitude reads a non-negative finite number.
func (p Payload) magnitude(key string) (float64, error) {
	v := p[key]
	if v == nil {
		return 0, fmt.Errorf("%w: %s is null", ErrMalformedMessage, key)
	}
	if _, isBool := v.(bool); isBool {
		return 0, fmt.Errorf("%w: %s is a bool", ErrMalformedMessage, key)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, key, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("%w: %s out of range: %v", ErrMalformedMessage, key, f)
	}
	return f, nil
}

// count reads a non-negative whole number. JSON peers deliver 3 as 3.0,
// which is accepted; 3.5 is not.
func (p Payload) count(key string) (int, error) {
	f, err := p.magnitude(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s is not a whole number: %v", ErrMalformedMessage, key, f)
	}
	return int(f), nil
}

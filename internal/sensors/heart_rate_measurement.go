package sensors

import "fmt"

// Standard GATT identifiers for a heart-rate strap.
const (
	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"
)

// parseHeartRateMeasurement decodes a Heart Rate Measurement notification.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func parseHeartRateMeasurement(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	// Bit 0 of the flags: 0 = UINT8, 1 = UINT16
	if buf[0]&0x01 == 0 {
		return int(buf[1]), nil
	}
	if len(buf) < 3 {
		return 0, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
	}
	return int(uint16(buf[1]) | uint16(buf[2])<<8), nil
}

// encodeHeartRateMeasurement builds the notification a strap sends for bpm.
func encodeHeartRateMeasurement(bpm int) []byte {
	if bpm <= 0xFF {
		return []byte{0x00, byte(bpm)}
	}
	return []byte{0x01, byte(bpm & 0xFF), byte((bpm >> 8) & 0xFF)}
}

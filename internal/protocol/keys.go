package protocol

// Wire keys.
const (
	KeySessionName   = "sessionName"
	KeyExerciseLogID = "exerciseLogId"
	KeySetIndex      = "setIndex"
	KeyBPM           = "bpm"
	KeySpeed         = "speed"
	KeyEndSession    = "endSession"
	KeyData          = "data"
	KeyVersion       = "protocolVersion"
)

// Values of KeyData.
const (
	DataHeartRate = "HEARTRATE"
	DataVelocity  = "VELOCITY"
)

// Version is stamped on every encoded payload. Peers that predate it omit
// the key, which decodes as version 0.
const Version = 1

// NoSession is the session name shown while no session is active.
const NoSession = "No session"

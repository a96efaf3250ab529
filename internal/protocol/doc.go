// Package protocol owns the hub<->peripheral wire contract.
//
// Messages travel as flat maps of string keys to primitive values. The
// vocabulary is fixed: sessionName, exerciseLogId, setIndex, bpm, speed,
// endSession, data and protocolVersion. Decode turns one payload into the
// ordered list of typed messages it carries, or ErrMalformedMessage.
package protocol

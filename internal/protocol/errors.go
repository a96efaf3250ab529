package protocol

import "errors"

var (
	ErrMalformedMessage = errors.New("protocol: malformed message")
	ErrUnknownMessage   = errors.New("protocol: unknown message kind")
)

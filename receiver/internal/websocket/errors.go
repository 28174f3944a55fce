package websocket

import "errors"

var (
	errInvalidMessage = errors.New("invalid message")
	errMissingFields  = errors.New("missing required fields")
)

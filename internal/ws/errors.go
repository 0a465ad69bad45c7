package ws

import "errors"

var (
	errProtocolViolation = errors.New("hello required before this command")
	errUnknownTimeframe  = errors.New("no book for timeframe")
	errInvalidContract   = errors.New("unknown contract")
)

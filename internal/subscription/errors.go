package subscription

import "errors"

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrLocationNotFound    = errors.New("location not found")
	ErrIndexOutOfRange     = errors.New("index out of range")
	ErrNotFound            = errors.New("subscription not found")
	ErrUpstreamUnavailable = errors.New("weather upstream unavailable")
	ErrPersistence         = errors.New("persistence failure")
	ErrDecode              = errors.New("decode subscriptions")
)

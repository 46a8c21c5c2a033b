package topic

import "github.com/gbsoft/fleetstream/errors"

// Parse failure sentinels, shared with the central taxonomy so callers can
// match against either name.
var (
	ErrMalformedTopic          = errors.ErrMalformedTopic
	ErrInvalidDeviceID         = errors.ErrInvalidDeviceID
	ErrUnsupportedMessageClass = errors.ErrUnsupportedMessageClass
)

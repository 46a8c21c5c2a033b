package payload

import (
	stderrors "errors"

	"github.com/gbsoft/fleetstream/errors"
)

// Validation failure sentinels. The structural ones are shared with the
// central taxonomy; the local ones cover shapes the taxonomy does not name.
var (
	ErrPayloadTooDeep    = errors.ErrPayloadTooDeep
	ErrTooManyProperties = errors.ErrTooManyProperties
	ErrInvalidKey        = errors.ErrInvalidKey
	ErrOutOfRange        = errors.ErrOutOfRange
	ErrNotANumber        = errors.ErrNotANumber

	ErrEmptyPayload = stderrors.New("empty payload")
	ErrNotAnObject  = stderrors.New("payload is not a JSON object")
)

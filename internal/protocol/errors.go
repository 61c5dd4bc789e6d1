package protocol

import "errors"

var (
	ErrMissingType = errors.New("protocol: envelope missing type")
	ErrBadPayload  = errors.New("protocol: bad payload")
)

var knownTypes = map[string]struct{}{
	TypeStarUpdate:  {},
	TypePlayerJoin:  {},
	TypePlayerLeave: {},
}

// IsKnownType reports whether t is a message type this build understands.
// Unknown types are still accepted on the wire and ignored.
func IsKnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

package protocol

import "encoding/json"

// Message types.
const (
	TypeStarUpdate  = "STAR_UPDATE"
	TypePlayerJoin  = "PLAYER_JOIN"
	TypePlayerLeave = "PLAYER_LEAVE"
)

// Envelope is the duplex wire frame: {"type": ..., "data": ...}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

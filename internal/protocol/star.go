package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"starhunt.gg/internal/star"
)

//go:embed schemas/star.schema.json
var starSchemaJSON string

var starSchema = jsonschema.MustCompileString("star.schema.json", starSchemaJSON)

type Location struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Plane int `json:"plane"`
}

// StarPayload is the wire form of star.Record. LastUpdate is epoch milliseconds.
type StarPayload struct {
	World        int      `json:"world"`
	Location     Location `json:"location"`
	Tier         int      `json:"tier"`
	Health       int      `json:"health"`
	Miners       string   `json:"miners"`
	Active       bool     `json:"active"`
	LastUpdate   int64    `json:"lastUpdate"`
	DiscoveredBy string   `json:"discoveredBy,omitempty"`
}

// starIn tolerates absent optional fields; absent means unknown, not zero.
type starIn struct {
	World        int      `json:"world"`
	Location     Location `json:"location"`
	Tier         *int     `json:"tier"`
	Health       *int     `json:"health"`
	Miners       *string  `json:"miners"`
	Active       bool     `json:"active"`
	LastUpdate   *int64   `json:"lastUpdate"`
	DiscoveredBy *string  `json:"discoveredBy"`
}

func FromRecord(r star.Record) StarPayload {
	miners := r.Miners
	if miners == "" {
		miners = star.UnknownMiners
	}
	p := StarPayload{
		World:        r.World,
		Location:     Location{X: r.Location.X, Y: r.Location.Y, Plane: r.Location.Plane},
		Tier:         r.Tier,
		Health:       r.Health,
		Miners:       miners,
		Active:       r.Active,
		DiscoveredBy: r.DiscoveredBy,
	}
	if !r.LastUpdate.IsZero() {
		p.LastUpdate = r.LastUpdate.UnixMilli()
	}
	return p
}

func (p StarPayload) Record() star.Record {
	r := star.Record{
		World:        p.World,
		Location:     star.Point{X: p.Location.X, Y: p.Location.Y, Plane: p.Location.Plane},
		Tier:         p.Tier,
		Health:       p.Health,
		Miners:       p.Miners,
		Active:       p.Active,
		DiscoveredBy: p.DiscoveredBy,
	}
	if p.LastUpdate > 0 {
		r.LastUpdate = time.UnixMilli(p.LastUpdate)
	}
	return r
}

func (in starIn) record() star.Record {
	r := star.Record{
		World:    in.World,
		Location: star.Point{X: in.Location.X, Y: in.Location.Y, Plane: in.Location.Plane},
		Tier:     star.UnknownTier,
		Health:   star.UnknownHealth,
		Miners:   star.UnknownMiners,
		Active:   in.Active,
	}
	if in.Tier != nil {
		r.Tier = *in.Tier
	}
	if in.Health != nil {
		r.Health = *in.Health
	}
	if in.Miners != nil && *in.Miners != "" {
		r.Miners = *in.Miners
	}
	if in.LastUpdate != nil && *in.LastUpdate > 0 {
		r.LastUpdate = time.UnixMilli(*in.LastUpdate)
	}
	if in.DiscoveredBy != nil {
		r.DiscoveredBy = *in.DiscoveredBy
	}
	return r
}

// EncodeStarUpdate frames r as a STAR_UPDATE envelope.
func EncodeStarUpdate(r star.Record) ([]byte, error) {
	data, err := json.Marshal(FromRecord(r))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeStarUpdate, Data: data})
}

// DecodeStar validates one star payload against the schema and decodes it.
func DecodeStar(data json.RawMessage) (star.Record, error) {
	if err := validateStar(data); err != nil {
		return star.Record{}, err
	}
	var in starIn
	if err := json.Unmarshal(data, &in); err != nil {
		return star.Record{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return in.record(), nil
}

// DecodeStarList decodes the legacy JSON array form. Invalid entries fail the whole list.
func DecodeStarList(b []byte) ([]star.Record, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	out := make([]star.Record, 0, len(raw))
	for i, item := range raw {
		r, err := DecodeStar(item)
		if err != nil {
			return nil, fmt.Errorf("star[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func EncodeStarList(recs []star.Record) ([]byte, error) {
	out := make([]StarPayload, 0, len(recs))
	for _, r := range recs {
		out = append(out, FromRecord(r))
	}
	return json.Marshal(out)
}

func validateStar(data json.RawMessage) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty data", ErrBadPayload)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := starSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

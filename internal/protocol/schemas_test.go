package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"starhunt.gg/internal/protocol"
	"starhunt.gg/internal/star"
)

func TestStarUpdate_EncodeDecode(t *testing.T) {
	in := star.Record{
		World:        350,
		Location:     star.Point{X: 3000, Y: 3000},
		Tier:         3,
		Health:       80,
		Miners:       "4",
		Active:       true,
		LastUpdate:   time.UnixMilli(1_700_000_000_123),
		DiscoveredBy: "Zezima",
	}
	b, err := protocol.EncodeStarUpdate(in)
	if err != nil {
		t.Fatalf("EncodeStarUpdate: %v", err)
	}

	env, err := protocol.DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Type != protocol.TypeStarUpdate {
		t.Fatalf("type=%q", env.Type)
	}
	out, err := protocol.DecodeStar(env.Data)
	if err != nil {
		t.Fatalf("DecodeStar: %v", err)
	}
	if out != in {
		t.Fatalf("mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestDecodeStar_WireShape(t *testing.T) {
	raw := json.RawMessage(`{
	  "world": 420,
	  "location": {"x": 3228, "y": 3186, "plane": 0},
	  "tier": 6,
	  "active": true,
	  "lastUpdate": 1005
	}`)
	r, err := protocol.DecodeStar(raw)
	if err != nil {
		t.Fatalf("DecodeStar: %v", err)
	}
	if r.Health != star.UnknownHealth || r.Miners != star.UnknownMiners {
		t.Fatalf("absent fields should decode as unknown: %+v", r)
	}
	if r.Tier != 6 || !r.LastUpdate.Equal(time.UnixMilli(1005)) || r.DiscoveredBy != "" {
		t.Fatalf("decoded record mismatch: %+v", r)
	}
}

func TestDecodeStar_RejectsBadPayloads(t *testing.T) {
	cases := []string{
		``,
		`[]`,
		`{"world": 1}`,
		`{"world": "one", "location": {"x":1,"y":2,"plane":0}}`,
		`{"world": 1, "location": {"x":1,"y":2,"plane":9}}`,
		`{"world": 1, "location": {"x":1,"y":2,"plane":0}, "tier": 12}`,
		`{"world": 1, "location": {"x":1.5,"y":2,"plane":0}}`,
	}
	for _, c := range cases {
		if _, err := protocol.DecodeStar(json.RawMessage(c)); !errors.Is(err, protocol.ErrBadPayload) {
			t.Fatalf("payload %q: expected ErrBadPayload, got %v", c, err)
		}
	}
}

func TestDecodeEnvelope_UnknownTypeStillDecodes(t *testing.T) {
	env, err := protocol.DecodeEnvelope([]byte(`{"type":"STAR_VOTE","data":{"x":1}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if protocol.IsKnownType(env.Type) {
		t.Fatalf("STAR_VOTE should be unknown")
	}
	if _, err := protocol.DecodeEnvelope([]byte(`{"data":{}}`)); !errors.Is(err, protocol.ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestStarList_RoundTrip(t *testing.T) {
	recs := []star.Record{
		star.New(301, star.Point{X: 1, Y: 2}, 4, time.UnixMilli(10)),
		star.New(302, star.Point{X: 3, Y: 4, Plane: 1}, 9, time.UnixMilli(20)),
	}
	b, err := protocol.EncodeStarList(recs)
	if err != nil {
		t.Fatalf("EncodeStarList: %v", err)
	}
	out, err := protocol.DecodeStarList(b)
	if err != nil {
		t.Fatalf("DecodeStarList: %v", err)
	}
	if len(out) != 2 || out[0] != recs[0] || out[1] != recs[1] {
		t.Fatalf("list mismatch: %+v", out)
	}
}

package star

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	UnknownTier   = -1
	UnknownHealth = -1
	UnknownMiners = "unknown"
)

// Point is a tile coordinate.
type Point struct {
	X     int
	Y     int
	Plane int
}

func (p Point) String() string {
	return fmt.Sprintf("(%d, %d, %d)", p.X, p.Y, p.Plane)
}

// Distance is the chebyshev tile distance between two points on the same plane.
// Points on different planes are never near each other.
func (p Point) Distance(o Point) int {
	if p.Plane != o.Plane {
		return int(^uint(0) >> 1)
	}
	return max(abs(p.X-o.X), abs(p.Y-o.Y))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Key identifies one star instance. No two records in a collection share a key.
type Key struct {
	World    int
	Location Point
}

// String renders the key in the "world:x:y:plane" form used by the legacy REST endpoints.
func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", k.World, k.Location.X, k.Location.Y, k.Location.Plane)
}

func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("star key %q: want world:x:y:plane", s)
	}
	var n [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, fmt.Errorf("star key %q: %w", s, err)
		}
		n[i] = v
	}
	return Key{World: n[0], Location: Point{X: n[1], Y: n[2], Plane: n[3]}}, nil
}

// Record is the canonical star entity shared between observers.
type Record struct {
	World        int
	Location     Point
	Tier         int
	Health       int
	Miners       string
	Active       bool
	LastUpdate   time.Time
	DiscoveredBy string
}

// New returns an active record with unknown health and miner count.
func New(world int, loc Point, tier int, now time.Time) Record {
	return Record{
		World:      world,
		Location:   loc,
		Tier:       tier,
		Health:     UnknownHealth,
		Miners:     UnknownMiners,
		Active:     true,
		LastUpdate: now,
	}
}

func (r Record) Key() Key {
	return Key{World: r.World, Location: r.Location}
}

// Merge folds an incoming observation of the same star into r.
//
// Tier is never demoted to unknown, health and miner count only overwrite
// with known values, active is only ever raised, and the timestamp never
// moves backwards. Only local verification (Deactivate) lowers active.
func (r *Record) Merge(in Record) {
	if in.Tier > 0 {
		if in.Tier != r.Tier {
			r.Active = true
		}
		r.Tier = in.Tier
	}
	if in.Health >= 0 {
		r.Health = in.Health
	}
	if in.Miners != "" && in.Miners != UnknownMiners {
		r.Miners = in.Miners
	}
	if in.Active {
		r.Active = true
	}
	if in.LastUpdate.After(r.LastUpdate) {
		r.LastUpdate = in.LastUpdate
	}
	if in.DiscoveredBy != "" {
		r.DiscoveredBy = in.DiscoveredBy
	}
}

// Deactivate marks the star gone as concluded by local verification.
func (r *Record) Deactivate(now time.Time) {
	r.Active = false
	r.Touch(now)
}

// Touch advances LastUpdate to now, never backwards.
func (r *Record) Touch(now time.Time) {
	if now.After(r.LastUpdate) {
		r.LastUpdate = now
	}
}

// Expired reports whether r has been inactive for at least grace as of now.
// Active records never expire.
func (r Record) Expired(now time.Time, grace time.Duration) bool {
	if r.Active {
		return false
	}
	return now.Sub(r.LastUpdate) >= grace
}

func (r Record) String() string {
	return fmt.Sprintf("W%d T%d at %s", r.World, r.Tier, r.Location)
}

// Package observe holds the host-facing scene capability shared by the
// verification, mining and outbound stages of the tick.
package observe

import (
	"errors"

	"starhunt.gg/internal/star"
)

// ErrOutOfBounds is returned by Scene lookups for tiles outside the loaded area.
var ErrOutOfBounds = errors.New("observe: tile out of bounds")

// Object is a static scene object on a tile.
type Object struct {
	ID       int
	Location star.Point
}

// Actor is a player or npc sample for the current tick.
type Actor struct {
	Name      string
	NPCID     int
	Location  star.Point
	Animation int
}

// Scene is what the host renderer exposes for one tick. Implementations are
// only called from the tick goroutine.
type Scene interface {
	World() int
	Tick() uint64
	Observer() star.Point
	InView(p star.Point) bool
	ObjectsAt(p star.Point) ([]Object, error)
	NPCs() []Actor
	Players() []Actor
	// StarHealth returns the star's health percent at p, or star.UnknownHealth.
	StarHealth(p star.Point) int
}

// Presence looks for a star at p. tier is star.UnknownTier when only the
// landing npc is present.
func Presence(s Scene, p star.Point) (tier int, present bool, err error) {
	objs, err := s.ObjectsAt(p)
	if err != nil {
		return star.UnknownTier, false, err
	}
	for _, o := range objs {
		if t := star.TierForObject(o.ID); t > 0 {
			return t, true, nil
		}
	}
	for _, n := range s.NPCs() {
		if n.NPCID == star.NPCID && n.Location == p {
			return star.UnknownTier, true, nil
		}
	}
	return star.UnknownTier, false, nil
}

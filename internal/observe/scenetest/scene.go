// Package scenetest is an in-memory observe.Scene for tests.
package scenetest

import (
	"starhunt.gg/internal/observe"
	"starhunt.gg/internal/star"
)

type Scene struct {
	WorldID   int
	TickNo    uint64
	Me        star.Point
	ViewRange int

	Objects  map[star.Point][]observe.Object
	NPCList  []observe.Actor
	Crowd    []observe.Actor
	Health   map[star.Point]int
	OutOfMap map[star.Point]bool
}

func New(world int, me star.Point) *Scene {
	return &Scene{
		WorldID:   world,
		Me:        me,
		ViewRange: 52,
		Objects:   map[star.Point][]observe.Object{},
		Health:    map[star.Point]int{},
		OutOfMap:  map[star.Point]bool{},
	}
}

// PlaceStar puts the tier object of tier on p, replacing whatever was there.
func (s *Scene) PlaceStar(p star.Point, tier int) {
	id, _ := star.ObjectForTier(tier)
	s.Objects[p] = []observe.Object{{ID: id, Location: p}}
}

func (s *Scene) Clear(p star.Point) {
	delete(s.Objects, p)
	out := s.NPCList[:0]
	for _, n := range s.NPCList {
		if n.Location != p {
			out = append(out, n)
		}
	}
	s.NPCList = out
}

func (s *Scene) World() int           { return s.WorldID }
func (s *Scene) Tick() uint64         { return s.TickNo }
func (s *Scene) Observer() star.Point { return s.Me }
func (s *Scene) NPCs() []observe.Actor {
	return s.NPCList
}
func (s *Scene) Players() []observe.Actor { return s.Crowd }

func (s *Scene) InView(p star.Point) bool {
	return s.Me.Distance(p) <= s.ViewRange
}

func (s *Scene) ObjectsAt(p star.Point) ([]observe.Object, error) {
	if s.OutOfMap[p] {
		return nil, observe.ErrOutOfBounds
	}
	return s.Objects[p], nil
}

func (s *Scene) StarHealth(p star.Point) int {
	if h, ok := s.Health[p]; ok {
		return h
	}
	return star.UnknownHealth
}

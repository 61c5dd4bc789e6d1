// Package mining estimates how many players are working a star.
package mining

import (
	"strconv"

	"starhunt.gg/internal/observe"
	"starhunt.gg/internal/star"
)

// AnimRange is an inclusive range of mining animation ids.
type AnimRange struct {
	Lo int `yaml:"lo"`
	Hi int `yaml:"hi"`
}

func (r AnimRange) Contains(id int) bool { return id >= r.Lo && id <= r.Hi }

// DefaultAnims covers the pickaxe mining animations.
var DefaultAnims = []AnimRange{
	{624, 629},
	{642, 642},
	{4481, 4482},
	{6746, 6760},
	{7139, 7139},
	{7282, 7283},
	{8312, 8313},
	{8329, 8347},
}

const (
	DefaultProximity = 15
	DefaultWindow    = 13
)

type Config struct {
	// Proximity is the farthest the observer can be from a star and still count.
	Proximity int
	// Window is how many ticks a player keeps counting after their last mining animation.
	Window uint64
	Anims  []AnimRange
}

// Estimator remembers when each player last showed a mining animation so
// that the pauses between swings don't drop them from the count.
type Estimator struct {
	cfg        Config
	lastActive map[string]uint64
}

func NewEstimator(cfg Config) *Estimator {
	if cfg.Proximity <= 0 {
		cfg.Proximity = DefaultProximity
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if len(cfg.Anims) == 0 {
		cfg.Anims = DefaultAnims
	}
	return &Estimator{cfg: cfg, lastActive: map[string]uint64{}}
}

// Estimate returns the miner count as a decimal string, or
// star.UnknownMiners when the star can't be judged from here.
func (e *Estimator) Estimate(rec star.Record, scene observe.Scene) string {
	if !rec.Active || rec.World != scene.World() {
		return star.UnknownMiners
	}
	if scene.Observer().Distance(rec.Location) > e.cfg.Proximity {
		return star.UnknownMiners
	}

	tick := scene.Tick()
	n := 0
	for _, p := range scene.Players() {
		if !onFootprint(rec.Location, p.Location) {
			continue
		}
		if e.mining(p.Animation) {
			e.lastActive[p.Name] = tick
			n++
			continue
		}
		if last, ok := e.lastActive[p.Name]; ok && tick-last < e.cfg.Window {
			n++
		}
	}
	return strconv.Itoa(n)
}

func (e *Estimator) mining(anim int) bool {
	for _, r := range e.cfg.Anims {
		if r.Contains(anim) {
			return true
		}
	}
	return false
}

// Reset drops all remembered animation ticks.
func (e *Estimator) Reset() {
	e.lastActive = map[string]uint64{}
}

// onFootprint reports whether p stands next to the 2x2 star at origin.
func onFootprint(origin, p star.Point) bool {
	if p.Plane != origin.Plane {
		return false
	}
	return p.X >= origin.X-1 && p.X <= origin.X+2 &&
		p.Y >= origin.Y-1 && p.Y <= origin.Y+2
}

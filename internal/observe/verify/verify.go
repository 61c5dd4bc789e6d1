// Package verify tracks stars seen by this observer and decides, tick by
// tick, whether each one still exists.
//
//	Unconfirmed -> Active <-> Inactive -> Removed
//
// Every transition stamps the record and is queued for outbound propagation.
// Removal is local bookkeeping only and is not queued.
package verify

import (
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"starhunt.gg/internal/observe"
	"starhunt.gg/internal/star"
)

type State int

const (
	Unconfirmed State = iota
	Active
	Inactive
	Removed
)

func (s State) String() string {
	switch s {
	case Unconfirmed:
		return "unconfirmed"
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case Removed:
		return "removed"
	default:
		return "invalid"
	}
}

// DespawnMode selects which object despawn events deactivate a star immediately.
type DespawnMode string

const (
	DespawnFinalTier DespawnMode = "final_tier"
	DespawnAny       DespawnMode = "any"
)

type Config struct {
	World   int
	Grace   time.Duration
	Despawn DespawnMode
	Debug   bool
}

// Binding is the observation-side state for one tracked star. It never
// travels on the wire.
type Binding struct {
	State    State
	ObjectID int
	NPC      bool
}

// Transition is a snapshot of a record right after a state change.
type Transition struct {
	Record      star.Record
	From        State
	To          State
	TierChanged bool
}

// Sighting is a raw spawn or despawn event from the host.
type Sighting struct {
	Location star.Point
	ObjectID int
	NPC      bool
}

type entry struct {
	rec  star.Record
	bind Binding
}

type Tracker struct {
	cfg Config
	log *log.Logger

	mu      sync.Mutex
	world   int
	entries map[star.Point]*entry
	pending []Transition
}

func NewTracker(cfg Config, logger *log.Logger) *Tracker {
	if cfg.Grace <= 0 {
		cfg.Grace = 60 * time.Second
	}
	if cfg.Despawn == "" {
		cfg.Despawn = DespawnFinalTier
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger,
		world:   cfg.World,
		entries: map[star.Point]*entry{},
	}
}

func (t *Tracker) World() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.world
}

// Reset forgets every tracked star, e.g. on a world hop or logout.
func (t *Tracker) Reset(world int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.world = world
	t.entries = map[star.Point]*entry{}
	t.pending = nil
}

// Spawn handles a star object or landing npc appearing on a tile.
func (t *Tracker) Spawn(s Sighting, now time.Time) {
	tier := star.UnknownTier
	if !s.NPC {
		tier = star.TierForObject(s.ObjectID)
		if tier < 0 {
			return
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[s.Location]
	if !ok {
		e = &entry{rec: star.New(t.world, s.Location, tier, now)}
		e.bind = Binding{State: Active, ObjectID: s.ObjectID, NPC: s.NPC}
		t.entries[s.Location] = e
		t.queueLocked(e, Unconfirmed, false)
		return
	}

	from := e.bind.State
	if s.NPC {
		e.bind.NPC = true
		if from != Active {
			t.activateLocked(e, now)
			t.queueLocked(e, from, false)
		}
		return
	}

	e.bind.ObjectID = s.ObjectID
	tierChanged := e.rec.Tier != tier
	if from == Active && !tierChanged {
		return
	}
	e.rec.Tier = tier
	e.rec.Health = star.UnknownHealth
	t.activateLocked(e, now)
	t.queueLocked(e, from, tierChanged)
}

// Despawn handles a star object leaving a tile. Only the final tier (or any
// tier under DespawnAny) deactivates immediately; other despawns are tier
// transitions that the next spawn or verification pass resolves.
func (t *Tracker) Despawn(s Sighting, now time.Time) {
	if s.NPC {
		return
	}
	tier := star.TierForObject(s.ObjectID)
	if tier < 0 {
		return
	}
	if t.cfg.Despawn != DespawnAny && tier != star.FinalTier {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[s.Location]
	if !ok || !e.rec.Active {
		return
	}
	from := e.bind.State
	t.deactivateLocked(e, now)
	t.queueLocked(e, from, false)
}

// Verify re-checks every tracked star whose tile is in view and expires
// stars that stayed inactive past the grace period. Stars out of view are
// assumed unchanged. It returns the keys of the stars it removed.
func (t *Tracker) Verify(scene observe.Scene, now time.Time) (removed []star.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p, e := range t.entries {
		if scene.InView(p) {
			tier, present, err := observe.Presence(scene, p)
			if err != nil {
				if !errors.Is(err, observe.ErrOutOfBounds) {
					t.log.Printf("verify: lookup %s: %v", p, err)
				}
				continue
			}
			t.applyLocked(e, tier, present, now)
		}

		if e.bind.State == Inactive && e.rec.Expired(now, t.cfg.Grace) {
			if t.cfg.Debug {
				t.log.Printf("verify: removing %s after %s inactive", e.rec, now.Sub(e.rec.LastUpdate))
			}
			e.bind.State = Removed
			delete(t.entries, p)
			removed = append(removed, e.rec.Key())
		}
	}
	return removed
}

func (t *Tracker) applyLocked(e *entry, tier int, present bool, now time.Time) {
	from := e.bind.State
	switch {
	case present && tier > 0:
		if e.rec.Active && from == Active && e.rec.Tier == tier {
			return
		}
		tierChanged := e.rec.Tier != tier
		e.rec.Tier = tier
		e.rec.Health = star.UnknownHealth
		if id, ok := star.ObjectForTier(tier); ok {
			e.bind.ObjectID = id
		}
		t.activateLocked(e, now)
		t.queueLocked(e, from, tierChanged)
	case present:
		e.bind.NPC = true
		if e.rec.Active && from == Active {
			return
		}
		t.activateLocked(e, now)
		t.queueLocked(e, from, false)
	default:
		if !e.rec.Active {
			return
		}
		if t.cfg.Debug {
			t.log.Printf("verify: %s no longer exists, marking inactive", e.rec)
		}
		t.deactivateLocked(e, now)
		t.queueLocked(e, from, false)
	}
}

func (t *Tracker) activateLocked(e *entry, now time.Time) {
	e.rec.Active = true
	e.rec.Touch(now)
	e.bind.State = Active
}

func (t *Tracker) deactivateLocked(e *entry, now time.Time) {
	e.rec.Deactivate(now)
	e.bind = Binding{State: Inactive}
}

func (t *Tracker) queueLocked(e *entry, from State, tierChanged bool) {
	t.pending = append(t.pending, Transition{
		Record:      e.rec,
		From:        from,
		To:          e.bind.State,
		TierChanged: tierChanged,
	})
}

// Drain returns and clears the queued transitions.
func (t *Tracker) Drain() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	return out
}

// Adopt starts tracking a star learned from the network on our world. It
// stays unconfirmed until a spawn or an in-view verification settles it.
func (t *Tracker) Adopt(r star.Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.World != t.world || !r.Active {
		return false
	}
	if _, ok := t.entries[r.Location]; ok {
		return false
	}
	t.entries[r.Location] = &entry{rec: r, bind: Binding{State: Unconfirmed}}
	return true
}

// Report applies an observation made by the host outside the spawn/verify
// path. A record on another world is ignored.
func (t *Tracker) Report(r star.Record, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.World != t.world {
		return false
	}
	e, ok := t.entries[r.Location]
	if !ok {
		e = &entry{rec: r, bind: Binding{State: Unconfirmed}}
		t.entries[r.Location] = e
		if r.Active {
			t.activateLocked(e, now)
		} else {
			t.deactivateLocked(e, now)
		}
		t.queueLocked(e, Unconfirmed, false)
		return true
	}

	from := e.bind.State
	wasActive := e.rec.Active
	oldTier := e.rec.Tier
	e.rec.Merge(r)
	switch {
	case !r.Active && wasActive:
		t.deactivateLocked(e, now)
	case e.rec.Active && from != Active:
		t.activateLocked(e, now)
	}
	if e.bind.State != from || e.rec.Tier != oldTier {
		e.rec.Touch(now)
		t.queueLocked(e, from, e.rec.Tier != oldTier)
	}
	return true
}

// Observe folds the latest health and miner readings into an active star.
// changed reports whether either value differed.
func (t *Tracker) Observe(p star.Point, health int, miners string) (star.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[p]
	if !ok {
		return star.Record{}, false
	}
	changed := false
	if health >= 0 && health != e.rec.Health {
		e.rec.Health = health
		changed = true
	}
	if miners != "" && miners != star.UnknownMiners && miners != e.rec.Miners {
		e.rec.Miners = miners
		changed = true
	}
	return e.rec, changed
}

// Stamp marks a record as being sent now, optionally claiming discovery.
func (t *Tracker) Stamp(p star.Point, now time.Time, by string) (star.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[p]
	if !ok {
		return star.Record{}, false
	}
	e.rec.Touch(now)
	if by != "" {
		e.rec.DiscoveredBy = by
	}
	return e.rec, true
}

func (t *Tracker) Get(p star.Point) (star.Record, Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[p]
	if !ok {
		return star.Record{}, Binding{State: Removed}, false
	}
	return e.rec, e.bind, true
}

// Active returns the tracked stars currently believed to exist, sorted by location.
func (t *Tracker) Active() []star.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]star.Record, 0, len(t.entries))
	for _, e := range t.entries {
		if e.rec.Active {
			out = append(out, e.rec)
		}
	}
	sortByLocation(out)
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func sortByLocation(recs []star.Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].Location, recs[j].Location
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Plane < b.Plane
	})
}

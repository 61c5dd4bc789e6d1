// Package store holds the network-merged star set: every record heard from
// peers plus the ones this process observed itself, merged per key.
package store

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

const DefaultGrace = 60 * time.Second

// LocalAdopter takes network records into the local verification set.
type LocalAdopter interface {
	Adopt(r star.Record) bool
}

// Observer receives the full merged set, most recent first, after it changes.
type Observer func(recs []star.Record)

// Notifier is told about stars that were not known before.
type Notifier func(r star.Record)

type Config struct {
	Grace time.Duration
	// Notifications enables the Notifier for newly inserted active stars.
	Notifications bool
	Debug         bool
}

type Options struct {
	Config Config
	Logger *log.Logger
	Local  LocalAdopter
	Notify Notifier
}

type Store struct {
	cfg    Config
	log    *log.Logger
	local  LocalAdopter
	notify Notifier

	mu      sync.Mutex
	byKey   map[star.Key]*star.Record
	order   []*star.Record
	version uint64

	obsMu     sync.Mutex
	nextObs   int
	observers map[int]Observer

	// pubMu serializes callbacks so observers see versions in order and
	// nothing fires once Close returns.
	pubMu     sync.Mutex
	published uint64
	closed    bool
}

func New(opts Options) *Store {
	cfg := opts.Config
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{
		cfg:       cfg,
		log:       logger,
		local:     opts.Local,
		notify:    opts.Notify,
		byKey:     map[star.Key]*star.Record{},
		observers: map[int]Observer{},
	}
}

// Ingest merges a record received from the network. inserted reports whether
// the key was new.
func (s *Store) Ingest(r star.Record) (inserted bool) {
	s.mu.Lock()
	inserted, changed := s.upsertLocked(r)
	var snap []star.Record
	var ver uint64
	if changed {
		snap, ver = s.stampLocked()
	}
	s.mu.Unlock()

	if r.Active && s.local != nil {
		if s.local.Adopt(r) && s.cfg.Debug {
			s.log.Printf("store: adopted %s into local set", r)
		}
	}
	if inserted && r.Active && r.Tier > 0 && s.cfg.Notifications && s.notify != nil {
		s.callNotify(r)
	}
	if changed {
		s.publish(snap, ver)
	}
	return inserted
}

// MergeLocal reflects a locally observed record into the merged set. Local
// verification is authoritative for its own records, so an inactive local
// record deactivates the merged one. Records with no known tier are only
// merged into existing entries.
func (s *Store) MergeLocal(r star.Record) {
	s.mu.Lock()
	var changed bool
	if _, ok := s.byKey[r.Key()]; ok || r.Tier > 0 {
		_, changed = s.upsertLocked(r)
		if !r.Active {
			e := s.byKey[r.Key()]
			if e.Active {
				e.Deactivate(r.LastUpdate)
				changed = true
			}
		}
	}
	var snap []star.Record
	var ver uint64
	if changed {
		snap, ver = s.stampLocked()
	}
	s.mu.Unlock()
	if changed {
		s.publish(snap, ver)
	}
}

func (s *Store) upsertLocked(r star.Record) (inserted, changed bool) {
	k := r.Key()
	e, ok := s.byKey[k]
	if !ok {
		rec := r
		s.byKey[k] = &rec
		s.order = append(s.order, &rec)
		sort.SliceStable(s.order, func(i, j int) bool {
			return s.order[i].LastUpdate.After(s.order[j].LastUpdate)
		})
		return true, true
	}
	before := *e
	e.Merge(r)
	return false, !same(before, *e)
}

// Deactivate marks a merged record inactive as of now.
func (s *Store) Deactivate(k star.Key, now time.Time) bool {
	s.mu.Lock()
	e, ok := s.byKey[k]
	if !ok || !e.Active {
		s.mu.Unlock()
		return false
	}
	e.Deactivate(now)
	snap, ver := s.stampLocked()
	s.mu.Unlock()
	s.publish(snap, ver)
	return true
}

// VerifyInView marks active records on the scene's world inactive when
// their tile is in view and holds no star. Unreadable tiles are skipped.
func (s *Store) VerifyInView(scene observe.Scene, now time.Time) int {
	world := scene.World()

	s.mu.Lock()
	n := 0
	for _, e := range s.order {
		if e.World != world || !e.Active || !scene.InView(e.Location) {
			continue
		}
		_, present, err := observe.Presence(scene, e.Location)
		if err != nil {
			if !errors.Is(err, observe.ErrOutOfBounds) {
				s.log.Printf("store: verify %s: %v", e.Location, err)
			}
			continue
		}
		if present {
			continue
		}
		if s.cfg.Debug {
			s.log.Printf("store: %s missing from view, marking inactive", e)
		}
		e.Deactivate(now)
		n++
	}
	var snap []star.Record
	var ver uint64
	if n > 0 {
		snap, ver = s.stampLocked()
	}
	s.mu.Unlock()

	if n > 0 {
		s.publish(snap, ver)
	}
	return n
}

// Sweep removes records that have been inactive for at least the grace
// period. It is the only path that deletes merged records.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	kept := s.order[:0]
	removed := 0
	for _, e := range s.order {
		if e.Expired(now, s.cfg.Grace) {
			delete(s.byKey, e.Key())
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.order); i++ {
		s.order[i] = nil
	}
	s.order = kept
	var snap []star.Record
	var ver uint64
	if removed > 0 {
		snap, ver = s.stampLocked()
	}
	s.mu.Unlock()

	if removed > 0 {
		if s.cfg.Debug {
			s.log.Printf("store: swept %d inactive stars", removed)
		}
		s.publish(snap, ver)
	}
	return removed
}

func (s *Store) Find(world int, p star.Point) (star.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[star.Key{World: world, Location: p}]
	if !ok {
		return star.Record{}, false
	}
	return *e, true
}

// Snapshot returns a copy of the merged set. Each insert places the new
// record by LastUpdate, newest first; merges into existing records do not
// reorder the set.
func (s *Store) Snapshot() []star.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Active() []star.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]star.Record, 0, len(s.order))
	for _, e := range s.order {
		if e.Active {
			out = append(out, *e)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Store) snapshotLocked() []star.Record {
	out := make([]star.Record, len(s.order))
	for i, e := range s.order {
		out[i] = *e
	}
	return out
}

// stampLocked snapshots the set for observers under a new version.
func (s *Store) stampLocked() ([]star.Record, uint64) {
	s.version++
	return s.snapshotLocked(), s.version
}

// RegisterObserver adds fn to the change observers and returns a function
// that removes it again.
func (s *Store) RegisterObserver(fn Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// Refresh pushes the current set to every observer without a change.
func (s *Store) Refresh() {
	s.mu.Lock()
	snap, ver := s.stampLocked()
	s.mu.Unlock()
	s.publish(snap, ver)
}

// Close stops observer and notifier callbacks. It waits for a dispatch in
// progress, so it must not be called from inside a callback.
func (s *Store) Close() {
	s.pubMu.Lock()
	s.closed = true
	s.pubMu.Unlock()

	s.obsMu.Lock()
	s.observers = map[int]Observer{}
	s.obsMu.Unlock()
}

// publish hands snap to every observer unless a newer version already went
// out. Observers must not mutate the store synchronously.
func (s *Store) publish(snap []star.Record, ver uint64) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.closed || ver <= s.published {
		return
	}
	s.published = ver

	s.obsMu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		cp := make([]star.Record, len(snap))
		copy(cp, snap)
		s.callObserver(fn, cp)
	}
}

func (s *Store) callObserver(fn Observer, recs []star.Record) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("store: observer panic: %v", r)
		}
	}()
	fn(recs)
}

func (s *Store) callNotify(r star.Record) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.closed {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Printf("store: notifier panic: %v", p)
		}
	}()
	s.notify(r)
}

func same(a, b star.Record) bool {
	return a.World == b.World && a.Location == b.Location &&
		a.Tier == b.Tier && a.Health == b.Health && a.Miners == b.Miners &&
		a.Active == b.Active && a.LastUpdate.Equal(b.LastUpdate) &&
		a.DiscoveredBy == b.DiscoveredBy
}

// Package engine wires verification, estimation, throttling, the merged
// store and the relay session into the observer's tick loop.
package engine

import (
	"errors"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"starhunt.gg/internal/config"
	"starhunt.gg/internal/observe"
	"starhunt.gg/internal/observe/mining"
	"starhunt.gg/internal/observe/outbound"
	"starhunt.gg/internal/observe/verify"
	"starhunt.gg/internal/sched"
	"starhunt.gg/internal/star"
	"starhunt.gg/internal/store"
	"starhunt.gg/internal/transport/rest"
	"starhunt.gg/internal/transport/ws"
)

type Options struct {
	Config config.Config
	// World is the observer's world at startup.
	World     int
	Scheduler sched.Scheduler
	Logger    *log.Logger
	Rand      *rand.Rand
	Dial      ws.DialFunc
	Notify    store.Notifier
}

type Engine struct {
	cfg      config.Config
	sched    sched.Scheduler
	ownSched *sched.Realtime
	log      *log.Logger

	tracker  *verify.Tracker
	miners   *mining.Estimator
	throttle *outbound.Throttle
	store    *store.Store
	session  *ws.Session
	fallback *fallback

	// tickMu keeps ticks from overlapping and guards miners.
	tickMu sync.Mutex

	mu        sync.Mutex
	tasks     []sched.Task
	started   bool
	closeOnce sync.Once
}

func New(opts Options) *Engine {
	cfg := opts.Config
	cfg.Normalize()

	e := &Engine{cfg: cfg, sched: opts.Scheduler, log: opts.Logger}
	if e.sched == nil {
		e.ownSched = sched.NewRealtime()
		e.sched = e.ownSched
	}
	if e.log == nil {
		e.log = log.New(io.Discard, "", 0)
	}

	e.tracker = verify.NewTracker(verify.Config{
		World:   opts.World,
		Grace:   cfg.Verify.InactiveGrace(),
		Despawn: verify.DespawnMode(cfg.Verify.Despawn),
		Debug:   cfg.Debug,
	}, e.log)
	e.miners = mining.NewEstimator(mining.Config{
		Proximity: cfg.Mining.ProximityTiles,
		Window:    uint64(cfg.Mining.WindowTicks),
		Anims:     cfg.Mining.Animations,
	})
	e.throttle = outbound.NewThrottle(cfg.Updates.Frequency(), cfg.Updates.MaxUpdateDistance, opts.Rand)
	e.store = store.New(store.Options{
		Config: store.Config{
			Grace:         cfg.Verify.InactiveGrace(),
			Notifications: cfg.Store.Notifications,
			Debug:         cfg.Debug,
		},
		Logger: e.log,
		Local:  e.tracker,
		Notify: opts.Notify,
	})
	e.session = ws.NewSession(ws.SessionOptions{
		Config: ws.SessionConfig{
			KeepAlive:        cfg.Session.KeepAlive(),
			ReconnectBase:    cfg.Session.ReconnectBase(),
			MaxAttempts:      cfg.Session.MaxAttempts,
			ColdRetry:        cfg.Session.ColdRetry(),
			HandshakeTimeout: cfg.Session.HandshakeTimeout(),
			QueueSize:        cfg.Session.QueueSize,
			Debug:            cfg.Debug,
		},
		Scheduler: e.sched,
		Logger:    e.log,
		Dial:      opts.Dial,
	})
	e.session.RegisterListener(&sessionHooks{e: e})
	if cfg.Legacy.BaseURL != "" {
		e.fallback = newFallback(rest.NewClient(cfg.Legacy.BaseURL, cfg.Legacy.Timeout()), cfg.Legacy.Timeout(), e.log)
	}
	return e
}

// Start schedules the periodic sweep, observer refresh and legacy poll, and
// connects to the configured relay if there is one.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.tasks = append(e.tasks,
		e.sched.Every(e.cfg.Store.Sweep(), func() { e.store.Sweep(e.sched.Now()) }),
		e.sched.Every(e.cfg.Store.Refresh(), e.store.Refresh),
	)
	if e.fallback != nil {
		e.tasks = append(e.tasks, e.sched.Every(e.cfg.Legacy.Poll(), e.pollLegacy))
	}
	e.mu.Unlock()

	if e.cfg.Session.WebsocketURL != "" {
		if err := e.session.Connect(e.cfg.Session.WebsocketURL); err != nil && !errors.Is(err, ws.ErrConnectInFlight) {
			return err
		}
	}
	return nil
}

func (e *Engine) Connect(url string) error { return e.session.Connect(url) }
func (e *Engine) Disconnect()              { e.session.Disconnect() }
func (e *Engine) Reconnect() error         { return e.session.Reconnect() }
func (e *Engine) SessionStatus() ws.Status { return e.session.Status() }

func (e *Engine) RegisterSessionListener(l ws.Listener)   { e.session.RegisterListener(l) }
func (e *Engine) UnregisterSessionListener(l ws.Listener) { e.session.UnregisterListener(l) }

// RegisterStoreObserver subscribes fn to merged-set changes. The returned
// function unsubscribes.
func (e *Engine) RegisterStoreObserver(fn store.Observer) func() {
	return e.store.RegisterObserver(fn)
}

// Ingest merges a record that arrived from outside the relay session.
func (e *Engine) Ingest(r star.Record) bool {
	return e.store.Ingest(r)
}

// ReportLocalObservation records something the host saw outside the spawn
// events, e.g. a star the player inspected. Resulting transitions are sent
// on the next tick.
func (e *Engine) ReportLocalObservation(r star.Record) {
	now := e.sched.Now()
	if r.LastUpdate.IsZero() {
		r.LastUpdate = now
	}
	if e.tracker.Report(r, now) {
		if cur, _, ok := e.tracker.Get(r.Location); ok {
			e.store.MergeLocal(cur)
		}
		return
	}
	e.store.MergeLocal(r)
}

func (e *Engine) ObjectSpawned(p star.Point, objectID int) {
	e.tracker.Spawn(verify.Sighting{Location: p, ObjectID: objectID}, e.sched.Now())
}

func (e *Engine) ObjectDespawned(p star.Point, objectID int) {
	e.tracker.Despawn(verify.Sighting{Location: p, ObjectID: objectID}, e.sched.Now())
}

func (e *Engine) NPCSpawned(p star.Point) {
	e.tracker.Spawn(verify.Sighting{Location: p, NPC: true}, e.sched.Now())
}

// ChangeWorld forgets the local set after a world hop or logout.
func (e *Engine) ChangeWorld(world int) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.changeWorldLocked(world)
}

func (e *Engine) changeWorldLocked(world int) {
	if e.cfg.Debug {
		e.log.Printf("engine: world %d -> %d, clearing local stars", e.tracker.World(), world)
	}
	e.tracker.Reset(world)
	e.miners.Reset()
	e.throttle.Reset()
}

// Tick runs one observation cycle against the host scene.
func (e *Engine) Tick(scene observe.Scene) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	now := e.sched.Now()
	if w := scene.World(); w != e.tracker.World() {
		e.changeWorldLocked(w)
	}

	for _, k := range e.tracker.Verify(scene, now) {
		e.throttle.Forget(k)
	}
	for _, tr := range e.tracker.Drain() {
		if e.cfg.Debug {
			e.log.Printf("engine: %s %s -> %s", tr.Record, tr.From, tr.To)
		}
		e.store.MergeLocal(tr.Record)
		e.publish(tr.Record.Location, now)
	}

	e.store.VerifyInView(scene, now)

	me := scene.Observer()
	for _, rec := range e.tracker.Active() {
		miners := e.miners.Estimate(rec, scene)
		health := star.UnknownHealth
		if scene.InView(rec.Location) && me.Distance(rec.Location) <= e.cfg.Updates.HealthRadius {
			health = scene.StarHealth(rec.Location)
		}
		cur, changed := e.tracker.Observe(rec.Location, health, miners)
		if changed {
			e.store.MergeLocal(cur)
		}
		if !e.throttle.InRange(cur, me) {
			continue
		}
		e.throttle.Note(cur.Key(), changed)
		if e.throttle.Due(cur.Key(), now) {
			e.publish(cur.Location, now)
		}
	}
}

// publish stamps the local record at p and sends it over the relay session,
// or the legacy fallback while the session is down.
func (e *Engine) publish(p star.Point, now time.Time) {
	if !e.cfg.Updates.ShareStarData {
		return
	}
	by := ""
	if e.cfg.Updates.ShareUsername {
		by = e.cfg.Updates.Username
	}
	rec, ok := e.tracker.Stamp(p, now, by)
	if !ok {
		return
	}
	e.store.MergeLocal(rec)
	e.throttle.Sent(rec.Key(), now)

	if e.session.Connected() {
		err := e.session.Send(rec)
		if err == nil {
			return
		}
		e.log.Printf("engine: send %s: %v", rec, err)
	}
	if e.fallback != nil {
		e.fallback.enqueue(rec)
	}
}

// resync resends every active local star after the session (re)opens.
func (e *Engine) resync() {
	if !e.cfg.Updates.ShareStarData {
		return
	}
	for _, rec := range e.tracker.Active() {
		if err := e.session.Send(rec); err != nil {
			e.log.Printf("engine: resync %s: %v", rec, err)
			return
		}
	}
}

func (e *Engine) pollLegacy() {
	if e.session.Connected() {
		return
	}
	e.fallback.poll(func(r star.Record) { e.store.Ingest(r) })
}

// Snapshot returns the merged set, most recent first.
func (e *Engine) Snapshot() []star.Record { return e.store.Snapshot() }

// Active returns the merged stars currently believed to exist.
func (e *Engine) Active() []star.Record { return e.store.Active() }

func (e *Engine) Find(world int, p star.Point) (star.Record, bool) { return e.store.Find(world, p) }

// LocalStars returns the active stars this observer is tracking itself.
func (e *Engine) LocalStars() []star.Record { return e.tracker.Active() }

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		for _, t := range e.tasks {
			t.Cancel()
		}
		e.tasks = nil
		e.mu.Unlock()

		e.session.Close()
		if e.fallback != nil {
			e.fallback.close()
		}
		e.store.Close()
		if e.ownSched != nil {
			e.ownSched.Close()
		}
	})
}

type sessionHooks struct {
	e *Engine
}

func (h *sessionHooks) OnConnected() { h.e.resync() }

func (h *sessionHooks) OnDisconnected() {
	if h.e.cfg.Debug {
		h.e.log.Printf("engine: relay session down")
	}
}

func (h *sessionHooks) OnRecordReceived(r star.Record) { h.e.store.Ingest(r) }

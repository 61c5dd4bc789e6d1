package engine

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"starhunt.gg/internal/config"
	"starhunt.gg/internal/observe"
	"starhunt.gg/internal/observe/scenetest"
	"starhunt.gg/internal/persistence/livedb"
	"starhunt.gg/internal/protocol"
	"starhunt.gg/internal/sched"
	"starhunt.gg/internal/star"
	"starhunt.gg/internal/transport/rest"
	"starhunt.gg/internal/transport/ws"
)

var (
	t0   = time.UnixMilli(1_700_000_000_000)
	here = star.Point{X: 3000, Y: 3000}
)

func objectID(t *testing.T, tier int) int {
	t.Helper()
	id, ok := star.ObjectForTier(tier)
	if !ok {
		t.Fatalf("no object for tier %d", tier)
	}
	return id
}

func newEngine(t *testing.T, mut func(*config.Config)) (*Engine, *sched.Manual) {
	t.Helper()
	cfg := config.Defaults()
	if mut != nil {
		mut(&cfg)
	}
	m := sched.NewManual(t0)
	e := New(Options{Config: cfg, World: 350, Scheduler: m, Rand: rand.New(rand.NewSource(3))})
	t.Cleanup(e.Close)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e, m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestTick_LocalLifecycleAndSweep(t *testing.T) {
	e, m := newEngine(t, func(c *config.Config) {
		c.Updates.ShareUsername = true
		c.Updates.Username = "zezima"
	})
	scene := scenetest.New(350, here)

	var seen [][]star.Record
	e.RegisterStoreObserver(func(recs []star.Record) { seen = append(seen, recs) })

	scene.PlaceStar(here, 6)
	e.ObjectSpawned(here, objectID(t, 6))
	e.Tick(scene)

	got, ok := e.Find(350, here)
	if !ok || !got.Active || got.Tier != 6 || got.DiscoveredBy != "zezima" {
		t.Fatalf("after spawn: %+v ok=%v", got, ok)
	}
	if len(seen) == 0 {
		t.Fatalf("store observer not notified")
	}
	if local := e.LocalStars(); len(local) != 1 {
		t.Fatalf("local=%v", local)
	}

	scene.Health[here] = 75
	e.Tick(scene)
	if got, _ := e.Find(350, here); got.Health != 75 {
		t.Fatalf("health refresh not merged: %+v", got)
	}

	scene.Clear(here)
	e.Tick(scene)
	got, _ = e.Find(350, here)
	if got.Active || !got.LastUpdate.Equal(t0) {
		t.Fatalf("after vanish: %+v", got)
	}

	m.Advance(59 * time.Second)
	if _, ok := e.Find(350, here); !ok {
		t.Fatalf("swept before grace")
	}
	m.Advance(2 * time.Second)
	if _, ok := e.Find(350, here); ok {
		t.Fatalf("not swept after grace")
	}
}

func TestIngest_AdoptsAndVerifiesInView(t *testing.T) {
	e, m := newEngine(t, nil)
	scene := scenetest.New(350, here)
	gone := star.Point{X: 3004, Y: 2998}
	other := star.Point{X: 3010, Y: 3010}

	e.Ingest(star.New(350, gone, 4, t0.Add(-time.Minute)))
	e.Ingest(star.New(302, gone, 4, t0.Add(-time.Minute)))
	e.Ingest(star.New(350, other, 2, t0.Add(-time.Minute)))
	scene.PlaceStar(other, 2)

	m.Advance(time.Second)
	e.Tick(scene)

	if r, _ := e.Find(350, gone); r.Active {
		t.Fatalf("star missing from view still active: %+v", r)
	}
	if r, _ := e.Find(302, gone); !r.Active {
		t.Fatalf("other world star deactivated")
	}
	if r, _ := e.Find(350, other); !r.Active || r.Tier != 2 {
		t.Fatalf("present star: %+v", r)
	}
	if len(e.Active()) != 2 {
		t.Fatalf("active=%v", e.Active())
	}
}

func TestChangeWorld_ClearsLocal(t *testing.T) {
	e, _ := newEngine(t, nil)
	scene := scenetest.New(350, here)
	scene.PlaceStar(here, 3)
	e.ObjectSpawned(here, objectID(t, 3))
	e.Tick(scene)
	if len(e.LocalStars()) != 1 {
		t.Fatalf("not tracked")
	}

	scene.WorldID = 351
	e.Tick(scene)
	if len(e.LocalStars()) != 0 {
		t.Fatalf("local set survived world hop")
	}
	if _, ok := e.Find(350, here); !ok {
		t.Fatalf("merged set should keep other worlds")
	}
}

func TestShareStarDataOff(t *testing.T) {
	e, _ := newEngine(t, func(c *config.Config) {
		c.Updates.ShareStarData = false
		c.Updates.ShareUsername = true
		c.Updates.Username = "zezima"
	})
	scene := scenetest.New(350, here)
	scene.PlaceStar(here, 3)
	e.ObjectSpawned(here, objectID(t, 3))
	e.Tick(scene)
	if r, _ := e.Find(350, here); r.DiscoveredBy != "" {
		t.Fatalf("record stamped while sharing is off: %+v", r)
	}
}

func TestReportLocalObservation(t *testing.T) {
	e, _ := newEngine(t, nil)
	e.ReportLocalObservation(star.New(350, here, 5, time.Time{}))
	if r, ok := e.Find(350, here); !ok || r.Tier != 5 || !r.LastUpdate.Equal(t0) {
		t.Fatalf("report: %+v ok=%v", r, ok)
	}
	e.ReportLocalObservation(star.New(351, here, 5, t0))
	if _, ok := e.Find(351, here); !ok {
		t.Fatalf("other-world report not merged")
	}
}

func startRelay(t *testing.T) (*ws.Server, *livedb.DB, string, string) {
	t.Helper()
	db, err := livedb.Open("")
	if err != nil {
		t.Fatalf("livedb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	hub := ws.NewServer(db, ws.ServerConfig{}, nil)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	rest.NewHandler(db, hub, nil).Routes(mux, "/stars")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, db, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", srv.URL + "/stars"
}

type connWatch struct{ ch chan struct{} }

func (c connWatch) OnConnected()                 { c.ch <- struct{}{} }
func (c connWatch) OnDisconnected()              {}
func (c connWatch) OnRecordReceived(star.Record) {}

// updates reads STAR_UPDATE frames from conn until it closes. A gorilla
// connection can't be read again after a deadline expires, so tests wait on
// the channel instead.
func updates(conn *websocket.Conn) <-chan star.Record {
	ch := make(chan star.Record, 16)
	go func() {
		defer close(ch)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.DecodeEnvelope(msg)
			if err != nil {
				continue
			}
			r, err := protocol.DecodeStar(env.Data)
			if err != nil {
				continue
			}
			ch <- r
		}
	}()
	return ch
}

func next(ch <-chan star.Record, timeout time.Duration) (star.Record, bool) {
	select {
	case r, ok := <-ch:
		return r, ok
	case <-time.After(timeout):
		return star.Record{}, false
	}
}

func TestTick_PublishesThroughRelay(t *testing.T) {
	hub, _, wsURL, _ := startRelay(t)
	peer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	feed := updates(peer)

	e, m := newEngine(t, nil)
	watch := connWatch{ch: make(chan struct{}, 4)}
	e.RegisterSessionListener(watch)
	if err := e.Connect(wsURL); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-watch.ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("engine did not connect")
	}
	waitFor(t, "two peers", func() bool { return hub.Peers() == 2 })

	scene := scenetest.New(350, here)
	scene.PlaceStar(here, 7)
	e.ObjectSpawned(here, objectID(t, 7))
	e.Tick(scene)

	r, ok := next(feed, 3*time.Second)
	if !ok || r.Tier != 7 || !r.Active || r.Key() != (star.Key{World: 350, Location: here}) {
		t.Fatalf("spawn update: %+v ok=%v", r, ok)
	}

	// Changed but inside the jittered interval: held back.
	m.Advance(time.Second)
	scene.Health[here] = 90
	e.Tick(scene)
	if r, ok := next(feed, 100*time.Millisecond); ok {
		t.Fatalf("update sent before interval: %+v", r)
	}

	m.Advance(12 * time.Second)
	e.Tick(scene)
	r, ok = next(feed, 3*time.Second)
	if !ok || r.Health != 90 {
		t.Fatalf("throttled update: %+v ok=%v", r, ok)
	}

	// Transitions bypass the interval.
	m.Advance(time.Second)
	scene.Clear(here)
	e.Tick(scene)
	r, ok = next(feed, 3*time.Second)
	if !ok || r.Active {
		t.Fatalf("deactivation update: %+v ok=%v", r, ok)
	}
}

func TestSession_InboundMergesAndAdopts(t *testing.T) {
	hub, _, wsURL, _ := startRelay(t)
	peer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	e, _ := newEngine(t, nil)
	watch := connWatch{ch: make(chan struct{}, 4)}
	e.RegisterSessionListener(watch)
	_ = e.Connect(wsURL)
	<-watch.ch
	waitFor(t, "two peers", func() bool { return hub.Peers() == 2 })

	b, _ := protocol.EncodeStarUpdate(star.New(350, star.Point{X: 3020, Y: 3000}, 8, t0))
	if err := peer.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "adopted record", func() bool { return len(e.LocalStars()) == 1 })
	if r, ok := e.Find(350, star.Point{X: 3020, Y: 3000}); !ok || r.Tier != 8 {
		t.Fatalf("merged=%+v ok=%v", r, ok)
	}
}

func TestLegacyFallback(t *testing.T) {
	_, db, _, restURL := startRelay(t)
	ctx := context.Background()
	seeded := star.New(351, star.Point{X: 1, Y: 1}, 9, t0)
	if _, _, err := db.Merge(ctx, seeded); err != nil {
		t.Fatalf("seed: %v", err)
	}

	e, m := newEngine(t, func(c *config.Config) { c.Legacy.BaseURL = restURL })
	scene := scenetest.New(350, here)
	scene.PlaceStar(here, 1)
	e.ObjectSpawned(here, objectID(t, 1))
	e.Tick(scene)

	key := star.Key{World: 350, Location: here}
	waitFor(t, "push over REST", func() bool {
		_, ok, _ := db.Get(ctx, key)
		return ok
	})

	m.Advance(time.Second)
	e.ObjectDespawned(here, objectID(t, 1))
	scene.Clear(here)
	e.Tick(scene)
	waitFor(t, "depletion over REST", func() bool {
		r, _, _ := db.Get(ctx, key)
		return !r.Active
	})

	m.Advance(30 * time.Second)
	waitFor(t, "poll", func() bool {
		_, ok := e.Find(351, seeded.Location)
		return ok
	})
}

var _ observe.Scene = (*scenetest.Scene)(nil)

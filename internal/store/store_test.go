package store

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"starhunt.gg/internal/observe/scenetest"
	"starhunt.gg/internal/star"
)

var (
	spot = star.Point{X: 3000, Y: 3000}
	t0   = time.UnixMilli(1_700_000_000_000)
)

func at(ms int64) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

type adopter struct{ got []star.Record }

func (a *adopter) Adopt(r star.Record) bool {
	a.got = append(a.got, r)
	return true
}

func TestIngest_MergeScenario(t *testing.T) {
	s := New(Options{})
	a := star.New(350, spot, star.UnknownTier, at(1000))
	if !s.Ingest(a) {
		t.Fatalf("first ingest should insert")
	}
	b := star.Record{World: 350, Location: spot, Tier: 3, Health: 80, Miners: star.UnknownMiners, LastUpdate: at(1005)}
	if s.Ingest(b) {
		t.Fatalf("second ingest should merge")
	}

	got, ok := s.Find(350, spot)
	if !ok {
		t.Fatalf("record missing")
	}
	if got.Tier != 3 || got.Health != 80 || !got.Active || !got.LastUpdate.Equal(at(1005)) {
		t.Fatalf("merged=%+v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len=%d want 1", s.Len())
	}
}

func TestIngest_KeyUniquenessAndOrder(t *testing.T) {
	s := New(Options{})
	s.Ingest(star.New(350, spot, 5, at(0)))
	s.Ingest(star.New(351, spot, 5, at(2000)))
	s.Ingest(star.New(350, star.Point{X: 3000, Y: 3000, Plane: 1}, 5, at(1000)))
	s.Ingest(star.New(350, spot, 4, at(3000)))

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len=%d want 3", len(snap))
	}
	seen := map[star.Key]bool{}
	for _, r := range snap {
		if seen[r.Key()] {
			t.Fatalf("duplicate key %s", r.Key())
		}
		seen[r.Key()] = true
	}
	// Order is fixed at insert time: w351 (2000), plane 1 (1000), w350 (0 at insert).
	if snap[0].World != 351 || snap[1].Location.Plane != 1 || snap[2].Tier != 4 {
		t.Fatalf("order=%v", snap)
	}
}

func TestSweep_GraceBoundary(t *testing.T) {
	s := New(Options{})
	r := star.New(350, spot, 2, at(0))
	s.Ingest(r)
	r.Active = false
	s.MergeLocal(r)

	if n := s.Sweep(at(59_999)); n != 0 {
		t.Fatalf("swept at 59.999s")
	}
	if _, ok := s.Find(350, spot); !ok {
		t.Fatalf("record removed early")
	}
	if n := s.Sweep(at(60_000)); n != 1 {
		t.Fatalf("not swept at 60s")
	}
	if s.Len() != 0 {
		t.Fatalf("Len=%d", s.Len())
	}
}

func TestSweep_ActiveNeverRemoved(t *testing.T) {
	s := New(Options{})
	s.Ingest(star.New(350, spot, 2, at(0)))
	if n := s.Sweep(at(24 * 3600 * 1000)); n != 0 {
		t.Fatalf("active record swept")
	}
}

func TestSweep_ReactivationResetsTimer(t *testing.T) {
	s := New(Options{})
	r := star.New(350, spot, 2, at(0))
	r.Active = false
	s.MergeLocal(r)

	s.Ingest(star.New(350, spot, 2, at(30_000)))
	if n := s.Sweep(at(61_000)); n != 0 {
		t.Fatalf("reactivated record swept")
	}
}

func TestMergeLocal_RemoteCannotDeactivate(t *testing.T) {
	s := New(Options{})
	s.Ingest(star.New(350, spot, 2, at(0)))
	remote := star.New(350, spot, 2, at(5000))
	remote.Active = false
	s.Ingest(remote)
	if got, _ := s.Find(350, spot); !got.Active {
		t.Fatalf("remote inactive record deactivated the merged star")
	}

	s.MergeLocal(remote)
	if got, _ := s.Find(350, spot); got.Active {
		t.Fatalf("local inactive record did not deactivate")
	}
}

func TestMergeLocal_UnknownTierNotInserted(t *testing.T) {
	s := New(Options{})
	s.MergeLocal(star.New(350, spot, star.UnknownTier, at(0)))
	if s.Len() != 0 {
		t.Fatalf("unknown tier local record inserted")
	}
}

func TestIngest_AdoptsAndNotifies(t *testing.T) {
	ad := &adopter{}
	var notified []star.Record
	s := New(Options{
		Config: Config{Notifications: true},
		Local:  ad,
		Notify: func(r star.Record) { notified = append(notified, r) },
	})

	s.Ingest(star.New(350, spot, 6, at(0)))
	s.Ingest(star.New(350, spot, 5, at(10)))
	inactive := star.New(350, star.Point{X: 1, Y: 1}, 4, at(0))
	inactive.Active = false
	s.Ingest(inactive)

	if len(ad.got) != 2 {
		t.Fatalf("adopt calls=%d want 2", len(ad.got))
	}
	if len(notified) != 1 || notified[0].Tier != 6 {
		t.Fatalf("notified=%v", notified)
	}
}

func TestObservers_PanicIsolated(t *testing.T) {
	var buf bytes.Buffer
	s := New(Options{Logger: log.New(&buf, "", 0)})

	var calls []int
	s.RegisterObserver(func([]star.Record) { panic("boom") })
	stop := s.RegisterObserver(func(recs []star.Record) { calls = append(calls, len(recs)) })

	s.Ingest(star.New(350, spot, 6, at(0)))
	if len(calls) != 1 || calls[0] != 1 {
		t.Fatalf("calls=%v", calls)
	}
	if !strings.Contains(buf.String(), "observer panic") {
		t.Fatalf("panic not logged: %q", buf.String())
	}

	// Same record again: nothing visible changed.
	s.Ingest(star.New(350, spot, 6, at(0)))
	if len(calls) != 1 {
		t.Fatalf("unchanged ingest notified observers")
	}

	stop()
	s.Refresh()
	if len(calls) != 1 {
		t.Fatalf("removed observer still called")
	}
}

func TestVerifyInView(t *testing.T) {
	s := New(Options{})
	here := star.Point{X: 3000, Y: 3000}
	gone := star.Point{X: 3005, Y: 3005}
	far := star.Point{X: 3900, Y: 3900}

	s.Ingest(star.New(350, here, 4, at(0)))
	s.Ingest(star.New(350, gone, 4, at(0)))
	s.Ingest(star.New(350, far, 4, at(0)))
	s.Ingest(star.New(351, gone, 4, at(0)))

	scene := scenetest.New(350, here)
	scene.PlaceStar(here, 4)

	if n := s.VerifyInView(scene, at(1000)); n != 1 {
		t.Fatalf("deactivated %d want 1", n)
	}
	if r, _ := s.Find(350, gone); r.Active || !r.LastUpdate.Equal(at(1000)) {
		t.Fatalf("missing star: %+v", r)
	}
	for _, k := range []star.Key{{World: 350, Location: here}, {World: 350, Location: far}, {World: 351, Location: gone}} {
		if r, _ := s.Find(k.World, k.Location); !r.Active {
			t.Fatalf("%s should stay active", k)
		}
	}
}

func TestObservers_ConcurrentIngestEndsOnLatestSet(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := New(Options{})
		var mu sync.Mutex
		var last []star.Record
		s.RegisterObserver(func(recs []star.Record) {
			time.Sleep(50 * time.Microsecond)
			mu.Lock()
			last = recs
			mu.Unlock()
		})

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 5; i++ {
					s.Ingest(star.New(350, star.Point{X: 3000 + g, Y: 3000 + i}, 4, at(int64(g*10+i))))
				}
			}(g)
		}
		wg.Wait()

		mu.Lock()
		got := len(last)
		mu.Unlock()
		if got != s.Len() || got != 20 {
			t.Fatalf("round %d: observer saw %d stars, store has %d", round, got, s.Len())
		}
	}
}

func TestClose_WaitsForDispatchAndSilencesCallbacks(t *testing.T) {
	s := New(Options{Config: Config{Notifications: true}, Notify: func(star.Record) {
		t.Errorf("notifier called after Close")
	}})
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	s.RegisterObserver(func([]star.Record) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
	})

	go s.Ingest(star.New(350, spot, star.UnknownTier, at(0)))
	<-entered

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("Close returned while an observer was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed

	s.Ingest(star.New(350, star.Point{X: 1, Y: 1}, 6, at(1)))
	s.Sweep(at(time.Hour.Milliseconds()))
	s.Refresh()
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("observer called %d times, want 1", calls)
	}
}

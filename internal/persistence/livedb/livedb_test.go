package livedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"starhunt.gg/internal/star"
)

var spot = star.Point{X: 3000, Y: 3000}

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "live.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMerge_InsertThenMerge(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	a := star.New(350, spot, star.UnknownTier, time.UnixMilli(1000))
	got, inserted, err := db.Merge(ctx, a)
	if err != nil || !inserted || got.Tier != star.UnknownTier {
		t.Fatalf("insert: got=%+v inserted=%v err=%v", got, inserted, err)
	}

	b := star.Record{World: 350, Location: spot, Tier: 3, Health: 80, Miners: star.UnknownMiners, LastUpdate: time.UnixMilli(1005)}
	got, inserted, err = db.Merge(ctx, b)
	if err != nil || inserted {
		t.Fatalf("merge: inserted=%v err=%v", inserted, err)
	}
	if got.Tier != 3 || got.Health != 80 || !got.Active || got.LastUpdate.UnixMilli() != 1005 {
		t.Fatalf("merged=%+v", got)
	}

	stored, ok, err := db.Get(ctx, a.Key())
	if err != nil || !ok || stored.Tier != 3 || stored.Miners != star.UnknownMiners {
		t.Fatalf("stored=%+v ok=%v err=%v", stored, ok, err)
	}
}

func TestMerge_InactiveReportOnlyWhenNewer(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	if _, _, err := db.Merge(ctx, star.New(350, spot, 2, time.UnixMilli(5000))); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	stale := star.New(350, spot, 2, time.UnixMilli(4000))
	stale.Active = false
	got, _, _ := db.Merge(ctx, stale)
	if !got.Active {
		t.Fatalf("stale inactive report deactivated the star")
	}

	fresh := star.New(350, spot, 2, time.UnixMilli(6000))
	fresh.Active = false
	got, _, _ = db.Merge(ctx, fresh)
	if got.Active || got.LastUpdate.UnixMilli() != 6000 {
		t.Fatalf("fresh inactive report: %+v", got)
	}
}

func TestListOrderAndEvict(t *testing.T) {
	db, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	for i, ms := range []int64{1000, 3000, 2000} {
		r := star.New(350, star.Point{X: i, Y: i}, 4, time.UnixMilli(ms))
		if _, _, err := db.Merge(ctx, r); err != nil {
			t.Fatalf("Merge: %v", err)
		}
	}
	list, err := db.List(ctx)
	if err != nil || len(list) != 3 {
		t.Fatalf("List: %v %v", list, err)
	}
	if list[0].Location.X != 1 || list[1].Location.X != 2 || list[2].Location.X != 0 {
		t.Fatalf("order=%v", list)
	}

	k := star.Key{World: 350, Location: star.Point{X: 0, Y: 0}}
	rec, found, err := db.MarkDepleted(ctx, k, time.UnixMilli(10_000))
	if err != nil || !found || rec.Active {
		t.Fatalf("MarkDepleted: %+v %v %v", rec, found, err)
	}
	if _, found, _ := db.MarkDepleted(ctx, star.Key{World: 1}, time.UnixMilli(10_000)); found {
		t.Fatalf("unknown key reported found")
	}

	n, err := db.Evict(ctx, time.UnixMilli(69_999), 60*time.Second)
	if err != nil || n != 0 {
		t.Fatalf("evict early: n=%d err=%v", n, err)
	}
	n, err = db.Evict(ctx, time.UnixMilli(70_000), 60*time.Second)
	if err != nil || n != 1 {
		t.Fatalf("evict: n=%d err=%v", n, err)
	}
	if list, _ := db.List(ctx); len(list) != 2 {
		t.Fatalf("after evict len=%d", len(list))
	}
}

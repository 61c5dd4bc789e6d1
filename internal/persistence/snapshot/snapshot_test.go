package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"starhunt.gg/internal/star"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live", "stars.jsonl.zst")
	gone := star.New(351, star.Point{X: 1, Y: 2, Plane: 1}, 1, time.UnixMilli(900))
	gone.Active = false
	gone.DiscoveredBy = "zezima"
	recs := []star.Record{
		star.New(350, star.Point{X: 3000, Y: 3000}, 6, time.UnixMilli(1000)),
		gone,
	}
	now := time.UnixMilli(5000)
	if err := Write(path, recs, now); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}

	h, got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.Count != 2 || h.TakenAt != 5000 {
		t.Fatalf("header=%+v", h)
	}
	if len(got) != 2 || got[0].Tier != 6 || got[1].Active || got[1].DiscoveredBy != "zezima" {
		t.Fatalf("records=%+v", got)
	}
	if !got[1].LastUpdate.Equal(time.UnixMilli(900)) {
		t.Fatalf("timestamp=%v", got[1].LastUpdate)
	}
}

func TestRead_Missing(t *testing.T) {
	_, recs, err := Read(filepath.Join(t.TempDir(), "nope.zst"))
	if err != nil || recs != nil {
		t.Fatalf("missing snapshot: recs=%v err=%v", recs, err)
	}
}

func writeRaw(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc, _ := zstd.NewWriter(f)
	_, _ = enc.Write([]byte(content))
	_ = enc.Close()
	_ = f.Close()
	return path
}

func TestRead_RejectsVersion(t *testing.T) {
	path := writeRaw(t, "v9.zst", `{"version":9,"taken_at":1,"count":0}`+"\n")
	if _, _, err := Read(path); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestRead_CorruptCount(t *testing.T) {
	path := writeRaw(t, "neg.zst", `{"version":1,"taken_at":1,"count":-1}`+"\n")
	if _, recs, err := Read(path); err == nil || recs != nil {
		t.Fatalf("negative count: recs=%v err=%v", recs, err)
	}

	line := `{"world":350,"location":{"x":1,"y":2,"plane":0},"tier":4,"active":true,"lastUpdate":5}`
	path = writeRaw(t, "huge.zst", `{"version":1,"taken_at":1,"count":4611686018427387904}`+"\n"+line+"\n")
	_, recs, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 1 || recs[0].Tier != 4 {
		t.Fatalf("recs=%+v", recs)
	}
}

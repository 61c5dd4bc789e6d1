// Package snapshot saves and restores the relay's live set across restarts
// as zstd-compressed JSON lines: a header line, then one star per line.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"starhunt.gg/internal/protocol"
	"starhunt.gg/internal/star"
)

const Version = 1

type Header struct {
	Version int   `json:"version"`
	TakenAt int64 `json:"taken_at"`
	Count   int   `json:"count"`
}

// Write replaces the snapshot at path with recs.
func Write(path string, recs []star.Record, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := write(tmp, recs, now); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func write(path string, recs []star.Record, now time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)
	je := json.NewEncoder(bw)

	if err := je.Encode(Header{Version: Version, TakenAt: now.UnixMilli(), Count: len(recs)}); err != nil {
		return err
	}
	for _, r := range recs {
		if err := je.Encode(protocol.FromRecord(r)); err != nil {
			return fmt.Errorf("encode %s: %w", r.Key(), err)
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

const maxPrealloc = 4096

// Read loads a snapshot written by Write. A missing file is not an error.
func Read(path string) (Header, []star.Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Header{}, nil, nil
	}
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return Header{}, nil, err
	}
	defer dec.Close()

	jd := json.NewDecoder(bufio.NewReaderSize(dec, 64*1024))
	var h Header
	if err := jd.Decode(&h); err != nil {
		return Header{}, nil, fmt.Errorf("snapshot header: %w", err)
	}
	if h.Version != Version {
		return h, nil, fmt.Errorf("snapshot version %d not supported", h.Version)
	}
	if h.Count < 0 {
		return h, nil, fmt.Errorf("snapshot header: negative count %d", h.Count)
	}
	// Count is only a hint; the lines that follow are authoritative.
	recs := make([]star.Record, 0, min(h.Count, maxPrealloc))
	for jd.More() {
		var raw json.RawMessage
		if err := jd.Decode(&raw); err != nil {
			return h, nil, fmt.Errorf("snapshot line %d: %w", len(recs)+2, err)
		}
		r, err := protocol.DecodeStar(raw)
		if err != nil {
			return h, nil, fmt.Errorf("snapshot line %d: %w", len(recs)+2, err)
		}
		recs = append(recs, r)
	}
	return h, recs, nil
}

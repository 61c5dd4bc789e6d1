// Package rest is the legacy point-to-point star exchange: POST an array of
// stars to the collection, GET the collection back, and POST a key to
// /depleted to report one star gone.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/klauspost/compress/gzip"

	"starhunt.gg/internal/protocol"
	"starhunt.gg/internal/star"
)

const maxBody = 8 << 20

// DepletedRequest is the body of POST {collection}/depleted.
type DepletedRequest struct {
	Key string `json:"key"`
}

type Client struct {
	base string
	http *http.Client
}

// NewClient talks to the collection at baseURL, e.g. "https://host/stars".
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
	}
}

// Push posts recs as one gzip-compressed JSON array.
func (c *Client) Push(ctx context.Context, recs []star.Record) error {
	raw, err := protocol.EncodeStarList(recs)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	return c.do(req, nil)
}

// Fetch returns the remote collection keyed by star key.
func (c *Client) Fetch(ctx context.Context) (map[star.Key]star.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base, nil)
	if err != nil {
		return nil, err
	}
	var body []byte
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	recs, err := protocol.DecodeStarList(body)
	if err != nil {
		return nil, err
	}
	out := make(map[star.Key]star.Record, len(recs))
	for _, r := range recs {
		if cur, ok := out[r.Key()]; ok {
			cur.Merge(r)
			r = cur
		}
		out[r.Key()] = r
	}
	return out, nil
}

// ReportDepleted tells the remote that the star at k is gone.
func (c *Client) ReportDepleted(ctx context.Context, k star.Key) error {
	b, err := json.Marshal(DepletedRequest{Key: k.String()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/depleted", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, body *[]byte) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if body != nil {
		*body = b
	}
	return nil
}

// LiveSet is what the handler serves.
type LiveSet interface {
	Merge(ctx context.Context, r star.Record) (star.Record, bool, error)
	List(ctx context.Context) ([]star.Record, error)
	MarkDepleted(ctx context.Context, k star.Key, now time.Time) (star.Record, bool, error)
}

// Publisher forwards records accepted over REST to live peers.
type Publisher interface {
	Publish(r star.Record)
}

type Handler struct {
	live LiveSet
	pub  Publisher
	log  *log.Logger
	now  func() time.Time
}

func NewHandler(live LiveSet, pub Publisher, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Handler{live: live, pub: pub, log: logger, now: time.Now}
}

// Routes mounts the collection at prefix (e.g. "/stars") on mux, with gzip
// compression for responses.
func (h *Handler) Routes(mux *http.ServeMux, prefix string) {
	prefix = "/" + strings.Trim(prefix, "/")
	mux.Handle(prefix, gzhttp.GzipHandler(http.HandlerFunc(h.collection)))
	mux.Handle(prefix+"/depleted", gzhttp.GzipHandler(http.HandlerFunc(h.depleted)))
}

func (h *Handler) collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs, err := h.live.List(r.Context())
		if err != nil {
			h.fail(w, http.StatusInternalServerError, err)
			return
		}
		b, err := protocol.EncodeStarList(recs)
		if err != nil {
			h.fail(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)

	case http.MethodPost:
		body, err := readBody(r)
		if err != nil {
			h.fail(w, http.StatusBadRequest, err)
			return
		}
		recs, err := protocol.DecodeStarList(body)
		if err != nil {
			h.fail(w, http.StatusBadRequest, err)
			return
		}
		for _, rec := range recs {
			if _, _, err := h.live.Merge(r.Context(), rec); err != nil {
				h.fail(w, http.StatusInternalServerError, err)
				return
			}
			if h.pub != nil {
				h.pub.Publish(rec)
			}
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) depleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	var req DepletedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	k, err := star.ParseKey(req.Key)
	if err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	rec, found, err := h.live.MarkDepleted(r.Context(), k, h.now())
	if err != nil {
		h.fail(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		http.Error(w, "unknown star", http.StatusNotFound)
		return
	}
	if h.pub != nil {
		h.pub.Publish(rec)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, code int, err error) {
	if code >= 500 {
		h.log.Printf("rest: %v", err)
	}
	http.Error(w, err.Error(), code)
}

var errTooLarge = errors.New("request body too large")

// readBody reads the request, inflating it when Content-Encoding is gzip.
func readBody(r *http.Request) ([]byte, error) {
	var src io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		src = zr
	}
	b, err := io.ReadAll(io.LimitReader(src, maxBody+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBody {
		return nil, errTooLarge
	}
	return b, nil
}

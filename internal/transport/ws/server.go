package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"starhunt.gg/internal/protocol"
	"starhunt.gg/internal/star"
)

// LiveSet is the relay's merged working set.
type LiveSet interface {
	Merge(ctx context.Context, r star.Record) (star.Record, bool, error)
	List(ctx context.Context) ([]star.Record, error)
}

type ServerConfig struct {
	// RateLimit is the sustained inbound messages per second allowed per peer.
	RateLimit    float64
	Burst        int
	QueueSize    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

// Server is the broadcast relay: every valid update from one peer is merged
// into the live set and forwarded to all other peers.
type Server struct {
	live LiveSet
	cfg  ServerConfig
	log  *log.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[uuid.UUID]*peer
}

type peer struct {
	id      uuid.UUID
	out     chan []byte
	limiter *rate.Limiter
}

func NewServer(live LiveSet, cfg ServerConfig, logger *log.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		live: live,
		cfg:  cfg,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: map[uuid.UUID]*peer{},
	}
}

func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p := &peer{
			id:      uuid.New(),
			out:     make(chan []byte, s.cfg.QueueSize),
			limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.Burst),
		}
		// Join the broadcast before reading the live set; updates that land
		// during the sync wait in p.out until the writer starts.
		s.add(p)
		defer s.remove(p)
		if err := s.sync(r.Context(), conn); err != nil {
			s.log.Printf("relay: initial sync to %s: %v", r.RemoteAddr, err)
			return
		}
		if s.cfg.Debug {
			s.log.Printf("relay: peer %s joined from %s", p.id, r.RemoteAddr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-p.out:
					_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)) }
		conn.SetPingHandler(func(data string) error {
			extend()
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteTimeout))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
		conn.SetPongHandler(func(string) error { extend(); return nil })

		// Reader loop.
		for {
			extend()
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if !p.limiter.Allow() {
				if s.cfg.Debug {
					s.log.Printf("relay: peer %s over rate limit, dropping message", p.id)
				}
				continue
			}
			s.handle(ctx, p, msg)
		}
		if s.cfg.Debug {
			s.log.Printf("relay: peer %s left", p.id)
		}
	}
}

// sync writes the live set to a newly connected peer. It runs before the
// peer's writer goroutine starts, so it owns the connection.
func (s *Server) sync(ctx context.Context, conn *websocket.Conn) error {
	recs, err := s.live.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		b, err := protocol.EncodeStarUpdate(r)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handle(ctx context.Context, from *peer, msg []byte) {
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		s.log.Printf("relay: peer %s sent malformed message: %v", from.id, err)
		return
	}
	switch env.Type {
	case protocol.TypeStarUpdate:
		rec, err := protocol.DecodeStar(env.Data)
		if err != nil {
			s.log.Printf("relay: peer %s: %v", from.id, err)
			return
		}
		if _, _, err := s.live.Merge(ctx, rec); err != nil {
			s.log.Printf("relay: merge %s: %v", rec.Key(), err)
			return
		}
		s.broadcast(from.id, msg)
	case protocol.TypePlayerJoin, protocol.TypePlayerLeave:
		s.broadcast(from.id, msg)
	default:
		if s.cfg.Debug {
			s.log.Printf("relay: peer %s sent unhandled %s", from.id, env.Type)
		}
	}
}

// Publish sends a record that arrived by another route to every peer.
func (s *Server) Publish(r star.Record) {
	b, err := protocol.EncodeStarUpdate(r)
	if err != nil {
		s.log.Printf("relay: encode %s: %v", r.Key(), err)
		return
	}
	s.broadcast(uuid.Nil, b)
}

func (s *Server) broadcast(from uuid.UUID, b []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.peers {
		if id == from {
			continue
		}
		select {
		case p.out <- b:
		default:
			s.log.Printf("relay: peer %s queue full, dropping update", id)
		}
	}
}

func (s *Server) add(p *peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
}

// Stats is a point-in-time summary for the relay's status endpoint.
type Stats struct {
	Peers int `json:"peers"`
	Stars int `json:"stars"`
}

func (s *Server) StatsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		recs, err := s.live.List(r.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(Stats{Peers: s.Peers(), Stars: len(recs)})
	}
}

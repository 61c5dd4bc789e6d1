package ws

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"starhunt.gg/internal/protocol"
	"starhunt.gg/internal/sched"
	"starhunt.gg/internal/star"
)

var (
	ErrConnectInFlight = errors.New("ws: connection attempt already in flight")
	ErrClosed          = errors.New("ws: session closed")
	ErrNotConnected    = errors.New("ws: not connected")
	ErrQueueFull       = errors.New("ws: outbound queue full")
	ErrNoEndpoint      = errors.New("ws: no endpoint configured")
)

// Listener receives session events. Callbacks run on the session's I/O
// goroutines and must not call Close.
type Listener interface {
	OnConnected()
	OnDisconnected()
	OnRecordReceived(r star.Record)
}

type SessionConfig struct {
	KeepAlive        time.Duration
	ReconnectBase    time.Duration
	MaxAttempts      int
	ColdRetry        time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	QueueSize        int
	Debug            bool
}

func (c *SessionConfig) normalize() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ColdRetry <= 0 {
		c.ColdRetry = 60 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2*c.KeepAlive + 15*time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// DialFunc opens the websocket. The default uses a gorilla Dialer.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

type SessionOptions struct {
	Config    SessionConfig
	Scheduler sched.Scheduler
	Logger    *log.Logger
	Dial      DialFunc
}

// ReconnectDelay is the wait before the given 1-based reconnect attempt.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// Session owns one logical duplex connection to a relay and fans inbound
// records out to listeners. Network I/O never runs on the caller's goroutine.
type Session struct {
	cfg      SessionConfig
	sched    sched.Scheduler
	ownSched *sched.Realtime
	log      *log.Logger
	dial     DialFunc

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu          sync.RWMutex
	url         string
	conn        *websocket.Conn
	connCancel  context.CancelFunc
	out         chan []byte
	gen         uint64
	connecting  bool
	closed      bool
	paused      bool
	attempts    int
	connectedAt time.Time
	lastErr     string

	keepAlive sched.Task
	retry     sched.Task
	cold      sched.Task

	lmu       sync.RWMutex
	listeners []Listener
	// calls counts listener dispatches in progress; Close waits for them.
	calls sync.WaitGroup
}

func NewSession(opts SessionOptions) *Session {
	cfg := opts.Config
	cfg.normalize()
	s := &Session{
		cfg:   cfg,
		sched: opts.Scheduler,
		log:   opts.Logger,
		dial:  opts.Dial,
	}
	if s.sched == nil {
		s.ownSched = sched.NewRealtime()
		s.sched = s.ownSched
	}
	if s.log == nil {
		s.log = log.New(io.Discard, "", 0)
	}
	if s.dial == nil {
		d := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
		s.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, resp, err := d.DialContext(ctx, url, nil)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			return conn, err
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Connect opens the session to url, or to the last endpoint when url is
// empty. It returns immediately: nil if already open or the attempt was
// started, ErrConnectInFlight if an attempt is already running.
func (s *Session) Connect(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if url != "" {
		s.url = url
	}
	if s.url == "" {
		return ErrNoEndpoint
	}
	s.paused = false
	if s.conn != nil {
		return nil
	}
	if s.connecting {
		return ErrConnectInFlight
	}
	s.startDialLocked()
	return nil
}

// Reconnect resets the attempt counter and dials again if the session is down.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.url == "" {
		return ErrNoEndpoint
	}
	s.paused = false
	s.attempts = 0
	s.cancelRetryLocked()
	if s.conn != nil || s.connecting {
		return nil
	}
	s.startDialLocked()
	return nil
}

// Disconnect closes the current connection and suspends automatic
// reconnection until the next Connect or Reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.gen++
	s.connecting = false
	s.cancelRetryLocked()
	conn := s.teardownLocked()
	s.mu.Unlock()

	if conn != nil {
		s.closeConn(conn)
		s.dispatchDisconnected()
	}
}

// Close shuts the session down. Scheduled reconnects and keep-alives are
// cancelled, callbacks in progress are waited for, and no listener callback
// runs after Close returns. It must not be called from a listener.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.gen++
		s.cancelRetryLocked()
		conn := s.teardownLocked()
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			s.closeConn(conn)
		}
		s.wg.Wait()
		s.calls.Wait()
		if s.ownSched != nil {
			s.ownSched.Close()
		}
	})
}

// Send queues rec for delivery as a STAR_UPDATE without blocking.
func (s *Session) Send(rec star.Record) error {
	b, err := protocol.EncodeStarUpdate(rec)
	if err != nil {
		return err
	}
	s.mu.RLock()
	conn, out, closed := s.conn, s.out, s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	select {
	case out <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

type Status struct {
	Endpoint    string
	Connected   bool
	Connecting  bool
	Paused      bool
	Attempts    int
	ConnectedAt time.Time
	LastError   string
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Endpoint:    s.url,
		Connected:   s.conn != nil,
		Connecting:  s.connecting,
		Paused:      s.paused,
		Attempts:    s.attempts,
		ConnectedAt: s.connectedAt,
		LastError:   s.lastErr,
	}
}

func (s *Session) startDialLocked() {
	s.connecting = true
	s.gen++
	gen, url := s.gen, s.url
	s.wg.Add(1)
	go s.run(gen, url)
}

// run dials, then becomes the read loop for the connection it opened.
func (s *Session) run(gen uint64, url string) {
	defer s.wg.Done()

	conn, err := s.dial(s.ctx, url)

	s.mu.Lock()
	if s.closed || s.paused || gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	s.connecting = false
	if err != nil {
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.log.Printf("ws: connect %s: %v", url, err)
		s.dispatchDisconnected()
		s.mu.Lock()
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	out := make(chan []byte, s.cfg.QueueSize)
	s.conn = conn
	s.connCancel = cancel
	s.out = out
	s.attempts = 0
	s.connectedAt = s.sched.Now()
	s.lastErr = ""
	s.cancelRetryLocked()
	s.keepAlive = s.sched.Every(s.cfg.KeepAlive, func() { s.ping(conn) })
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Printf("ws: connected to %s", url)
	go s.writeLoop(ctx, conn, out)
	s.dispatchConnected()
	s.readLoop(conn)
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Printf("ws: write: %v", err)
				// Unblocks the read loop, which owns reconnection.
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	extend := func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	conn.SetPongHandler(extend)
	conn.SetPingHandler(func(data string) error {
		_ = extend(data)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.lost(conn, err)
			return
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg []byte) {
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		s.log.Printf("ws: dropping malformed message: %v", err)
		return
	}
	switch env.Type {
	case protocol.TypeStarUpdate:
		rec, err := protocol.DecodeStar(env.Data)
		if err != nil {
			s.log.Printf("ws: dropping %s: %v", env.Type, err)
			return
		}
		s.dispatchRecord(rec)
	default:
		if !s.cfg.Debug {
			return
		}
		if protocol.IsKnownType(env.Type) {
			s.log.Printf("ws: ignoring %s message", env.Type)
		} else {
			s.log.Printf("ws: ignoring unknown message type %q", env.Type)
		}
	}
}

func (s *Session) ping(conn *websocket.Conn) {
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
	if err != nil && s.cfg.Debug {
		s.log.Printf("ws: ping: %v", err)
	}
}

// lost handles a connection that failed underneath us.
func (s *Session) lost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Disconnect or Close already took it down.
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.lastErr = err.Error()
	s.mu.Unlock()

	_ = conn.Close()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.cfg.Debug {
		s.log.Printf("ws: connection lost: %v", err)
	}
	s.dispatchDisconnected()

	s.mu.Lock()
	s.scheduleReconnectLocked()
	s.mu.Unlock()
}

func (s *Session) teardownLocked() *websocket.Conn {
	conn := s.conn
	s.conn = nil
	s.out = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.keepAlive != nil {
		s.keepAlive.Cancel()
		s.keepAlive = nil
	}
	return conn
}

func (s *Session) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// scheduleReconnectLocked arms the next backoff attempt, or the cold retry
// once MaxAttempts consecutive attempts have failed.
func (s *Session) scheduleReconnectLocked() {
	if s.closed || s.paused || s.conn != nil || s.connecting || s.retry != nil {
		return
	}
	if s.attempts >= s.cfg.MaxAttempts {
		if s.cold == nil {
			s.log.Printf("ws: giving up after %d attempts, retrying every %s", s.attempts, s.cfg.ColdRetry)
			s.cold = s.sched.Every(s.cfg.ColdRetry, s.coldRetry)
		}
		return
	}
	s.attempts++
	delay := ReconnectDelay(s.cfg.ReconnectBase, s.attempts)
	if s.cfg.Debug {
		s.log.Printf("ws: reconnect attempt %d in %s", s.attempts, delay)
	}
	s.retry = s.sched.After(delay, s.retryNow)
}

func (s *Session) retryNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = nil
	if s.closed || s.paused || s.conn != nil || s.connecting {
		return
	}
	s.startDialLocked()
}

func (s *Session) coldRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.paused || s.conn != nil || s.connecting {
		return
	}
	s.startDialLocked()
}

func (s *Session) cancelRetryLocked() {
	if s.retry != nil {
		s.retry.Cancel()
		s.retry = nil
	}
	if s.cold != nil {
		s.cold.Cancel()
		s.cold = nil
	}
}

// RegisterListener adds l. Registering the same listener twice is a no-op.
func (s *Session) RegisterListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for _, x := range s.listeners {
		if x == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *Session) UnregisterListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, x := range s.listeners {
		if x == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// dispatch calls fn for every registered listener unless the session is
// closed. Adds to calls happen under mu while open, so they all precede
// the Wait in Close.
func (s *Session) dispatch(event string, fn func(Listener)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.calls.Add(1)
	s.mu.Unlock()
	defer s.calls.Done()

	s.lmu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()
	for _, l := range ls {
		s.safeCall(event, func() { fn(l) })
	}
}

func (s *Session) dispatchConnected() {
	s.dispatch("connected", func(l Listener) { l.OnConnected() })
}

func (s *Session) dispatchDisconnected() {
	s.dispatch("disconnected", func(l Listener) { l.OnDisconnected() })
}

func (s *Session) dispatchRecord(r star.Record) {
	s.dispatch("record", func(l Listener) { l.OnRecordReceived(r) })
}

func (s *Session) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("ws: listener panic on %s: %v", event, r)
		}
	}()
	fn()
}

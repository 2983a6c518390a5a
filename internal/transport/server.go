package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Server is the editor link: it serves both the streaming WebSocket
// variant and the HTTP long-poll fallback on a single port, and admits
// only one active editor connection at a time across either transport.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server

	mu     sync.Mutex
	active activeConn

	inbound chan []byte

	poll *pollRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	Logger *log.Logger
}

// activeConn abstracts over the two transport variants for the purpose
// of sending an outbound message to whichever one is currently active.
type activeConn interface {
	send(ctx context.Context, data []byte) error
	close()
}

// Config configures a Server.
type Config struct {
	Port int
	// StaleTimeout is how long an HTTP long-poll client may go without
	// polling before it is reaped. Defaults to 60s.
	StaleTimeout time.Duration
	Logger       *log.Logger
}

// New creates a Server. Call Start to begin listening. A zero Port lets
// the OS assign an ephemeral port, which Addr() reports after Start.
func New(cfg Config) *Server {
	staleTimeout := cfg.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:    fmt.Sprintf(":%d", cfg.Port),
		inbound: make(chan []byte, 256),
		poll:    newPollRegistry(staleTimeout),
		ctx:     ctx,
		cancel:  cancel,
		Logger:  logger,
	}
}

// Start begins listening and serving both transport variants.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport: listening on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/connect", s.handlePollConnect)
	mux.HandleFunc("/send", s.handlePollSend)
	mux.HandleFunc("/poll", s.handlePollPoll)
	mux.HandleFunc("/disconnect", s.handlePollDisconnect)

	s.http = &http.Server{Handler: withCORS(mux)}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Logger.Printf("listening on %s", s.addr)
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Logger.Printf("serve error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.reapStaleLoop()

	return nil
}

// Stop closes the active connection, if any, and shuts the HTTP server
// down, waiting for both background goroutines to exit.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	if s.active != nil {
		s.active.close()
		s.active = nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("transport: shutting down: %w", err)
	}

	s.wg.Wait()
	// s.inbound is intentionally never closed: handler goroutines for
	// in-flight requests at the moment of Shutdown may still be mid-send
	// on it, and with multiple concurrent senders there is no single
	// owner that could close it safely. Callers simply stop reading
	// after Stop returns.
	return nil
}

// Inbound returns the channel of raw inbound messages from whichever
// transport variant is currently active.
func (s *Server) Inbound() <-chan []byte {
	return s.inbound
}

// Send delivers an outbound message to the active connection, if any.
// It is a no-op, not an error, when there is currently no active
// connection — the editor agent is responsible for reconnecting and
// requesting a fresh snapshot.
func (s *Server) Send(data []byte) error {
	s.mu.Lock()
	conn := s.active
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.send(ctx, data)
}

// acquire installs conn as the active connection. Per the one-active-
// connection contract, a second connection does not get refused: it
// evicts whichever connection was active and takes its place.
func (s *Server) acquire(conn activeConn) {
	s.mu.Lock()
	prev := s.active
	s.active = conn
	s.mu.Unlock()

	if prev != nil {
		prev.close()
	}
}

// release clears conn as the active connection if it still is one —
// a stale release (the connection has already been superseded) is a
// no-op. Poll connections are matched by client id rather than pointer
// identity, since each HTTP request handler constructs its own *pollConn
// wrapper around the same underlying client.
func (s *Server) release(conn activeConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sameConn(s.active, conn) {
		s.active = nil
	}
}

func sameConn(a, b activeConn) bool {
	if a == nil || b == nil {
		return a == b
	}
	if pa, ok := a.(*pollConn); ok {
		pb, ok := b.(*pollConn)
		return ok && pa.client.id == pb.client.id
	}
	return a == b
}

func (s *Server) deliverInbound(data []byte) {
	select {
	case s.inbound <- data:
	case <-s.ctx.Done():
	}
}

// wsConn adapts a coder/websocket connection to activeConn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.Logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	wc := &wsConn{conn: conn}
	s.acquire(wc)
	s.Logger.Printf("editor connected over websocket")

	defer func() {
		s.release(wc)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			s.Logger.Printf("websocket read ended: %v", err)
			return
		}
		s.deliverInbound(data)
	}
}

// withCORS allows the editor agent (typically running inside a browser
// or an external editor process on a different origin) to call the
// long-poll endpoints cross-origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

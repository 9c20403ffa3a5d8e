// Package observe exposes an optional, local, read-only view of the proxy: a
// JSON snapshot of the supervisor and a live stream of diagnostics lines. It
// binds only when the operator asks for it and never touches the
// client-output stream.
package observe

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/respawn-sh/respawn/supervisor"
)

// Server serves GET /status and GET /diagnostics on a local address.
type Server struct {
	log        *zap.SugaredLogger
	listenAddr string
	sup        *supervisor.Supervisor
	bcast      *Broadcaster

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func NewServer(sup *supervisor.Supervisor, bcast *Broadcaster, opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		listenAddr: "127.0.0.1:0",
		sup:        sup,
		bcast:      bcast,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	router := httprouter.New()
	router.GET("/status", s.status)
	router.GET("/diagnostics", s.diagnostics)

	server := &http.Server{Handler: router}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return listener.Close()
	}
	s.httpServer = server
	s.mu.Unlock()

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(s.sup.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// diagnostics streams diagnostics lines to the observer over a WebSocket. A
// slow observer gets lines dropped, never a stalled diagnostics pump.
func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		// Accept has already written its own error response
		s.log.Debugf("diagnostics WebSocket accept error: %s", err)
		return
	}

	obs := &observerWriter{lines: make(chan []byte, 128)}
	s.bcast.Attach(obs)
	defer s.bcast.Detach(obs)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case line := <-obs.lines:
			if err := wsConn.Write(ctx, websocket.MessageText, line); err != nil {
				s.log.Debugf("diagnostics observer write error: %s", err)
				wsConn.Close(websocket.StatusInternalError, err.Error())
				return
			}
		}
	}
}

// observerWriter adapts the per-observer line channel to io.Writer. Write
// never blocks: when the observer cannot keep up, lines are dropped.
type observerWriter struct {
	lines chan []byte
}

func (o *observerWriter) Write(p []byte) (int, error) {
	select {
	case o.lines <- append([]byte(nil), p...):
	default:
	}
	return len(p), nil
}

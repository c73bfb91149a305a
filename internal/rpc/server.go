// ABOUTME: WebSocket transport carrying the RPC protocol over a single HTTP listener
// ABOUTME: One reader and one writer goroutine per connection; events share the writer

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/ward-gateway/internal/ratelimit"
	"github.com/2389/ward-gateway/internal/registry"
)

const (
	// writeTimeout bounds a single frame write so one wedged peer cannot
	// stall the writer goroutine forever.
	writeTimeout = 10 * time.Second

	// connectTimeout bounds how long a fresh socket may sit silent before
	// presenting its handshake frame.
	connectTimeout = 15 * time.Second

	maxFrameBytes = 1 << 20
)

// Server terminates websocket connections and runs the RPC loop for each.
type Server struct {
	httpSrv    *http.Server
	upgrader   websocket.Upgrader
	gateway    *Gateway
	dispatcher *Dispatcher
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewServer builds the HTTP server with the websocket endpoint at /ws and
// a plain health endpoint at /healthz, both behind the rate limiter.
func NewServer(addr string, gw *Gateway, d *Dispatcher, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gateway:    gw,
		dispatcher: d,
		limiter:    limiter,
		logger:     logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin checks do not apply to operator tooling.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           limiter.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.gateway.Health())
}

// handleWS upgrades the socket and runs the connection lifecycle: the
// first frame must be a connect request; every later frame is dispatched.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "peer_addr", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxFrameBytes)

	conn, connectID, accepted := s.handshake(ws, r.RemoteAddr)
	if !accepted {
		return
	}
	defer s.gateway.Disconnect(conn.ID)

	respCh := make(chan Response, 16)
	writerDone := make(chan struct{})
	go s.writeLoop(ws, conn, respCh, writerDone)

	s.send(respCh, writerDone, ok(connectID, ConnectResult{ConnID: conn.ID, Scopes: conn.Scopes}))

	sess := &Session{Conn: conn, RemoteAddr: r.RemoteAddr}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read loop ended", "conn_id", conn.ID, "error", err)
			}
			return
		}

		// Dispatch concurrently: approval requests block on an operator for
		// up to the approval timeout and must not freeze the connection.
		go func(req Request) {
			resp := s.dispatcher.Dispatch(ctx, sess, req)
			s.send(respCh, writerDone, resp)
		}(req)
	}
}

// handshake reads and answers the mandatory connect frame. On failure the
// error response is written directly (no writer goroutine exists yet) and
// the socket is abandoned.
func (s *Server) handshake(ws *websocket.Conn, remoteAddr string) (*registry.Connection, string, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(connectTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	var req Request
	if err := ws.ReadJSON(&req); err != nil {
		s.logger.Warn("connect frame not received", "peer_addr", remoteAddr, "error", err)
		return nil, "", false
	}

	if req.Method != "connect" {
		s.writeDirect(ws, fail(req.ID, newError(CodeValidationFailed, "first frame must be connect")))
		return nil, "", false
	}

	var params ConnectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeDirect(ws, fail(req.ID, newError(CodeValidationFailed, "malformed connect params: "+err.Error())))
			return nil, "", false
		}
	}

	conn, cerr := s.gateway.Connect(params, remoteAddr)
	if cerr != nil {
		s.writeDirect(ws, fail(req.ID, cerr))
		return nil, "", false
	}
	return conn, req.ID, true
}

// writeLoop is the single writer for a connection. It interleaves method
// responses with server-pushed events and exits when the connection is
// unregistered.
func (s *Server) writeLoop(ws *websocket.Conn, conn *registry.Connection, respCh <-chan Response, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-conn.Done():
			return
		case ev := <-conn.Events():
			if !s.writeDirect(ws, ev) {
				return
			}
		case resp := <-respCh:
			if !s.writeDirect(ws, resp) {
				return
			}
		}
	}
}

// send queues a response for the writer, giving up if the writer is gone.
func (s *Server) send(respCh chan<- Response, writerDone <-chan struct{}, resp Response) {
	select {
	case respCh <- resp:
	case <-writerDone:
	}
}

// writeDirect writes one JSON frame with a bounded deadline.
func (s *Server) writeDirect(ws *websocket.Conn, v any) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(v); err != nil {
		s.logger.Debug("frame write failed", "error", err)
		return false
	}
	return true
}

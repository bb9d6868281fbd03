// Package wstransport is the WebSocket listener feeding the bridge's
// connection handler. It owns everything the core deliberately does not:
// listen address, TLS posture, upgrade handshake, read limits and idle
// deadlines, and the translation of socket events into the handler's
// connect/text/close/error entry points.
package wstransport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autobridge/autobridge/broker"
	"github.com/autobridge/autobridge/internal/logctx"
	"github.com/autobridge/autobridge/internal/metrics"
)

const (
	defaultWSPath      = "/ws"
	defaultIdleTimeout = 10 * time.Minute
	writeTimeout       = 10 * time.Second

	// maxFrameBytes leaves headroom above the validator's 64 KiB ceiling so
	// oversize frames are rejected with a protocol error instead of a socket
	// close.
	maxFrameBytes = 128 * 1024
)

// Option configures the Server.
type Option func(*Server)

// WithTLS serves TLS (minimum version 1.2) using the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithPath overrides the WebSocket endpoint path (default /ws).
func WithPath(path string) Option {
	return func(s *Server) { s.wsPath = path }
}

// WithIdleTimeout bounds how long a connection may sit without inbound
// frames before the read loop gives up on it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// Server accepts WebSocket sessions and drives the broker handler.
type Server struct {
	log     *slog.Logger
	handler *broker.Handler

	addr        string
	wsPath      string
	certFile    string
	keyFile     string
	idleTimeout time.Duration

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New constructs a transport server listening on addr.
func New(addr string, h *broker.Handler, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		log:         log,
		handler:     h,
		addr:        addr,
		wsPath:      defaultWSPath,
		idleTimeout: defaultIdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are headless automation processes, not browsers; there is
			// no origin to trust or distrust.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe blocks serving connections until Shutdown is called or the
// listener fails.
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.wsPath, s.serveWS)
	mux.Handle("/metrics", metrics.HTTPHandler())

	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	if s.certFile != "" && s.keyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		s.log.Info("listening with TLS", slog.String("addr", s.addr))
		err := s.httpSrv.ListenAndServeTLS(s.certFile, s.keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	s.log.Warn("TLS not enabled; serving unsecured connections", slog.String("addr", s.addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sourceIP := remoteIP(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed",
			slog.String("remote_addr", sourceIP), slog.Any("error", err))
		return
	}

	handle := &wsHandle{conn: ws}
	ctx := r.Context()

	cc, err := s.handler.HandleConnect(ctx, handle, sourceIP)
	if err != nil {
		// Admission denied: tell the peer why and drop the socket.
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		handle.close()
		return
	}

	ctx = logctx.WithConnData(context.WithoutCancel(ctx), &logctx.ConnData{
		ConnID:     cc.ID(),
		RemoteAddr: sourceIP,
	})

	go s.readLoop(ctx, cc, handle)
}

// readLoop delivers inbound frames to the handler one at a time, preserving
// per-connection order. It exits on the first read failure, reporting a
// transport error for anything that is not a clean close, then always fires
// the close event exactly once.
func (s *Server) readLoop(ctx context.Context, cc *broker.ClientConn, handle *wsHandle) {
	ws := handle.conn
	ws.SetReadLimit(maxFrameBytes)

	closeCode := websocket.CloseNormalClosure
	closeReason := ""

	defer func() {
		handle.close()
		cc.HandleClose(ctx, closeCode, closeReason)
	}()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				closeCode = closeErr.Code
				closeReason = closeErr.Text
			} else {
				closeCode = websocket.CloseAbnormalClosure
				closeReason = err.Error()
				cc.HandleError(ctx, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cc.HandleText(ctx, data)
	}
}

// wsHandle adapts a gorilla connection to the registry's send capability.
// Writes are serialized; gorilla allows at most one concurrent writer.
type wsHandle struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool
}

func (h *wsHandle) Send(data []byte) error {
	if h.closed.Load() {
		return errors.New("connection closed")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *wsHandle) Open() bool {
	return !h.closed.Load()
}

func (h *wsHandle) close() {
	if h.closed.CompareAndSwap(false, true) {
		_ = h.conn.Close()
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

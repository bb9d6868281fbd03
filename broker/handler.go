// Package broker is the per-connection protocol driver. It owns a
// connection's lifecycle from the transport's point of view: admission at
// connect time, decode and security checks per text frame, dispatch through
// the router, and teardown on close. The transport layer (whatever it is)
// only ever sees connect/text/close/error entry points.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/autobridge/autobridge/internal/logctx"
	"github.com/autobridge/autobridge/internal/metrics"
	"github.com/autobridge/autobridge/protocol"
	"github.com/autobridge/autobridge/registry"
	"github.com/autobridge/autobridge/router"
	"github.com/autobridge/autobridge/security"
)

// Gate is the slice of the security gate consulted by the handler.
type Gate interface {
	CheckConnection(sourceIP string) security.Decision
	CheckMessage(clientID string, env *protocol.Envelope, rawSize int, sourceIP string) security.Decision
	Disconnect(clientID string)
}

// Handler wires the security gate, router, and registry together for every
// connection the transport accepts. One Handler serves all connections; the
// per-connection state lives in ClientConn.
type Handler struct {
	log    *slog.Logger
	reg    *registry.Registry
	gate   Gate
	router *router.Router
}

// NewHandler constructs the shared connection handler.
func NewHandler(reg *registry.Registry, gate Gate, rt *router.Router, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{log: log, reg: reg, gate: gate, router: rt}
}

// ClientConn is the protocol driver for one transport session. Its methods
// are invoked by the transport's read loop, so inbound frame order per
// connection is preserved naturally.
type ClientConn struct {
	h        *Handler
	id       string
	sourceIP string
}

// ID returns the connection id assigned at admission.
func (c *ClientConn) ID() string { return c.id }

// HandleConnect runs connection admission and registers a provisional
// identity. The provisional role is Service and the name "unknown" until the
// peer's authentication notification arrives. A blocked connection returns an
// error carrying the denial reason; the transport should refuse the session.
func (h *Handler) HandleConnect(ctx context.Context, handle registry.Handle, sourceIP string) (*ClientConn, error) {
	if d := h.gate.CheckConnection(sourceIP); !d.Allowed {
		metrics.SecurityDenialsTotal.WithLabelValues("connection").Inc()
		return nil, fmt.Errorf("connection refused: %s", d.Reason)
	}

	connID := uuid.NewString()
	identity := registry.NewIdentity(connID, protocol.RoleService, "unknown")
	h.reg.Register(connID, handle, identity)

	h.log.InfoContext(ctx, "connection established",
		slog.String("conn_id", connID),
		slog.String("remote_addr", sourceIP))

	return &ClientConn{h: h, id: connID, sourceIP: sourceIP}, nil
}

// HandleText processes one inbound text frame. A malformed or denied frame
// answers the sender with an error envelope and leaves the connection up; a
// single bad message never tears the session down.
func (c *ClientConn) HandleText(ctx context.Context, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			c.h.log.ErrorContext(ctx, "panic while handling frame",
				slog.String("conn_id", c.id), slog.Any("panic", rec))
			c.h.reg.Send(c.id, protocol.NewError(uuid.NewString(),
				protocol.CodeInternalError, "internal server error"))
		}
	}()

	env, err := protocol.Decode(raw)
	if err != nil {
		metrics.ParseFailuresTotal.Inc()
		c.h.log.WarnContext(ctx, "failed to parse frame",
			slog.String("conn_id", c.id), slog.Any("error", err))
		c.h.reg.Send(c.id, protocol.NewError(uuid.NewString(),
			protocol.CodeParseError, "failed to parse message: "+err.Error()))
		return
	}

	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{
		ID:     env.ID,
		Type:   string(env.Type),
		Method: env.Method,
	})
	metrics.MessagesTotal.WithLabelValues(string(env.Type)).Inc()

	c.h.reg.TouchActivity(c.id)

	if d := c.h.gate.CheckMessage(c.id, env, len(raw), c.sourceIP); !d.Allowed {
		metrics.SecurityDenialsTotal.WithLabelValues("message").Inc()
		c.h.reg.Send(c.id, protocol.NewError(env.ID, protocol.CodeServerError, d.Reason))
		return
	}

	reply := c.h.router.Dispatch(router.Caller{ConnID: c.id, SourceIP: c.sourceIP}, env)
	if reply != nil {
		if !c.h.reg.Send(c.id, reply) {
			c.h.log.WarnContext(ctx, "reply undeliverable", slog.String("conn_id", c.id))
		}
	}
}

// HandleClose tears the connection down: this close (or an error-triggered
// close from the transport) is the only path that unregisters the entry and
// invalidates the security session.
func (c *ClientConn) HandleClose(ctx context.Context, code int, reason string) {
	c.h.log.InfoContext(ctx, "connection closed",
		slog.String("conn_id", c.id),
		slog.Int("code", code),
		slog.String("reason", reason))
	c.h.reg.Unregister(c.id)
	c.h.gate.Disconnect(c.id)
}

// HandleError records a transport fault. The entry stays registered; the
// transport follows up with a close event which performs the teardown.
func (c *ClientConn) HandleError(ctx context.Context, err error) {
	c.h.log.ErrorContext(ctx, "transport error",
		slog.String("conn_id", c.id), slog.Any("error", err))
	c.h.reg.SetStatus(c.id, protocol.StatusDisconnected)
}

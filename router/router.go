// Package router classifies admitted envelopes and either executes built-in
// procedures, forwards requests to the right peer, or fans notifications out
// according to the broadcast policy. The router holds no per-message state:
// everything it needs comes from the registry and the envelope itself.
package router

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autobridge/autobridge/internal/metrics"
	"github.com/autobridge/autobridge/protocol"
	"github.com/autobridge/autobridge/registry"
)

// Authenticator is the slice of the security gate the router needs to process
// authentication notifications.
type Authenticator interface {
	Authenticate(clientID, role, token, sourceIP string) (string, protocol.Role, error)
}

// Caller identifies the connection an envelope arrived on.
type Caller struct {
	ConnID   string
	SourceIP string
}

// Router dispatches envelopes for the bridge.
type Router struct {
	log     *slog.Logger
	reg     *registry.Registry
	auth    Authenticator
	version string
	started time.Time
}

// New constructs a router over the registry and authenticator. version is
// reported by server.status.
func New(reg *registry.Registry, auth Authenticator, version string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Router{
		log:     log,
		reg:     reg,
		auth:    auth,
		version: version,
		started: time.Now(),
	}
}

// Dispatch processes one admitted envelope from the caller and returns the
// synchronous reply, or nil when no synchronous reply is due (notifications,
// responses, and requests routed to a peer). A panic anywhere below this
// boundary is converted to an InternalError envelope; internal detail never
// reaches the peer.
func (r *Router) Dispatch(from Caller, env *protocol.Envelope) (reply *protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic during dispatch",
				slog.String("conn_id", from.ConnID),
				slog.String("method", env.Method),
				slog.Any("panic", rec))
			reply = protocol.NewError(env.ID, protocol.CodeInternalError, "internal server error")
		}
	}()

	switch env.Type {
	case protocol.TypeRequest:
		return r.handleRequest(from, env)
	case protocol.TypeResponse:
		return r.handleResponse(from, env)
	case protocol.TypeNotification:
		return r.handleNotification(from, env)
	default:
		return protocol.NewError(env.ID, protocol.CodeInvalidRequest,
			fmt.Sprintf("unexpected message type: %s", env.Type))
	}
}

func (r *Router) handleRequest(from Caller, env *protocol.Envelope) *protocol.Envelope {
	if env.Method == "" {
		return protocol.NewError(env.ID, protocol.CodeInvalidRequest, "missing method name")
	}

	if result, handled, err := r.invokeBuiltin(env.Method, from.ConnID, env.Params); handled {
		if err != nil {
			r.log.Error("builtin method failed",
				slog.String("method", env.Method), slog.Any("error", err))
			return protocol.NewError(env.ID, protocol.CodeInternalError,
				"method execution failed: "+err.Error())
		}
		return protocol.NewResponse(env.ID, result)
	}

	return r.route(from, env)
}

// handleResponse is terminal: routed requests are fire-and-forget from the
// bridge's perspective, so a peer's response has no originator to return to.
// It is logged and dropped.
func (r *Router) handleResponse(from Caller, env *protocol.Envelope) *protocol.Envelope {
	r.log.Debug("dropping uncorrelated response",
		slog.String("conn_id", from.ConnID), slog.String("id", env.ID))
	return nil
}

func (r *Router) handleNotification(from Caller, env *protocol.Envelope) *protocol.Envelope {
	switch env.Method {
	case "client.authenticate":
		return r.handleAuthenticate(from, env)
	case "automation.status_update":
		n := r.reg.Broadcast(protocol.RoleScheduler, env, from.ConnID)
		metrics.BroadcastDeliveriesTotal.Add(float64(n))
		return nil
	default:
		r.broadcastBySourceRole(from, env)
		return nil
	}
}

// route forwards a request whose method is not built in. Methods under
// "automation." go to the single service connection; "scheduler." methods go
// to the first scheduler. The reply, if the peer ever sends one, arrives
// asynchronously and is not correlated back (see handleResponse).
func (r *Router) route(from Caller, env *protocol.Envelope) *protocol.Envelope {
	switch {
	case strings.HasPrefix(env.Method, "automation."):
		target, ok := r.reg.ServiceConn()
		if !ok {
			return protocol.NewError(env.ID, protocol.CodeClientNotFound, "AutomationService not connected")
		}
		if !r.reg.Send(target, env) {
			r.log.Warn("routed request undeliverable",
				slog.String("method", env.Method), slog.String("target", target))
		}
		return nil
	case strings.HasPrefix(env.Method, "scheduler."):
		targets := r.reg.ListByRole(protocol.RoleScheduler)
		if len(targets) == 0 {
			return protocol.NewError(env.ID, protocol.CodeClientNotFound, "AutomationScheduler not connected")
		}
		if !r.reg.Send(targets[0], env) {
			r.log.Warn("routed request undeliverable",
				slog.String("method", env.Method), slog.String("target", targets[0]))
		}
		return nil
	default:
		return protocol.NewError(env.ID, protocol.CodeMethodNotFound, "unknown method: "+env.Method)
	}
}

// handleAuthenticate runs the gate's authentication flow and, on success,
// promotes the caller's provisional identity in place. The identity must
// already exist; authentication never creates registry entries.
func (r *Router) handleAuthenticate(from Caller, env *protocol.Envelope) *protocol.Envelope {
	roleStr := stringParam(env.Params, "type")
	name := stringParam(env.Params, "name")
	version := stringParam(env.Params, "version")
	token := stringParam(env.Params, "token")

	issued, role, err := r.auth.Authenticate(from.ConnID, roleStr, token, from.SourceIP)
	if err != nil {
		return protocol.NewError(env.ID, protocol.CodeInvalidParams,
			"authentication failed: "+err.Error())
	}

	identity, ok := r.reg.Get(from.ConnID)
	if !ok {
		return protocol.NewError(env.ID, protocol.CodeServerError, "connection not registered")
	}
	identity.Role = role
	identity.Name = name
	identity.Version = version
	identity.Status = protocol.StatusConnected
	r.reg.UpdateIdentity(from.ConnID, identity)

	r.log.Info("client authenticated",
		slog.String("conn_id", from.ConnID),
		slog.String("name", name),
		slog.String("version", version),
		slog.String("role", string(role)))

	return protocol.NewResponse(env.ID, map[string]any{"token": issued})
}

// broadcastBySourceRole fans an unmatched notification out according to the
// sender's role: service to all schedulers; scheduler to the service and the
// other schedulers; anything else to everyone. The sender never receives its
// own notification back.
func (r *Router) broadcastBySourceRole(from Caller, env *protocol.Envelope) {
	identity, ok := r.reg.Get(from.ConnID)
	if !ok {
		return
	}
	delivered := 0
	switch identity.Role {
	case protocol.RoleService:
		delivered = r.reg.Broadcast(protocol.RoleScheduler, env, from.ConnID)
	case protocol.RoleScheduler:
		delivered = r.reg.Broadcast(protocol.RoleService, env, from.ConnID)
		delivered += r.reg.Broadcast(protocol.RoleScheduler, env, from.ConnID)
	default:
		delivered = r.reg.BroadcastAll(env, from.ConnID)
	}
	metrics.BroadcastDeliveriesTotal.Add(float64(delivered))
}

// invokeBuiltin executes one of the closed set of built-in methods. The
// second return reports whether the method was built in at all.
func (r *Router) invokeBuiltin(method, callerID string, params map[string]any) (any, bool, error) {
	switch method {
	case "server.status":
		return map[string]any{
			"uptime":  time.Since(r.started).Milliseconds(),
			"clients": r.reg.Len(),
			"version": r.version,
		}, true, nil
	case "server.list_clients":
		return r.reg.ListAll(), true, nil
	case "server.ping":
		return map[string]any{"pong": time.Now().UnixMilli()}, true, nil
	default:
		return nil, false, nil
	}
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

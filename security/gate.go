package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autobridge/autobridge/protocol"
)

// Default policy values, overridable through Config.
const (
	DefaultTokenTTL          = time.Hour
	DefaultSessionTTL        = time.Hour
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = 60 * time.Second
)

// ErrRoleNotAssignable indicates a peer tried to self-declare a role that is
// only reachable through configuration.
var ErrRoleNotAssignable = errors.New("security: role not assignable by peers")

// Config is the security policy surface consumed by the gate.
type Config struct {
	// JWTSecret signs identity tokens. When empty a random secret is
	// generated at construction and logged once so operators can pin it.
	JWTSecret string
	// TokenTTL bounds minted token lifetime. Defaults to one hour.
	TokenTTL time.Duration
	// AllowedIPs is the connection allow-list (literal, CIDR, or hostname
	// rules). Empty means allow-all, announced loudly.
	AllowedIPs []string
	// RequireAuth gates every non-authenticate message on a live session.
	RequireAuth bool
	// RateLimitRequests per RateLimitWindow, applied independently to client
	// ids and source IPs. Defaults: 100 per 60s.
	RateLimitRequests int
	RateLimitWindow   time.Duration
	// SessionTTL is the inactivity bound on authenticated sessions.
	SessionTTL time.Duration
}

func (c *Config) applyDefaults(log *slog.Logger) {
	if c.JWTSecret == "" {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		c.JWTSecret = base64.StdEncoding.EncodeToString(buf)
		log.Warn("no JWT secret configured; generated one for this process",
			slog.String("jwt_secret", c.JWTSecret))
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = DefaultRateLimitRequests
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
}

// Decision is the outcome of an admission checkpoint.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision              { return Decision{Allowed: true} }
func block(reason string) Decision { return Decision{Reason: reason} }

// session is one authenticated client. Lifetime is bounded by inactivity;
// disconnect invalidates it regardless of TTL.
type session struct {
	clientID     string
	role         protocol.Role
	token        string
	sourceIP     string
	issuedAt     time.Time
	lastActivity time.Time
}

func (s *session) valid(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.lastActivity) < ttl
}

// Gate composes the security sub-services and the authenticated-session
// table. All methods are safe for concurrent use.
type Gate struct {
	cfg       Config
	log       *slog.Logger
	tokens    *TokenService
	ips       *IPFilter
	clientRL  *RateLimiter
	ipRL      *RateLimiter
	validator *Validator

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewGate builds every sub-service from cfg and assembles the gate. Secret
// generation and the permissive empty-allow-list warning happen here, once.
func NewGate(cfg Config, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cfg.applyDefaults(log)
	return &Gate{
		cfg:       cfg,
		log:       log,
		tokens:    NewTokenService(cfg.JWTSecret, cfg.TokenTTL),
		ips:       NewIPFilter(cfg.AllowedIPs, log),
		clientRL:  NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, log),
		ipRL:      NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, log),
		sessions:  make(map[string]*session),
		validator: NewValidator(),
	}
}

// Tokens exposes the token service for verification by out-of-band tooling.
func (g *Gate) Tokens() *TokenService { return g.tokens }

// CheckConnection is the connection-admission checkpoint: allow-list first,
// then the source-IP rate bucket.
func (g *Gate) CheckConnection(sourceIP string) Decision {
	if !g.ips.Allowed(sourceIP) {
		g.event("CONNECTION_BLOCKED", "", sourceIP, "", "IP not in allow-list", true)
		return block("IP not in allow-list")
	}
	if !g.ipRL.Allow(sourceIP) {
		g.event("RATE_LIMIT_EXCEEDED", "", sourceIP, "", "connection rate", true)
		return block("rate limit exceeded for IP")
	}
	g.event("CONNECTION_ALLOWED", "", sourceIP, "", "", false)
	return allow()
}

// CheckMessage is the message-admission checkpoint: rate buckets, then
// validation, then (when required) the authenticated-session lookup. The
// authentication notification itself is exempt from the session check.
func (g *Gate) CheckMessage(clientID string, env *protocol.Envelope, rawSize int, sourceIP string) Decision {
	method := ""
	if env != nil {
		method = env.Method
	}

	if !g.clientRL.Allow(clientID) || !g.ipRL.Allow(sourceIP) {
		g.event("RATE_LIMIT_EXCEEDED", clientID, sourceIP, method, "", true)
		return block("rate limit exceeded")
	}

	if err := g.validator.ValidateMessage(env, rawSize); err != nil {
		g.event("INVALID_MESSAGE", clientID, sourceIP, method, err.Error(), true)
		return block("invalid message: " + err.Error())
	}

	if g.cfg.RequireAuth && method != "client.authenticate" {
		g.mu.Lock()
		sess, ok := g.sessions[clientID]
		if !ok || !sess.valid(g.cfg.SessionTTL, time.Now()) {
			g.mu.Unlock()
			g.event("UNAUTHENTICATED_REQUEST", clientID, sourceIP, method, "", true)
			return block("authentication required")
		}
		sess.lastActivity = time.Now()
		g.mu.Unlock()
	}

	g.event("MESSAGE_ALLOWED", clientID, sourceIP, method, "", false)
	return allow()
}

// Authenticate processes a peer's authentication attempt and returns the
// token now bound to the session. Format checks run first, independent of
// token policy. When auth is not required a fresh token is minted
// unconditionally. When required, a presented token must verify and name the
// presenting client; an empty token is treated as first-time login and minted
// for. Every successful branch records (or overwrites) the session.
func (g *Gate) Authenticate(clientID, roleStr, token, sourceIP string) (string, protocol.Role, error) {
	if err := g.validator.ValidateClientID(clientID); err != nil {
		g.event("INVALID_CLIENT_ID", clientID, sourceIP, "client.authenticate", err.Error(), true)
		return "", "", fmt.Errorf("invalid client id: %w", err)
	}
	role, err := protocol.ParseRole(roleStr)
	if err != nil {
		g.event("INVALID_CLIENT_ROLE", clientID, sourceIP, "client.authenticate", err.Error(), true)
		return "", "", err
	}
	if role == protocol.RoleAdmin {
		g.event("INVALID_CLIENT_ROLE", clientID, sourceIP, "client.authenticate", "admin is config-only", true)
		return "", "", ErrRoleNotAssignable
	}

	if !g.cfg.RequireAuth {
		minted, err := g.tokens.Mint(clientID, role)
		if err != nil {
			return "", "", err
		}
		g.recordSession(clientID, role, minted, sourceIP)
		g.event("CLIENT_AUTHENTICATED_NO_AUTH", clientID, sourceIP, "client.authenticate", "", false)
		return minted, role, nil
	}

	if token != "" {
		if err := g.tokens.VerifyFor(token, clientID); err != nil {
			g.event("INVALID_TOKEN", clientID, sourceIP, "client.authenticate", err.Error(), true)
			return "", "", err
		}
		g.recordSession(clientID, role, token, sourceIP)
		g.event("CLIENT_AUTHENTICATED", clientID, sourceIP, "client.authenticate", "", false)
		return token, role, nil
	}

	minted, err := g.tokens.Mint(clientID, role)
	if err != nil {
		return "", "", err
	}
	g.recordSession(clientID, role, minted, sourceIP)
	g.event("NEW_TOKEN_GENERATED", clientID, sourceIP, "client.authenticate", "", false)
	return minted, role, nil
}

func (g *Gate) recordSession(clientID string, role protocol.Role, token, sourceIP string) {
	now := time.Now()
	g.mu.Lock()
	g.sessions[clientID] = &session{
		clientID:     clientID,
		role:         role,
		token:        token,
		sourceIP:     sourceIP,
		issuedAt:     now,
		lastActivity: now,
	}
	g.mu.Unlock()
}

// Disconnect invalidates the client's session immediately, regardless of TTL.
func (g *Gate) Disconnect(clientID string) {
	g.mu.Lock()
	sess, ok := g.sessions[clientID]
	if ok {
		delete(g.sessions, clientID)
	}
	g.mu.Unlock()
	if ok {
		g.event("CLIENT_DISCONNECTED", clientID, sess.sourceIP, "disconnect", "", false)
	}
}

// IsClientAuthenticated reports whether the client holds a session within its
// inactivity TTL. Expired sessions are excluded even before the sweep removes
// them.
func (g *Gate) IsClientAuthenticated(clientID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sess, ok := g.sessions[clientID]
	return ok && sess.valid(g.cfg.SessionTTL, time.Now())
}

// CleanupExpired removes sessions past their inactivity TTL and prunes the
// rate-limiter tables in the same pass. Safe to run concurrently with every
// other gate operation.
func (g *Gate) CleanupExpired() int {
	now := time.Now()
	var expired []*session

	g.mu.Lock()
	for id, sess := range g.sessions {
		if !sess.valid(g.cfg.SessionTTL, now) {
			delete(g.sessions, id)
			expired = append(expired, sess)
		}
	}
	g.mu.Unlock()

	for _, sess := range expired {
		g.event("SESSION_EXPIRED", sess.clientID, sess.sourceIP, "cleanup", "", false)
	}

	g.clientRL.Prune()
	g.ipRL.Prune()
	return len(expired)
}

// event emits one structured security event: warn for denials, info for
// allows. Denials are never silently ignored.
func (g *Gate) event(kind, clientID, sourceIP, method, detail string, denied bool) {
	attrs := []any{
		slog.String("event", kind),
		slog.String("client_id", clientID),
		slog.String("source_ip", sourceIP),
		slog.String("method", method),
	}
	if detail != "" {
		attrs = append(attrs, slog.String("detail", detail))
	}
	if denied {
		g.log.Warn("security event", attrs...)
	} else {
		g.log.Info("security event", attrs...)
	}
}

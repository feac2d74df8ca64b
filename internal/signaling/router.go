package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"support-platform/internal/arbitration"
	"support-platform/internal/auth"
	"support-platform/internal/calls"
	"support-platform/internal/presence"
	"support-platform/internal/protocol"
	"support-platform/internal/rbac"
	"support-platform/internal/transcript"
	"support-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Router is the signaling layer: it owns the websocket connections,
// dispatches inbound messages to arbitration, the registry and the relay,
// and turns registry changes into outbound notifications.
type Router struct {
	reg   *calls.Registry
	dir   *presence.Directory
	arb   *arbitration.Arbiter
	relay *transcript.Relay
	hub   *Hub

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
	sendBuffer   int
	iceServers   []protocol.ICEServer
	newID        func() string
	log          *slog.Logger
}

type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration

	// AllowedOrigins is matched against the Origin header on upgrade.
	// "*" allows any origin; requests without an Origin header are allowed.
	AllowedOrigins []string

	// SendBuffer bounds each connection's outbound queue.
	SendBuffer int

	// ICEServers are advertised in the ready message.
	ICEServers []protocol.ICEServer

	Logger *slog.Logger
}

func NewRouter(reg *calls.Registry, dir *presence.Directory, arb *arbitration.Arbiter, opts Options) *Router {
	r := &Router{
		reg:          reg,
		dir:          dir,
		arb:          arb,
		hub:          NewHub(),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		sendBuffer:   opts.SendBuffer,
		iceServers:   opts.ICEServers,
		newID:        uuid.NewString,
		log:          opts.Logger,
	}
	if r.writeTimeout <= 0 {
		r.writeTimeout = 10 * time.Second
	}
	if r.pingInterval <= 0 {
		r.pingInterval = 25 * time.Second
	}
	if r.sendBuffer <= 0 {
		r.sendBuffer = 64
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	r.relay = transcript.NewRelay(reg, r.hub, r.log)
	reg.Observe(r.onChange)
	return r
}

// Relay exposes the transcript relay so other surfaces can push insights.
func (r *Router) Relay() *transcript.Relay { return r.relay }

// Hub exposes the live connection index.
func (r *Router) Hub() *Hub { return r.hub }

// ServeWS upgrades an authenticated request into a signaling connection.
// It expects auth.RequireAccessToken earlier in the chain.
func (r *Router) ServeWS(c *gin.Context) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	if !rbac.IsCallParticipant(id.Role) && id.Role != rbac.RoleAnalyst {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role cannot open a signaling channel"})
		return
	}

	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromGin(c).Warn("ws upgrade failed", "err", err)
		return
	}
	// Connection logs inherit the upgrade request's request_id.
	r.serve(ws, id, logger.From(c.Request.Context(), r.log))
}

func (r *Router) serve(ws *websocket.Conn, id auth.Identity, base *slog.Logger) {
	connID := r.newID()
	l := logger.ForConnection(base, connID, id.Role, id.UserID)
	conn := newConn(connID, id.Role, id.UserID, ws, r.sendBuffer, l)
	conn.name, conn.phone = id.Name, id.Phone

	r.hub.add(conn)
	defer r.disconnect(conn)
	go conn.writePump(r.writeTimeout, r.pingInterval)

	l.Info("signaling connection opened")
	_ = conn.enqueue(protocol.New(protocol.TypeReady, "", protocol.Ready{
		ConnectionID: connID,
		Role:         protocol.Role(id.Role),
		Identity:     id.UserID,
		ICEServers:   r.iceServers,
	}))

	pongWait := r.pingInterval + r.writeTimeout
	ws.SetReadLimit(maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.closed() {
				l.Warn("ws read failed", "err", err)
			}
			return
		}
		if msg.Type == "" {
			continue
		}
		if err := r.dispatch(conn, msg); err != nil {
			r.replyError(conn, msg, err)
		}
	}
}

// disconnect runs every side effect owned by the connection exactly once.
func (r *Router) disconnect(conn *Conn) {
	conn.close()
	r.hub.remove(conn.ID)

	joined, requested := conn.scopes()
	for sessionID, role := range joined {
		if !r.reg.Unbind(sessionID, role, conn.ID) {
			continue
		}
		if _, err := r.arb.Disconnected(sessionID, role); err != nil && !errors.Is(err, calls.ErrIllegalTransition) {
			conn.log.Debug("disconnect transition skipped", "session_id", sessionID, "err", err)
		}
	}
	for _, sessionID := range requested {
		if _, ok := joined[sessionID]; ok {
			continue
		}
		s, err := r.reg.Get(sessionID)
		if err != nil || s.State.Terminal() || (s.CustomerConn != "" && s.CustomerConn != conn.ID) {
			continue
		}
		if _, err := r.arb.Disconnected(sessionID, protocol.RoleCustomer); err != nil && !errors.Is(err, calls.ErrIllegalTransition) {
			conn.log.Debug("disconnect transition skipped", "session_id", sessionID, "err", err)
		}
	}

	conn.dispose()
	conn.log.Info("signaling connection closed")
}

// agentOffline runs when an agent identity loses its last connection.
func (r *Router) agentOffline(identity string) {
	r.arb.AgentOffline(identity)

	// An accepted call whose agent never joined the scope cannot connect.
	stranded := r.reg.List(func(s calls.Session) bool {
		return s.Agent == identity && s.AgentConn == "" &&
			(s.State == calls.StateAccepted || s.State == calls.StateConnected)
	})
	for _, s := range stranded {
		if _, err := r.arb.Disconnected(s.ID, protocol.RoleAgent); err != nil && !errors.Is(err, calls.ErrIllegalTransition) {
			r.log.Debug("agent offline transition skipped", "session_id", s.ID, "err", err)
		}
	}
}

// deliver sends to one connection, logging failures.
func (r *Router) deliver(connID string, msg protocol.Message) {
	if connID == "" {
		return
	}
	if err := r.hub.Deliver(connID, msg); err != nil {
		r.log.Debug("delivery dropped", "conn_id", connID, "type", msg.Type, "session_id", msg.SessionID, "err", err)
	}
}

// deliverAgent sends to every live connection of an agent identity.
func (r *Router) deliverAgent(identity string, msg protocol.Message) {
	for _, connID := range r.dir.Connections(identity) {
		r.deliver(connID, msg)
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

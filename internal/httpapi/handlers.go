package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"support-platform/internal/audit"
	"support-platform/internal/auth"
	"support-platform/internal/calls"
	"support-platform/internal/presence"
	"support-platform/internal/rbac"
	"support-platform/internal/records"
	"support-platform/internal/reporting"
	"support-platform/internal/transcript"
	"support-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Calls     *calls.Registry
	Presence  *presence.Directory
	Relay     *transcript.Relay
	Records   records.Repository
	Audit     *audit.Service
	Reporting *reporting.Service

	// Checks are run by Healthz; a failing check reports 503.
	Checks map[string]func(ctx context.Context) error

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			logger.FromGin(c).Warn("health check failed", "check", name, "err", err)
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	body := gin.H{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// Login issues a JWT token pair.
//
// NOTE: Development-only endpoint; it is not registered in production.
// Real deployments issue tokens from the identity provider.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	if !rbac.IsValid(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), auth.Identity{UserID: req.UserID, Role: req.Role, Name: req.Name, Phone: req.Phone})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

type callView struct {
	SessionID   string                  `json:"session_id"`
	State       calls.State             `json:"state"`
	Reason      string                  `json:"reason,omitempty"`
	Customer    calls.Party             `json:"customer"`
	Agent       string                  `json:"agent,omitempty"`
	EndedBy     string                  `json:"ended_by,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	AcceptedAt  *time.Time              `json:"accepted_at,omitempty"`
	ConnectedAt *time.Time              `json:"connected_at,omitempty"`
	EndedAt     *time.Time              `json:"ended_at,omitempty"`
	Transcript  []calls.TranscriptEntry `json:"transcript"`
	Source      string                  `json:"source"`
	History     []audit.Event           `json:"history,omitempty"`
}

func liveView(s calls.Session) callView {
	v := callView{
		SessionID:   s.ID,
		State:       s.State,
		Reason:      s.Reason,
		Customer:    s.Customer,
		Agent:       s.Agent,
		EndedBy:     string(s.EndedBy),
		CreatedAt:   s.CreatedAt,
		AcceptedAt:  timePtr(s.AcceptedAt),
		ConnectedAt: timePtr(s.ConnectedAt),
		EndedAt:     timePtr(s.EndedAt),
		Transcript:  s.Transcript,
		Source:      "live",
	}
	if v.Transcript == nil {
		v.Transcript = []calls.TranscriptEntry{}
	}
	return v
}

func archivedView(r records.Record) callView {
	ended := r.EndedAt
	return callView{
		SessionID:   r.SessionID,
		State:       r.State,
		Reason:      r.Reason,
		Customer:    calls.Party{Identity: r.CustomerIdentity, Name: r.CustomerName, Phone: r.CustomerPhone},
		Agent:       r.AgentIdentity,
		EndedBy:     r.EndedBy,
		CreatedAt:   r.CreatedAt,
		AcceptedAt:  r.AcceptedAt,
		ConnectedAt: r.ConnectedAt,
		EndedAt:     &ended,
		Transcript:  r.Transcript,
		Source:      "archive",
	}
}

// GetCall returns one session, live or archived.
// RBAC: the call's customer or agent, supervisor, super_admin.
func (h Handlers) GetCall(c *gin.Context) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}

	view, found, err := h.lookupCall(c.Request.Context(), sessionID)
	if err != nil {
		logger.FromGin(c).Error("call lookup failed", "session_id", sessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	// A participant check failure looks like a miss so ids cannot be probed.
	if !found || !canView(id, view) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	if h.Audit != nil && isStaff(id.Role) {
		history, err := h.Audit.History(c.Request.Context(), sessionID)
		if err != nil {
			logger.FromGin(c).Warn("audit history failed", "session_id", sessionID, "err", err)
		}
		view.History = history
	}
	c.JSON(http.StatusOK, view)
}

func (h Handlers) lookupCall(ctx context.Context, sessionID string) (callView, bool, error) {
	if h.Calls != nil {
		s, err := h.Calls.Get(sessionID)
		if err == nil {
			return liveView(s), true, nil
		}
		if !errors.Is(err, calls.ErrNotFound) {
			return callView{}, false, err
		}
	}
	if h.Records != nil {
		r, err := h.Records.Get(ctx, sessionID)
		if err == nil {
			return archivedView(r), true, nil
		}
		if !errors.Is(err, records.ErrNotFound) {
			return callView{}, false, err
		}
	}
	return callView{}, false, nil
}

func canView(id auth.Identity, v callView) bool {
	if isStaff(id.Role) {
		return true
	}
	switch id.Role {
	case rbac.RoleCustomer:
		return v.Customer.Identity == id.UserID
	case rbac.RoleAgent:
		return v.Agent == id.UserID
	default:
		return false
	}
}

func isStaff(role string) bool { return rbac.Allowed(role, rbac.RoleSupervisor) }

type insightRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// PushInsight forwards an analysis result to the call's agent.
// RBAC: analyst, super_admin.
func (h Handlers) PushInsight(c *gin.Context) {
	if h.Relay == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "relay not configured"})
		return
	}
	var req insightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	delivered, err := h.Relay.EmitInsight(c.Param("session_id"), req.Payload)
	switch {
	case errors.Is(err, calls.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrInvalidState):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call is not live"})
	case err != nil:
		logger.FromGin(c).Error("insight relay failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "insight relay failed"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
	}
}

// --- Presence ---

// ListAgents returns present agents and whether each is free.
// RBAC: agent, supervisor, super_admin.
func (h Handlers) ListAgents(c *gin.Context) {
	if h.Presence == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence not configured"})
		return
	}
	type agentView struct {
		presence.Agent
		Available bool `json:"available"`
	}
	all := h.Presence.All()
	out := make([]agentView, 0, len(all))
	for _, a := range all {
		out = append(out, agentView{Agent: a, Available: a.Available()})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// --- Reports ---

// CallsReport summarises call outcomes. Query: from, to (RFC3339, default
// the last 24h), agent.
// RBAC: supervisor, super_admin.
func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := h.now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range: reporting.TimeRange{From: from, To: to},
		Agent: c.Query("agent"),
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("calls report failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

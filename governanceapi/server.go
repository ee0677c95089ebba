// Package governanceapi provides the HTTP + WebSocket surface over the
// governance core (§6.1). It is intentionally thin: HTTP transport and
// authentication middleware are an explicit non-goal, so the bearer-token
// parsing here is a one-line stub (stubTokenParser) a deployment is
// expected to replace with its real identity provider. Grounded on the
// teacher's apiserver/server.go: a bare net/http ServeMux, one
// websocket.Upgrader, and an auth middleware wrapping everything except
// health/metrics.
package governanceapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentium/governance-core/capabilities"
	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/critic"
	"github.com/agentium/governance-core/executor"
	"github.com/agentium/governance-core/orchestrator"
	"github.com/agentium/governance-core/tier"
)

// Identity is what a bearer token resolves to (§6.1): subject, user id,
// role, and an admin flag. Agent identifiers present in a request body
// are never trusted over the token-derived identity.
type Identity struct {
	Subject string
	UserID  string
	Role    string
	IsAdmin bool
}

// TokenParser resolves a bearer token to an Identity. The default
// stubTokenParser below always denies; a real deployment supplies its
// own via Options.Auth.
type TokenParser func(token string) (*Identity, error)

func stubTokenParser(token string) (*Identity, error) {
	return nil, core.Wrap("governanceapi.stubTokenParser", "config", core.ErrNotAuthorized)
}

// Server is the governance core's thin API surface.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	executor     *executor.Executor
	critics      *critic.Pipeline
	capabilities *capabilities.Registry
	logger       core.Logger
	auth         TokenParser
	upgrader     websocket.Upgrader
}

// Options configures a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Executor     *executor.Executor
	Critics      *critic.Pipeline
	Capabilities *capabilities.Registry
	Logger       core.Logger
	Auth         TokenParser // defaults to a stub that denies every token
}

// New builds a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("governanceapi")
	}
	auth := opts.Auth
	if auth == nil {
		auth = stubTokenParser
	}
	return &Server{
		orchestrator: opts.Orchestrator, executor: opts.Executor, critics: opts.Critics,
		capabilities: opts.Capabilities,
		logger:       logger, auth: auth,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Handler builds the full routed http.Handler, with auth middleware
// wrapping everything except health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/send", s.handleChatSend)
	mux.HandleFunc("POST /remote-executor/execute", s.handleExecute)
	mux.HandleFunc("POST /capabilities/grant", s.handleCapabilityGrant)
	mux.HandleFunc("POST /capabilities/revoke", s.handleCapabilityRevoke)
	mux.HandleFunc("POST /critics/review", s.handleCriticReview)
	mux.HandleFunc("/chat", s.handleChatStream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	return s.authMiddleware(mux)
}

// authMiddleware resolves the bearer token to an Identity and stores it
// on the request context; every handler below reads the actor id from
// context, never from the request body (§6.1's anti-spoofing rule).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		identity, err := s.auth(token)
		if err != nil || identity == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type identityContextKey struct{}

// IdentityFromContext retrieves the authenticated Identity a handler
// should use for every agent/actor id it needs, instead of trusting the
// request body.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// chatSendRequest is the §6.1 /chat/send body.
type chatSendRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.orchestrator.ProcessIntent(r.Context(), req.Message, identity.UserID, tier.HeadID, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// executeRequest is the §6.1 /remote-executor/execute body.
type executeRequest struct {
	Code           string                 `json:"code"`
	Language       string                 `json:"language"`
	Dependencies   []string               `json:"dependencies"`
	InputData      map[string]interface{} `json:"input_data"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	MemoryLimitMB  int64                  `json:"memory_limit_mb"`
	CPULimit       int64                  `json:"cpu_limit"`
	NetworkAccess  bool                   `json:"network_access"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actorTier, err := tier.TierOf(identity.UserID)
	if err != nil {
		http.Error(w, "token identity is not a valid agent id", http.StatusForbidden)
		return
	}

	report, err := s.executor.Execute(r.Context(), executor.Request{
		Code: req.Code, AgentID: identity.UserID, ActorTier: actorTier, Language: req.Language,
		Dependencies: req.Dependencies, InputData: req.InputData, TimeoutSeconds: req.TimeoutSeconds,
		MemoryLimitMB: req.MemoryLimitMB, CPULimit: req.CPULimit, NetworkAccess: req.NetworkAccess,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCapabilityGrant(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.capabilities == nil {
		http.Error(w, "capability registry not configured", http.StatusNotImplemented)
		return
	}
	var req capabilityMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.capabilities.Grant(r.Context(), req.TargetID, req.Capability, identity.UserID, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapabilityRevoke(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.capabilities == nil {
		http.Error(w, "capability registry not configured", http.StatusNotImplemented)
		return
	}
	var req capabilityMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.capabilities.Revoke(r.Context(), req.TargetID, req.Capability, identity.UserID, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// capabilityMutationRequest is the §6.1 /capabilities/grant|revoke body.
type capabilityMutationRequest struct {
	TargetID   string `json:"target_id"`
	Capability string `json:"capability"`
	Reason     string `json:"reason"`
}

// criticReviewRequest is the §6.1 /critics/review body.
type criticReviewRequest struct {
	TaskID        string `json:"task_id"`
	OutputContent string `json:"output_content"`
	CriticType    string `json:"critic_type"`
}

func (s *Server) handleCriticReview(w http.ResponseWriter, r *http.Request) {
	if _, ok := IdentityFromContext(r.Context()); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req criticReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	review, err := s.critics.Review(r.Context(), req.TaskID, critic.Type(req.CriticType), req.OutputContent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

// wsFrame is the §6.1 WebSocket envelope shape in both directions.
type wsFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// handleChatStream upgrades to a WebSocket connection, validating the
// token before accepting. An unauthenticated request is refused with
// HTTP 401 (by authMiddleware, or here when the query string carries no
// valid token) and the handshake never completes, so no 4001 close frame
// is sent on this path; CloseUnauthenticated is not called here.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	identity, err := s.auth(token)
	if err != nil || identity == nil {
		w.Header().Set("Sec-WebSocket-Version", "13")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "ping":
			_ = conn.WriteJSON(wsFrame{Type: "status", Content: "pong"})
		case "message":
			result, err := s.orchestrator.ProcessIntent(r.Context(), frame.Content, identity.UserID, tier.HeadID, "")
			if err != nil {
				_ = conn.WriteJSON(wsFrame{Type: "error", Content: err.Error()})
				continue
			}
			_ = conn.WriteJSON(wsFrame{Type: "message", Content: result.MessageID})
		}
	}
}

const closeUnauthenticated = 4001

// CloseUnauthenticated sends the §6.1-mandated close code for an upgrade
// request that never authenticated.
func CloseUnauthenticated(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeUnauthenticated, "unauthenticated"),
		time.Now().Add(time.Second))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

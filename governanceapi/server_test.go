package governanceapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/agent"
	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/bus"
	"github.com/agentium/governance-core/capabilities"
	"github.com/agentium/governance-core/critic"
	"github.com/agentium/governance-core/governanceapi"
	"github.com/agentium/governance-core/orchestrator"
	"github.com/agentium/governance-core/policy"
)

func testAuth(identities map[string]*governanceapi.Identity) governanceapi.TokenParser {
	return func(token string) (*governanceapi.Identity, error) {
		id, ok := identities[token]
		if !ok {
			return nil, http.ErrNoCookie
		}
		return id, nil
	}
}

func setupServer(t *testing.T) (*miniredis.Miniredis, *governanceapi.Server) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	messageBus := bus.New(bus.Options{Redis: client, MaxInboxLen: 100})

	registry := agent.NewInMemoryRegistry()
	source, err := agent.New("30001", "20001", false)
	require.NoError(t, err)
	require.NoError(t, registry.Put(context.Background(), source))
	lead, err := agent.New("20001", "00001", true)
	require.NoError(t, err)
	require.NoError(t, registry.Put(context.Background(), lead))
	head := agent.NewHead()
	require.NotNil(t, head)
	require.NoError(t, registry.Put(context.Background(), head))

	recorder := audit.NewInMemoryRecorder(nil)
	guard := policy.New(nil, nil, recorder, nil)
	o := orchestrator.New(registry, messageBus, nil, guard, recorder, nil)
	capRegistry := capabilities.New(registry, recorder, nil)

	critics := critic.New(recorder, 0)
	critics.Register(&critic.Critic{ID: "c1", Specialty: critic.TypeOutput, Reviewer: func(ctx context.Context, content string) (*critic.Review, error) {
		return &critic.Review{Verdict: critic.VerdictPass, Reason: "looks fine"}, nil
	}})

	srv := governanceapi.New(governanceapi.Options{
		Orchestrator: o, Critics: critics, Capabilities: capRegistry,
		Auth: testAuth(map[string]*governanceapi.Identity{
			"good-token": {Subject: "30001", UserID: "30001", Role: "task-agent"},
			"head-token": {Subject: "00001", UserID: "00001", Role: "head", IsAdmin: true},
		}),
	})
	return mr, srv
}

func TestHealthz_NeverRequiresAuth(t *testing.T) {
	mr, srv := setupServer(t)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChatSend_RejectsMissingToken(t *testing.T) {
	mr, srv := setupServer(t)
	defer mr.Close()

	body, _ := json.Marshal(map[string]string{"message": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/chat/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatSend_RoutesIntentAndReturnsResult(t *testing.T) {
	mr, srv := setupServer(t)
	defer mr.Close()

	body, _ := json.Marshal(map[string]string{"message": "need human input"})
	req := httptest.NewRequest(http.MethodPost, "/chat/send", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer head-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result orchestrator.RouteResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.True(t, result.Success)
	require.True(t, mr.Exists("agent:00001:inbox"))
}

func TestCriticsReview_ReturnsVerdict(t *testing.T) {
	mr, srv := setupServer(t)
	defer mr.Close()

	body, _ := json.Marshal(map[string]string{"task_id": "t1", "critic_type": string(critic.TypeOutput), "output_content": "the answer is 42"})
	req := httptest.NewRequest(http.MethodPost, "/critics/review", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var review critic.Review
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&review))
	require.Equal(t, critic.VerdictPass, review.Verdict)
}

func TestCapabilityGrant_ForbiddenWithoutGrantCapability(t *testing.T) {
	mr, srv := setupServer(t)
	defer mr.Close()

	body, _ := json.Marshal(map[string]string{"target_id": "30001", "capability": string(capabilities.CapBroadcast), "reason": "test"})
	req := httptest.NewRequest(http.MethodPost, "/capabilities/grant", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCapabilityGrant_SucceedsForHead(t *testing.T) {
	mr, srv := setupServer(t)
	defer mr.Close()

	body, _ := json.Marshal(map[string]string{"target_id": "30001", "capability": string(capabilities.CapBroadcast), "reason": "test"})
	req := httptest.NewRequest(http.MethodPost, "/capabilities/grant", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer head-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChatStream_RejectsUnauthenticatedUpgradeBeforeHandshake(t *testing.T) {
	mr, srv := setupServer(t)
	defer mr.Close()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/chat")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

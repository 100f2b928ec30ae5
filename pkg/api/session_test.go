package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/chain"
	"github.com/settld/substrate/pkg/crypto"
	"github.com/settld/substrate/pkg/session"
	"github.com/settld/substrate/pkg/store"
)

func newSessionRequest(t *testing.T, method, path, tenantID string, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if tenantID != "" {
		r.Header.Set("x-proxy-tenant-id", tenantID)
	}
	return r
}

func TestSessionHandler_OpenAppendReplayVerify(t *testing.T) {
	s := store.NewMemoryStore()
	signer := testSigner(t)
	trust := crypto.NewTrustFile()
	trust.Add(crypto.RoleBuyerDecision, crypto.NamedKey{KeyID: signer.KeyID, PublicKeyPEM: signer.PublicKeyPEM})
	h := NewSessionHandler(s, testObservability(t), signer, trust)

	openReq := openSessionRequest{
		Participants: []session.ParticipantRef{{AgentID: "agt_1", Role: "worker"}},
		Policy:       session.PolicyRef{PolicyID: "pol_1"},
		Actor:        chain.Actor{Type: "agent", ID: "agt_1"},
	}
	w := httptest.NewRecorder()
	r := newSessionRequest(t, http.MethodPost, "/sessions/sess_1/open", "tenant-a", openReq)
	r.SetPathValue("sessionId", "sess_1")
	h.HandleOpen(w, r)
	require.Equal(t, http.StatusCreated, w.Code)

	appendReq := appendSessionEventRequest{
		Actor:   chain.Actor{Type: "agent", ID: "agt_1"},
		Payload: map[string]interface{}{"tool": "search", "query": "weather"},
	}
	w = httptest.NewRecorder()
	r = newSessionRequest(t, http.MethodPost, "/sessions/sess_1/events", "tenant-a", appendReq)
	r.SetPathValue("sessionId", "sess_1")
	h.HandleAppendEvent(w, r)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/sessions/sess_1/replay-pack", nil)
	r.Header.Set("x-proxy-tenant-id", "tenant-a")
	r.SetPathValue("sessionId", "sess_1")
	h.HandleReplayPack(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/sessions/sess_1/verify", nil)
	r.Header.Set("x-proxy-tenant-id", "tenant-a")
	r.SetPathValue("sessionId", "sess_1")
	h.HandleVerify(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var report apierr.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.True(t, report.OK)
}

func TestSessionHandler_OpenMissingTenantFails(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewSessionHandler(s, testObservability(t), testSigner(t), crypto.NewTrustFile())

	w := httptest.NewRecorder()
	r := newSessionRequest(t, http.MethodPost, "/sessions/sess_2/open", "", openSessionRequest{})
	r.SetPathValue("sessionId", "sess_2")
	h.HandleOpen(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

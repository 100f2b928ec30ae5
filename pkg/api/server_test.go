package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/settld/substrate/pkg/crypto"
	"github.com/settld/substrate/pkg/observability"
	"github.com/settld/substrate/pkg/store"
)

// testObservability builds a disabled observability.Provider: its
// TrackOperation/RecordX methods are all safe no-ops since no exporter is
// ever created, which keeps router tests hermetic.
func testObservability(t *testing.T) *observability.Provider {
	t.Helper()
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	return obs
}

func testSigner(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestNewRouter_HealthzOK(t *testing.T) {
	router := NewRouter(store.NewMemoryStore(), testObservability(t), testSigner(t), crypto.NewTrustFile())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestNewRouter_EventsRouteAppends(t *testing.T) {
	router := NewRouter(store.NewMemoryStore(), testObservability(t), testSigner(t), crypto.NewTrustFile())

	body := buildDraftEventJSON(t, "s1", nil)
	req := newEventsRequest(body, "tenant-a", "", "")
	req.RequestURI = "/s1/events"
	req.URL.Path = "/s1/events"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
}

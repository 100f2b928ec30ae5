package api

import (
	"net/http"
	"time"

	"github.com/settld/substrate/pkg/crypto"
	"github.com/settld/substrate/pkg/observability"
	"github.com/settld/substrate/pkg/store"
)

// NewRouter assembles the public HTTP surface: the ambient event-append
// route (idempotency replay + global rate limiting), a liveness probe, and
// the domain routes each own package owns the semantics of — x402
// payment gates, work orders, sessions, and ZIP bundle ingest/export
// (spec §6). obs wraps every domain route in a span/RED-metrics recording
// via TrackOperation; signer and trust back session replay-pack signing
// and reverification.
func NewRouter(s store.Store, obs *observability.Provider, signer *crypto.KeyPair, trust *crypto.TrustFile) http.Handler {
	mux := http.NewServeMux()

	events := NewEventsHandler(s)
	idempotent := IdempotencyMiddleware(NewIdempotencyStore(10 * time.Minute))
	mux.Handle("POST /{stream}/events", idempotent(events))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	x402h := NewX402Handler(s, obs)
	mux.HandleFunc("POST /x402/gates", x402h.HandleCreate)
	mux.HandleFunc("POST /x402/gates/{gateId}/authorize", x402h.HandleAuthorize)
	mux.HandleFunc("POST /x402/gates/{gateId}/verify", x402h.HandleVerify)
	mux.HandleFunc("POST /x402/gates/{gateId}/reverse", x402h.HandleReverse)

	worderh := NewWorkOrderHandler(s, obs)
	mux.HandleFunc("POST /workorders", worderh.HandleCreate)
	mux.HandleFunc("POST /workorders/{workOrderId}/accept", worderh.HandleAccept)
	mux.HandleFunc("POST /workorders/{workOrderId}/start", worderh.HandleStart)
	mux.HandleFunc("POST /workorders/{workOrderId}/fail", worderh.HandleFail)
	mux.HandleFunc("POST /workorders/{workOrderId}/topups", worderh.HandleTopUp)
	mux.HandleFunc("POST /workorders/{workOrderId}/complete", worderh.HandleComplete)
	mux.HandleFunc("POST /workorders/{workOrderId}/settle", worderh.HandleSettle)

	sessh := NewSessionHandler(s, obs, signer, trust)
	mux.HandleFunc("POST /sessions/{sessionId}/open", sessh.HandleOpen)
	mux.HandleFunc("POST /sessions/{sessionId}/events", sessh.HandleAppendEvent)
	mux.HandleFunc("GET /sessions/{sessionId}/replay-pack", sessh.HandleReplayPack)
	mux.HandleFunc("GET /sessions/{sessionId}/verify", sessh.HandleVerify)

	bundleh := NewBundleHandler(s, obs)
	mux.HandleFunc("POST /bundles/ingest", bundleh.HandleIngest)
	mux.HandleFunc("GET /bundles/export", bundleh.HandleExport)

	limiter := NewGlobalRateLimiter(50, 100)
	return limiter.Middleware(mux)
}

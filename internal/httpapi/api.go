package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"libris.org/internal/circulation"
	"libris.org/internal/obs"
)

// ReadyProbe reports whether the backing store can serve traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the circulation service.
type API struct {
	mux        *http.ServeMux
	svc        circulation.Service
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
}

func New(svc circulation.Service, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		rateBurst:  60,
		ratePerSec: 30,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// public
	a.mux.HandleFunc("/v1/auth/signup", a.handleSignup)
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/books/search", a.handleSearch)

	// borrower
	a.mux.HandleFunc("/v1/users/me", a.handleProfile)
	a.mux.HandleFunc("/v1/books/", a.handleBookResource)
	a.mux.HandleFunc("/v1/loans/", a.handleLoanResource)

	// librarian desk
	a.mux.HandleFunc("/v1/admin/requests/pending", a.adminOnly(a.handlePendingRequests))
	a.mux.HandleFunc("/v1/admin/requests/", a.adminOnly(a.handleRequestDecision))
	a.mux.HandleFunc("/v1/admin/loans/return-requests", a.adminOnly(a.handleReturnRequests))
	a.mux.HandleFunc("/v1/admin/loans/issue", a.adminOnly(a.handleDirectIssue))
	a.mux.HandleFunc("/v1/admin/loans/", a.adminOnly(a.handleLoanDecision))
	a.mux.HandleFunc("/v1/admin/stats", a.adminOnly(a.handleStats))
	a.mux.HandleFunc("/v1/admin/books", a.adminOnly(a.handleBooksCollection))
	a.mux.HandleFunc("/v1/admin/books/", a.adminOnly(a.handleBookAdminResource))
	a.mux.HandleFunc("/v1/admin/users", a.adminOnly(a.handleUsersCollection))
	a.mux.HandleFunc("/v1/admin/users/", a.adminOnly(a.handleUserAdminResource))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux. RequestID sits
// outside logging and rate limiting so both can tag their output with it.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "libris-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "libris-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

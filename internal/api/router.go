package api

import (
	"net/http"

	"github.com/fastprodman/ticketeconomy/internal/infra/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-ID"

// NewRouter registers all API endpoints. allowedOrigins feeds the CORS policy.
func NewRouter(h *HandlerProvider, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(correlation)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", correlationHeader},
		ExposedHeaders: []string{correlationHeader, "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/accounts/{accountId}", func(r chi.Router) {
		r.Post("/deposits", h.DepositHandler)
		r.Post("/withdrawals", h.WithdrawHandler)
		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/entries", h.HistoryHandler)
		r.Post("/purchases", h.PurchaseHandler)
		r.Get("/tokens", h.TokensHandler)
		r.Post("/tokens/{purchaseId}/consume", h.ConsumeTokenHandler)
	})

	r.Get("/shop/items", h.ItemsHandler)
	r.Post("/matches/{matchId}/rewards", h.MatchRewardsHandler)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/accounts/{accountId}/adjust", h.AdjustHandler)
		r.Put("/accounts/{accountId}/balance", h.SetBalanceHandler)
		r.Get("/accounts/{accountId}/reconciliation", h.ReconcileHandler)
		r.Post("/entries/{entryId}/reversal", h.ReverseHandler)
	})

	return r
}

// correlation tags the request context with the caller's correlation id, or
// a new one, and echoes it back.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithCorrelationID(r.Context(), id)))
	})
}

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/api/middleware"
	"github.com/example/whizbang/internal/auth"
)

// NewRouter wires the order, summary and projection endpoints. Projection
// endpoints require a token; rebuild and restart require the operator role.
func NewRouter(handlers *Handlers, tokens *auth.Tokens, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	authenticated := middleware.Authenticate(tokens)
	operator := middleware.RequireRole(auth.RoleOperator)
	viewer := func(h http.HandlerFunc) http.Handler {
		return authenticated(middleware.RequireRole(auth.RoleViewer, auth.RoleOperator)(h))
	}

	// Orders
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlers.PlaceOrder(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/orders/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/pay") && r.Method == http.MethodPost:
			handlers.PayOrder(w, r)
		case strings.HasSuffix(path, "/ship") && r.Method == http.MethodPost:
			handlers.ShipOrder(w, r)
		case strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPost:
			handlers.CancelOrder(w, r)
		case r.Method == http.MethodGet:
			handlers.GetOrder(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Summaries
	mux.HandleFunc("/summaries", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handlers.ListSummaries(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/summaries/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handlers.GetSummary(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Projections
	mux.Handle("/projections", viewer(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handlers.ListProjections(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	rebuild := operator(http.HandlerFunc(handlers.RebuildProjection))
	restart := operator(http.HandlerFunc(handlers.RestartProjection))
	mux.Handle("/projections/", viewer(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/rebuild") && r.Method == http.MethodPost:
			rebuild.ServeHTTP(w, r)
		case strings.HasSuffix(path, "/restart") && r.Method == http.MethodPost:
			restart.ServeHTTP(w, r)
		case r.Method == http.MethodGet:
			handlers.GetProjection(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	return withLogging(mux, logger)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withLogging(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

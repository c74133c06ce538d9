package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/infra/api"
	"tabular-ai-analyst/internal/infra/stream"
	"tabular-ai-analyst/internal/usecase"
)

type ctxKey int

const userIDKey ctxKey = 1

// Server is the user-facing REST and streaming surface. Every route
// under /api/v1 requires a valid session token; the subject claim is the
// user id all operations are scoped to.
type Server struct {
	analysisUC usecase.AnalysisUseCase
	limiter    usecase.RateLimitUseCase
	bus        *stream.Bus
	auth       *AuthManager
	log        *zerolog.Logger
}

func NewServer(
	analysisUC usecase.AnalysisUseCase,
	limiter usecase.RateLimitUseCase,
	bus *stream.Bus,
	auth *AuthManager,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		analysisUC: analysisUC,
		limiter:    limiter,
		bus:        bus,
		auth:       auth,
		log:        logger,
	}
}

// Router builds the full route tree, internal surface included.
func (s *Server) Router(internal *api.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(api.TraceID(s.log))
	r.Use(api.Recover(s.log))
	r.Use(api.RequestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	internal.Register(r)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.sessionGuard)

		// The SSE route must not sit behind a request timeout; everything
		// else gets one.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(api.Timeout(15 * time.Second))

			r.Post("/conversations/{conversationID}/tool-requests", s.handleToolRequest)
			r.Get("/conversations/{conversationID}/datasets", s.handleListDatasets)
			r.Get("/conversations/{conversationID}/datasets/{datasetID}", s.handleGetDataset)
			r.Delete("/conversations/{conversationID}/datasets/{datasetID}", s.handleRemoveDataset)
			r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
			r.Get("/ratelimit", s.handleRateLimit)
		})
	})

	return r
}

// sessionGuard authenticates the session token and stores the user id on
// the request context.
func (s *Server) sessionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.ParseFromRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := withUserID(r.Context(), claims.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

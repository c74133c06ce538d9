package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/infra/tokencount"
	"tabular-ai-analyst/internal/usecase"
)

// Server is the internal surface called by the LLM orchestration layer,
// not by end users. It reports token consumption after each provider
// call so the ledger stays current.
type Server struct {
	limiter   usecase.RateLimitUseCase
	estimator *tokencount.Estimator
	apiKey    string
	log       *zerolog.Logger
}

func NewServer(limiter usecase.RateLimitUseCase, estimator *tokencount.Estimator, apiKey string, logger *zerolog.Logger) *Server {
	return &Server{limiter: limiter, estimator: estimator, apiKey: apiKey, log: logger}
}

// Register attaches the internal routes to the router.
func (s *Server) Register(r chi.Router) {
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(s.keyGuard)
		r.Post("/usage", s.handleUsage)
	})
}

// keyGuard provides simple Bearer token authentication for the internal API.
func (s *Server) keyGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			s.log.Error().Msg("internal API key is not configured")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || strings.ToLower(tokenParts[0]) != "bearer" {
			http.Error(w, "Unauthorized: Malformed token", http.StatusUnauthorized)
			return
		}

		if tokenParts[1] != s.apiKey {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type usageRequest struct {
	UserID       string `json:"user_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	// Text lets the orchestrator fall back to estimation when the
	// provider response carried no usage block.
	Text string `json:"text,omitempty"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		http.Error(w, "token counts must be non-negative", http.StatusBadRequest)
		return
	}
	tokens := req.InputTokens + req.OutputTokens
	if tokens == 0 && req.Text != "" {
		tokens = s.estimator.Count(req.Text)
	}

	decision, err := s.limiter.Record(r.Context(), req.UserID, tokens)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", req.UserID).Msg("could not record usage")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decision)
}

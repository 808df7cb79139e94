package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// NewRouter exposes the handler on a chi mux for the standalone server.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(correlation)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", correlationHeader},
		ExposedHeaders:   []string{correlationHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/models", h.serve(func(_ *http.Request) response {
		return h.models()
	}))

	r.Route("/chat", func(r chi.Router) {
		r.Post("/", h.serve(func(req *http.Request) response {
			body, err := io.ReadAll(http.MaxBytesReader(nil, req.Body, maxBodyBytes))
			if err != nil {
				return badRequest("invalid_body")
			}
			return h.postChat(req.Context(), body)
		}))
		r.Get("/", h.serve(func(req *http.Request) response {
			return h.getChat(req.Context(), req.URL.Query())
		}))
		r.Delete("/", h.serve(func(req *http.Request) response {
			return h.deleteChat(req.Context(), req.URL.Query())
		}))
	})

	r.NotFound(h.serve(func(_ *http.Request) response {
		return response{status: http.StatusNotFound, body: errorResponse{Error: "Not found", Code: codeNotFound}}
	}))
	r.MethodNotAllowed(h.serve(func(_ *http.Request) response {
		return methodNotAllowed()
	}))

	return r
}

// correlation echoes or assigns X-Correlation-Id and stores it in the
// request context.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(withCorrelationID(r.Context(), id)))
	})
}

func (h *Handler) serve(fn func(*http.Request) response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.respondJSON(r.Context(), w, fn(r))
	}
}

func (h *Handler) respondJSON(ctx context.Context, w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if err := json.NewEncoder(w).Encode(resp.body); err != nil {
		h.logger.Error("encode response failed", "correlation_id", correlationID(ctx), "err", err)
	}
}

/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their handlers and applies the shared
 * middleware stack, including authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures LedgerRoutes.
type RouterOptions struct {
	JWTSecret      []byte
	JWTIssuer      string
	AllowedOrigins string
}

// LedgerRoutes creates and returns the router for the ledger API.
func LedgerRoutes(h *LedgerHandlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(opts.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.JWTSecret, opts.JWTIssuer))

		r.Post("/otp", h.RequestOtpHandler)
		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/history", h.GetHistoryHandler)
		r.Post("/withdraw", h.WithdrawHandler)
		r.Post("/deposit", h.DepositHandler)
		r.Post("/transfer", h.TransferHandler)
	})

	return r
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

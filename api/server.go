/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. RequireActor (per group): X-Actor-ID for mutating routes

ROUTE GROUPS:
  /api/assets/*         Asset records
  /api/transfers/*      Transfer workflow
  /api/undo/*           Undo of a deletion
  /api/feed/*           Change feed (poll and SSE)
  /api/outbox/*         Stock-move outbox replay
  /api/departments      Directory read
  /api/directory/*      Directory cache control
  /api/scenarios/*      Demo scenarios
  /*                    Static files (frontend)

STATIC FILE SERVING:
  Serves the built frontend from web/dist/ when present, falling back to
  index.html for client-side routing.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins falls back to the local frontend dev servers.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorName},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Public reads
		r.Get("/assets", h.ListAssets)
		r.Get("/transfers", h.ListTransfers)
		r.Get("/transfers/{id}", h.GetTransfer)
		r.Get("/feed", h.GetFeed)
		r.Get("/feed/stream", h.StreamFeed)
		r.Get("/departments", h.ListDepartments)
		r.Get("/outbox/runs", h.ListReplayRuns)

		// Everything below needs an actor
		r.Group(func(r chi.Router) {
			r.Use(h.RequireActor)

			r.Post("/assets", h.CreateAsset)
			r.Post("/transfers", h.CreateTransfer)
			r.Get("/transfers/awaiting", h.ListAwaiting)
			r.Post("/transfers/{id}/sign", h.SignTransfer)
			r.Delete("/transfers/{id}", h.DeleteTransfer)
			r.Post("/undo/{token}", h.UndoDelete)
			r.Post("/outbox/replay", h.ReplayOutbox)
			r.Post("/directory/invalidate", h.InvalidateDirectory)

			// Both wipe the database
			r.Post("/scenarios/load", h.LoadScenario)
			r.Post("/scenarios/reset", h.ResetDatabase)
		})

		// Scenario reads
		r.Get("/scenarios", h.ListScenarios)
		r.Get("/scenarios/current", h.GetCurrentScenario)
	})

	// Serve static files
	staticDir := "./web/dist"
	if _, err := os.Stat(staticDir); os.IsNotExist(err) {
		exe, _ := os.Executable()
		staticDir = filepath.Join(filepath.Dir(exe), "web", "dist")
	}

	if _, err := os.Stat(staticDir); err == nil {
		fileServer := http.FileServer(http.Dir(staticDir))
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			fullPath := filepath.Join(staticDir, r.URL.Path)
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				// SPA routing: serve index.html
				http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	}

	return r
}

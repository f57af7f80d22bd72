package twin

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/wondertwin-ai/beacon/internal/admin"
	"github.com/wondertwin-ai/beacon/internal/twincore"
	"github.com/wondertwin-ai/beacon/pkg/api"
)

// Handler holds all API handler state.
type Handler struct {
	store *Store
	mw    *twincore.Middleware
}

// NewHandler creates a new API handler.
func NewHandler(s *Store, mw *twincore.Middleware) *Handler {
	return &Handler{store: s, mw: mw}
}

// Routes mounts the flag and ingestion API plus the twin-specific admin
// endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.LatencyInjection)
		r.Use(h.mw.RandomFailure)
		r.Use(h.mw.FaultInjection)
		r.Use(h.mw.RequireAPIKey)

		r.Get(api.EvaluatePath, h.Evaluate)
		r.Get(api.CheckPath+"{flag}", h.Check)
		r.Post(api.EventsPath, h.IngestEvents)
	})

	r.Get("/admin/flags", h.AdminGetFlags)
	r.Post("/admin/flags", h.AdminSetFlags)
	r.Post("/admin/flags/users/{user}", h.AdminSetUserFlags)
	r.Delete("/admin/flags/users/{user}", h.AdminDeleteUserFlags)
	r.Get("/admin/events", h.AdminListEvents)
	r.Get("/admin/batches", h.AdminListBatches)
}

// New builds a twin serving the analytics API and the admin control plane.
// A nil logger uses the twin's default JSON logger.
func New(cfg *twincore.Config, store *Store, logger *slog.Logger) *twincore.Twin {
	var t *twincore.Twin
	if logger == nil {
		t = twincore.New(cfg)
	} else {
		t = twincore.NewWithLogger(cfg, logger)
	}

	NewHandler(store, t.Middleware()).Routes(t.Router)

	adminHandler := admin.NewHandler(store, t.Middleware())
	adminHandler.SetConfigProvider(t)
	adminHandler.Routes(t.Router)
	return t
}

package twin

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/wondertwin-ai/beacon/internal/twincore"
	"github.com/wondertwin-ai/beacon/pkg/api"
)

// maxBatchBytes bounds an ingestion request body.
const maxBatchBytes = 1 << 20

// Evaluate handles GET /api/flags/evaluate?user_id=...
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		twincore.Reject(w, http.StatusBadRequest, "user_id is required")
		return
	}
	twincore.JSON(w, http.StatusOK, api.EvaluateResponse{
		OK:    true,
		Flags: h.store.Evaluate(userID),
	})
}

// Check handles GET /api/flags/check/{flag}?user_id=...
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	flag, err := url.PathUnescape(chi.URLParam(r, "flag"))
	if err != nil || flag == "" {
		twincore.Reject(w, http.StatusBadRequest, "invalid flag name")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		twincore.Reject(w, http.StatusBadRequest, "user_id is required")
		return
	}
	twincore.JSON(w, http.StatusOK, api.CheckResponse{
		OK:      true,
		Enabled: h.store.Check(flag, userID),
	})
}

// IngestEvents handles POST /api/analytics/event.
func (h *Handler) IngestEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []api.Event `json:"events"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&req); err != nil {
		twincore.Reject(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Events == nil {
		twincore.Reject(w, http.StatusBadRequest, "events field is required")
		return
	}

	accepted, dupes := h.store.Ingest(req.Events)
	twincore.JSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"received":   accepted,
		"duplicates": dupes,
	})
}

// AdminGetFlags handles GET /admin/flags
func (h *Handler) AdminGetFlags(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, h.store.Flags())
}

// AdminSetFlags handles POST /admin/flags with a {"name": bool} body.
func (h *Handler) AdminSetFlags(w http.ResponseWriter, r *http.Request) {
	var flags map[string]bool
	if err := json.NewDecoder(r.Body).Decode(&flags); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.store.SetFlags(flags)
	twincore.JSON(w, http.StatusOK, map[string]any{
		"status": "set",
		"flags":  h.store.Flags(),
	})
}

// AdminSetUserFlags handles POST /admin/flags/users/{user}
func (h *Handler) AdminSetUserFlags(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	var flags map[string]bool
	if err := json.NewDecoder(r.Body).Decode(&flags); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if flags == nil {
		flags = map[string]bool{}
	}
	h.store.SetUserFlags(user, flags)
	twincore.JSON(w, http.StatusOK, map[string]any{
		"status":  "set",
		"user_id": user,
		"flags":   h.store.Evaluate(user),
	})
}

// AdminDeleteUserFlags handles DELETE /admin/flags/users/{user}
func (h *Handler) AdminDeleteUserFlags(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	h.store.SetUserFlags(user, nil)
	twincore.JSON(w, http.StatusOK, map[string]any{"status": "removed", "user_id": user})
}

// AdminListEvents handles GET /admin/events
// Supports ?event_type= and ?user_id= filters.
func (h *Handler) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	events := h.store.Events(r.URL.Query().Get("event_type"), r.URL.Query().Get("user_id"))
	twincore.JSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

// AdminListBatches handles GET /admin/batches
func (h *Handler) AdminListBatches(w http.ResponseWriter, r *http.Request) {
	batches := h.store.Batches()
	twincore.JSON(w, http.StatusOK, map[string]any{
		"batches": batches,
		"total":   len(batches),
	})
}

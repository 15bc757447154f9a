package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/store"
)

// State is this engine's view of the fleet.
type State struct {
	EngineID  string             `json:"engineId"`
	Engines   []*models.Engine   `json:"engines"`
	Disks     []*models.Disk     `json:"disks"`
	Apps      []*models.App      `json:"apps"`
	Instances []*models.Instance `json:"instances"`
	Networks  []*models.Network  `json:"networks"`
}

// StateHandler serves read-only views of the replicated store.
type StateHandler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewStateHandler creates a new state handler.
func NewStateHandler(s *store.Store, logger *slog.Logger) *StateHandler {
	return &StateHandler{store: s, logger: logger}
}

// Get handles GET /api/state.
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, &State{
		EngineID:  h.store.LocalEngineID(),
		Engines:   nonNil(h.store.Engines()),
		Disks:     nonNil(h.store.Disks()),
		Apps:      nonNil(h.store.Apps()),
		Instances: nonNil(h.store.Instances()),
		Networks:  nonNil(h.store.Networks()),
	})
}

// Engine handles GET /api/engines/{engineID}.
func (h *StateHandler) Engine(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.Engine(chi.URLParam(r, "engineID"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

// Instance handles GET /api/instances/{instanceID}.
func (h *StateHandler) Instance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.store.Instance(chi.URLParam(r, "instanceID"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

// Disk handles GET /api/disks/{diskID}.
func (h *StateHandler) Disk(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.Disk(chi.URLParam(r, "diskID"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

func nonNil[T any](s []*T) []*T {
	if s == nil {
		return []*T{}
	}
	return s
}

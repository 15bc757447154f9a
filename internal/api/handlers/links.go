package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/peer"
	"github.com/narvanalabs/fleet-engine/internal/store"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// linkWait bounds how long POST /api/links waits for a link to settle.
const linkWait = 30 * time.Second

// LinkHandler manages appnet links.
type LinkHandler struct {
	peers  *peer.Manager
	logger *slog.Logger
}

// NewLinkHandler creates a new link handler.
func NewLinkHandler(peers *peer.Manager, logger *slog.Logger) *LinkHandler {
	return &LinkHandler{peers: peers, logger: logger}
}

// LinkRequest names a link.
type LinkRequest struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

func (req *LinkRequest) validate() string {
	switch {
	case req.Network == "":
		return "network is required"
	case req.Address == "":
		return "address is required"
	}
	return ""
}

// List handles GET /api/links.
func (h *LinkHandler) List(w http.ResponseWriter, r *http.Request) {
	links := h.peers.Links()
	if links == nil {
		links = []peer.LinkInfo{}
	}
	WriteJSON(w, http.StatusOK, links)
}

// Create handles POST /api/links. It returns once the link is synced or has
// failed, or after linkWait with the link still retrying in the background.
func (h *LinkHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		WriteBadRequest(w, r, msg)
		return
	}

	ctx, cancel := context.WithTimeout(logger.ContextWithNetwork(r.Context(), req.Network), linkWait)
	defer cancel()
	res := h.peers.ConnectEngine(ctx, req.Network, "", req.Address, false)
	logger.FromContext(ctx, h.logger).Info("link requested", "address", req.Address, "status", res.Status)
	WriteJSON(w, http.StatusOK, res)
}

// Delete handles DELETE /api/links.
func (h *LinkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req := LinkRequest{Network: r.URL.Query().Get("network"), Address: r.URL.Query().Get("address")}
	if msg := req.validate(); msg != "" {
		WriteBadRequest(w, r, msg)
		return
	}
	if !h.peers.Disconnect(req.Network, req.Address) {
		WriteError(w, r, h.logger, fmt.Errorf("link to %s on %s: %w", req.Address, req.Network, store.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

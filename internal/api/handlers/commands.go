package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/fleet-engine/internal/command"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/store"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// CommandHandler queues commands for engines and reports their results.
type CommandHandler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(s *store.Store, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{store: s, logger: logger}
}

// SendRequest is the body of POST /api/engines/{engineID}/commands.
type SendRequest struct {
	Line string `json:"line"`
	// Sender identifies the console. It defaults to the local engine.
	Sender string `json:"sender,omitempty"`
}

// CommandStatus is a queued command with its acknowledgement, if any.
type CommandStatus struct {
	EngineID string             `json:"engineId"`
	Command  models.Command     `json:"command"`
	Ack      *models.CommandAck `json:"ack,omitempty"`
}

// Send handles POST /api/engines/{engineID}/commands.
func (h *CommandHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decode(r, &req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if req.Sender == "" {
		req.Sender = logger.SenderFromContext(r.Context())
	}
	if req.Sender == "" {
		req.Sender = h.store.LocalEngineID()
	}

	engineID := chi.URLParam(r, "engineID")
	cmd, err := command.Send(h.store, req.Sender, engineID, req.Line)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	ctx := logger.ContextWithCommandID(r.Context(), cmd.ID)
	ctx = logger.ContextWithSender(ctx, cmd.Sender)
	logger.FromContext(ctx, h.logger).Info("command queued", "target", engineID, "line", cmd.Line)
	WriteJSON(w, http.StatusAccepted, &CommandStatus{EngineID: engineID, Command: *cmd})
}

// List handles GET /api/engines/{engineID}/commands.
func (h *CommandHandler) List(w http.ResponseWriter, r *http.Request) {
	engineID := chi.URLParam(r, "engineID")
	e, err := h.store.Engine(engineID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	cmds := make([]models.Command, 0, len(e.Commands))
	for _, c := range e.Commands {
		cmds = append(cmds, c)
	}
	models.SortCommands(cmds)

	out := make([]*CommandStatus, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, statusOf(engineID, e, c))
	}
	WriteJSON(w, http.StatusOK, out)
}

// Get handles GET /api/engines/{engineID}/commands/{commandID}.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	engineID := chi.URLParam(r, "engineID")
	e, err := h.store.Engine(engineID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	c, ok := e.Commands[chi.URLParam(r, "commandID")]
	if !ok {
		WriteError(w, r, h.logger, store.ErrNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, statusOf(engineID, e, c))
}

func statusOf(engineID string, e *models.Engine, c models.Command) *CommandStatus {
	st := &CommandStatus{EngineID: engineID, Command: c}
	if ack, ok := e.Processed[c.ID]; ok {
		st.Ack = &ack
	}
	return st
}

// Package handlers implements the engine's HTTP handlers.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/fleet-engine/internal/api/errors"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationError(message), middleware.GetReqID(r.Context()))
}

// WriteError classifies err and writes it. Internal errors are logged.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := apierrors.FromError(err)
	if apiErr.Code == apierrors.CodeInternalError {
		logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
	apierrors.WriteErrorWithRequestID(w, apiErr, middleware.GetReqID(r.Context()))
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

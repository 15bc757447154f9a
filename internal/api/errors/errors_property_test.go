package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/fleet-engine/internal/command"
	"github.com/narvanalabs/fleet-engine/internal/peer"
	"github.com/narvanalabs/fleet-engine/internal/store"
)

// Every error response carries code, message and request_id, and its
// status matches the code.
func TestPropertyStructuredErrorResponseFormat(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genErrorCode := gen.OneConstOf(
		CodeValidationError,
		CodeNotFound,
		CodeUnauthorized,
		CodeForbidden,
		CodeInternalError,
	)
	genNonEmptyString := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0
	})

	properties.Property("error responses are structured", prop.ForAll(
		func(code, message, requestID string) bool {
			rec := httptest.NewRecorder()
			WriteErrorWithRequestID(rec, New(code, message), requestID)

			if rec.Code != New(code, message).HTTPStatusCode() {
				return false
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				return false
			}
			return body["code"] == code && body["message"] == message && body["request_id"] == requestID
		},
		genErrorCode,
		genNonEmptyString,
		genNonEmptyString,
	))

	properties.TestingRun(t)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"not found", fmt.Errorf("sending to e9: %w", store.ErrNotFound), CodeNotFound, http.StatusNotFound},
		{"unknown command", fmt.Errorf("%q: %w", "frob", command.ErrUnknownCommand), CodeValidationError, http.StatusBadRequest},
		{"bad argument", &command.ArgumentError{Command: "stopInstance", Arg: "instanceId", Reason: "missing"}, CodeValidationError, http.StatusBadRequest},
		{"scope", fmt.Errorf("send: %w", command.ErrScopeViolation), CodeForbidden, http.StatusForbidden},
		{"token", fmt.Errorf("%w: expired", peer.ErrUnauthorized), CodeUnauthorized, http.StatusUnauthorized},
		{"other", fmt.Errorf("disk on fire"), CodeInternalError, http.StatusInternalServerError},
		{"passthrough", NewForbiddenError("read only"), CodeForbidden, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got.Code != tt.code || got.HTTPStatusCode() != tt.status {
				t.Fatalf("FromError(%v) = %s/%d, want %s/%d", tt.err, got.Code, got.HTTPStatusCode(), tt.code, tt.status)
			}
		})
	}
}

func TestArgumentErrorDetails(t *testing.T) {
	got := FromError(&command.ArgumentError{Command: "startInstance", Arg: "diskId", Reason: "missing"})
	if got.Details["command"] != "startInstance" || got.Details["argument"] != "diskId" {
		t.Fatalf("details = %v", got.Details)
	}
}

func TestErrorLogEntryCarriesStack(t *testing.T) {
	entry := NewErrorLogEntry("req-1", CodeInternalError, "panic recovered")
	if entry.StackTrace == "" {
		t.Fatal("stack trace is empty")
	}
	attrs := entry.ToSlogAttrs()
	if len(attrs) != 8 || attrs[1] != "req-1" {
		t.Fatalf("attrs = %v", attrs)
	}
}

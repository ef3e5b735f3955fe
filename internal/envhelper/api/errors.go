package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/envhelper/envhelper/internal/envhelper/fault"
	"github.com/envhelper/envhelper/internal/envhelper/observability"
)

type errorResponse struct {
	Error         string `json:"error"`
	Kind          string `json:"kind,omitempty"`
	EnvironmentID string `json:"environment_id,omitempty"`
	// Inconsistent is set when the runtime changed but the record could
	// not be saved.
	Inconsistent bool `json:"inconsistent,omitempty"`
	// Environment is the record as persisted after a failed transition.
	Environment *EnvironmentResponse `json:"environment,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.ValidationError:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Busy, fault.Conflict, fault.PortConflict:
		return http.StatusConflict
	case fault.RuntimeUnavailable, fault.StoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respondFailure(w, r, err, nil)
}

func respondFailure(w http.ResponseWriter, r *http.Request, err error, env *EnvironmentResponse) {
	kind := fault.KindOf(err)
	status := statusFor(kind)
	body := errorResponse{Error: err.Error(), Kind: string(kind), EnvironmentID: fault.EnvironmentOf(err), Environment: env}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Inconsistent = fe.Inconsistent
	}
	log := observability.WithTrace(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "kind", kind, "err", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "kind", kind, "err", err)
	}
	respondJSON(w, status, body)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Warn("api: failed to encode JSON response", "err", err)
		}
	}
}

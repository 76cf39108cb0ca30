// Package web is the HTTP surface of the control plane: the signed agent
// protocol and the JWT-authed operator API.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/techulus/cloud-control/auth"
	"github.com/techulus/cloud-control/builds"
	"github.com/techulus/cloud-control/mesh"
	"github.com/techulus/cloud-control/repository"
	"github.com/techulus/cloud-control/workflows"
	"github.com/techulus/cloud-control/workqueue"
	"gorm.io/gorm"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "layer", "web", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// respondError maps domain errors onto the HTTP taxonomy: auth failures
// never reveal which check failed, lost races are 409, unknown entities
// 404, bad input 400, everything else 500.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnknownServer),
		errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrStaleTimestamp),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrOperatorUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "already claimed")
	case errors.Is(err, workflows.ErrRolloutActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, workqueue.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, builds.ErrRegistryMissing):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, builds.ErrInvalidStatus),
		errors.Is(err, builds.ErrCannotCancel),
		errors.Is(err, builds.ErrNoEligibleServer),
		errors.Is(err, mesh.ErrInvalidPublicKey),
		errors.Is(err, workflows.ErrStorageConfig),
		errors.Is(err, workflows.ErrNoSourceDeployment),
		errors.Is(err, workflows.ErrServiceNoImage),
		errors.Is(err, workflows.ErrNoTargets):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Request failed", "layer", "web", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/techulus/cloud-control/auth"
	"github.com/techulus/cloud-control/builds"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/repository"
	"github.com/techulus/cloud-control/workflows"
)

type OperatorHandler struct {
	tokens     *auth.TokenService
	servers    repository.ServerRepository
	builds     *builds.Scheduler
	rollouts   *workflows.RolloutEngine
	migrations *workflows.MigrationEngine
}

func NewOperatorHandler(
	tokens *auth.TokenService,
	servers repository.ServerRepository,
	scheduler *builds.Scheduler,
	rollouts *workflows.RolloutEngine,
	migrations *workflows.MigrationEngine,
) *OperatorHandler {
	return &OperatorHandler{
		tokens:     tokens,
		servers:    servers,
		builds:     scheduler,
		rollouts:   rollouts,
		migrations: migrations,
	}
}

// MintToken creates a bootstrap token for enrolling one server.
func (h *OperatorHandler) MintToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerName string `json:"serverName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerName == "" {
		writeError(w, http.StatusBadRequest, "serverName is required")
		return
	}

	token, err := h.tokens.Mint(req.ServerName)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token.Token,
		"serverName": token.ServerName,
	})
}

type serverResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	WireGuardIP   string `json:"wireguardIp"`
	PublicIP      string `json:"publicIp,omitempty"`
	Arch          string `json:"arch,omitempty"`
	IsProxy       bool   `json:"isProxy"`
	LastHeartbeat string `json:"lastHeartbeat,omitempty"`
}

// ListServers returns the fleet.
func (h *OperatorHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.servers.List()
	if err != nil {
		respondError(w, err)
		return
	}

	out := make([]serverResponse, len(servers))
	for i, s := range servers {
		resp := serverResponse{
			ID:          s.ID.String(),
			Name:        s.Name,
			Status:      s.Status.String(),
			WireGuardIP: s.WireGuardIP,
			PublicIP:    s.PublicIP,
			Arch:        s.Arch(),
			IsProxy:     s.IsProxy,
		}
		if s.LastHeartbeat != nil {
			resp.LastHeartbeat = s.LastHeartbeat.UTC().Format("2006-01-02T15:04:05Z")
		}
		out[i] = resp
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

// TriggerBuild schedules builds for a service at a commit.
func (h *OperatorHandler) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceID string `json:"serviceId"`
		CommitSHA string `json:"commitSha"`
		Branch    string `json:"branch,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	serviceID, err := uuid.Parse(req.ServiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}
	if req.CommitSHA == "" {
		writeError(w, http.StatusBadRequest, "commitSha is required")
		return
	}

	created, err := h.builds.Trigger(serviceID, req.CommitSHA, req.Branch)
	if err != nil {
		respondError(w, err)
		return
	}

	out := make([]buildResponse, len(created))
	for i, b := range created {
		out[i] = buildToWire(b)
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": out})
}

// CancelBuild stops an in-flight build.
func (h *OperatorHandler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	buildID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid build id")
		return
	}
	if err := h.builds.Cancel(buildID); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// StartRollout begins rolling a service's current image out to its target
// servers.
func (h *OperatorHandler) StartRollout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceID string `json:"serviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	serviceID, err := uuid.Parse(req.ServiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}

	rollout, err := h.rollouts.Start(r.Context(), serviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"rolloutId": rollout.ID.String(),
		"status":    rollout.Status.String(),
		"stage":     rollout.CurrentStage.String(),
	})
}

// CancelRollout aborts an in-flight rollout at its next suspension point.
func (h *OperatorHandler) CancelRollout(w http.ResponseWriter, r *http.Request) {
	rolloutID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rollout id")
		return
	}
	if err := h.rollouts.Cancel(rolloutID); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type migrationRequest struct {
	ServiceID      string               `json:"serviceId"`
	SourceServerID string               `json:"sourceServerId"`
	TargetServerID string               `json:"targetServerId"`
	Volumes        []string             `json:"volumes"`
	Storage        domain.StorageConfig `json:"storage"`
}

// StartMigration relocates a service between servers through backup and
// restore.
func (h *OperatorHandler) StartMigration(w http.ResponseWriter, r *http.Request) {
	var req migrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	serviceID, err := uuid.Parse(req.ServiceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}
	sourceID, err := uuid.Parse(req.SourceServerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source server id")
		return
	}
	targetID, err := uuid.Parse(req.TargetServerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target server id")
		return
	}

	migration, err := h.migrations.Start(r.Context(), workflows.MigrationInput{
		ServiceID:      serviceID,
		SourceServerID: sourceID,
		TargetServerID: targetID,
		Volumes:        req.Volumes,
		Storage:        req.Storage,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"migrationId": migration.ID.String(),
		"status":      migration.Status.String(),
	})
}

// CancelMigration aborts an in-flight migration at its next suspension
// point.
func (h *OperatorHandler) CancelMigration(w http.ResponseWriter, r *http.Request) {
	migrationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid migration id")
		return
	}
	if err := h.migrations.Cancel(migrationID); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

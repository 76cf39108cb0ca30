package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/techulus/cloud-control/builds"
	"github.com/techulus/cloud-control/config"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/reconciler"
	"github.com/techulus/cloud-control/registry"
	"github.com/techulus/cloud-control/state"
	"github.com/techulus/cloud-control/workqueue"
)

type AgentHandler struct {
	registry   *registry.Service
	reconciler *reconciler.Reconciler
	queue      *workqueue.Service
	builds     *builds.Scheduler
	state      *state.Builder
	cfg        *config.Config
}

func NewAgentHandler(
	reg *registry.Service,
	rec *reconciler.Reconciler,
	queue *workqueue.Service,
	scheduler *builds.Scheduler,
	stateBuilder *state.Builder,
	cfg *config.Config,
) *AgentHandler {
	return &AgentHandler{
		registry:   reg,
		reconciler: rec,
		queue:      queue,
		builds:     scheduler,
		state:      stateBuilder,
		cfg:        cfg,
	}
}

type registerRequest struct {
	Token              string `json:"token"`
	WireGuardPublicKey string `json:"wireguardPublicKey"`
	SigningPublicKey   string `json:"signingPublicKey"`
	PublicIP           string `json:"publicIp,omitempty"`
	PrivateIP          string `json:"privateIp,omitempty"`
	IsProxy            bool   `json:"isProxy,omitempty"`
}

type registerResponse struct {
	ServerID    string                 `json:"serverId"`
	WireGuardIP string                 `json:"wireguardIp"`
	Peers       []domain.WireGuardPeer `json:"peers"`
}

// Register enrolls a new agent with a bootstrap token. This is the one
// unsigned agent endpoint.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" || req.WireGuardPublicKey == "" || req.SigningPublicKey == "" {
		writeError(w, http.StatusBadRequest, "token and public keys are required")
		return
	}

	result, err := h.registry.Register(registry.RegisterInput{
		Token:              req.Token,
		WireGuardPublicKey: req.WireGuardPublicKey,
		SigningPublicKey:   req.SigningPublicKey,
		PublicIP:           req.PublicIP,
		PrivateIP:          req.PrivateIP,
		IsProxy:            req.IsProxy,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		ServerID:    result.Server.ID.String(),
		WireGuardIP: result.Server.WireGuardIP,
		Peers:       result.Peers,
	})
}

type workItemResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func workItemToWire(item *domain.WorkItem) workItemResponse {
	return workItemResponse{
		ID:      item.ID.String(),
		Type:    string(item.Type),
		Payload: item.Payload,
	}
}

func workItemsToWire(items []*domain.WorkItem) []workItemResponse {
	wire := make([]workItemResponse, len(items))
	for i, item := range items {
		wire[i] = workItemToWire(item)
	}
	return wire
}

/// Status ingests a heartbeat: the report is applied, stuck work reaped, and
// the oldest pending item claimed, in that order, so an agent never receives
// fresh work before its own report took effect. The response carries at most
// one item under "work"; agents drain the rest over the work-queue endpoint.
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	server := serverFromContext(r.Context())

	var report domain.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.reconciler.Apply(server.ID, &report); err != nil {
		respondError(w, err)
		return
	}
	if err := h.queue.ReapStuck(); err != nil {
		respondError(w, err)
		return
	}
	item, err := h.queue.ClaimNext(server.ID)
	if err != nil {
		respondError(w, err)
		return
	}

	var work *workItemResponse
	if item != nil {
		wire := workItemToWire(item)
		work = &wire
	}
	writeJSON(w, http.StatusOK, map[string]any{"work": work})
}

/// GetWork is the long-poll variant: it sleeps in short ticks inside the
// request until work appears or the requested timeout (capped) elapses.
func (h *AgentHandler) GetWork(w http.ResponseWriter, r *http.Request) {
	server := serverFromContext(r.Context())

	timeout := h.cfg.LongPollMax
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
			requested := time.Duration(millis) * time.Millisecond
			if requested >= 0 && requested < timeout {
				timeout = requested
			}
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := h.queue.ReapStuck(); err != nil {
			respondError(w, err)
			return
		}
		items, err := h.queue.ClaimPending(server.ID)
		if err != nil {
			respondError(w, err)
			return
		}
		if len(items) > 0 || time.Now().Add(h.cfg.LongPollTick).After(deadline) {
			writeJSON(w, http.StatusOK, map[string]any{"items": workItemsToWire(items)})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(h.cfg.LongPollTick):
		}
	}
}

type workResultRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReportWork records the outcome of a claimed work item.
func (h *AgentHandler) ReportWork(w http.ResponseWriter, r *http.Request) {
	server := serverFromContext(r.Context())

	var req workResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	itemID, err := uuid.Parse(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid work item id")
		return
	}
	status, err := domain.ParseWorkItemStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if err := h.queue.ReportResult(server.ID, itemID, status, req.Error); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type buildDetailsResponse struct {
	Build           buildResponse     `json:"build"`
	CloneURL        string            `json:"cloneUrl"`
	ImageURI        string            `json:"imageUri"`
	RootDir         string            `json:"rootDir"`
	Secrets         map[string]string `json:"secrets"`
	TimeoutMinutes  int               `json:"timeoutMinutes"`
	TargetPlatforms []string          `json:"targetPlatforms"`
}

type buildResponse struct {
	ID             string `json:"id"`
	ServiceID      string `json:"serviceId"`
	CommitSHA      string `json:"commitSha"`
	Branch         string `json:"branch"`
	TargetPlatform string `json:"targetPlatform"`
	Status         string `json:"status"`
	ImageURI       string `json:"imageUri"`
}

func buildToWire(b *domain.Build) buildResponse {
	return buildResponse{
		ID:             b.ID.String(),
		ServiceID:      b.ServiceID.String(),
		CommitSHA:      b.CommitSHA,
		Branch:         b.Branch,
		TargetPlatform: b.TargetPlatform,
		Status:         b.Status.String(),
		ImageURI:       b.ImageURI,
	}
}

func detailsToWire(d *builds.BuildDetails) buildDetailsResponse {
	secrets := d.Secrets
	if secrets == nil {
		secrets = map[string]string{}
	}
	return buildDetailsResponse{
		Build:           buildToWire(d.Build),
		CloneURL:        d.CloneURL,
		ImageURI:        d.ImageURI,
		RootDir:         d.RootDir,
		Secrets:         secrets,
		TimeoutMinutes:  d.TimeoutMinutes,
		TargetPlatforms: d.TargetPlatforms,
	}
}

func buildIDFromRequest(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// GetBuild returns the details an agent needs to run a build it claimed.
func (h *AgentHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, ok := buildIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid build id")
		return
	}
	build, err := h.builds.Get(buildID)
	if err != nil {
		respondError(w, err)
		return
	}
	details, err := h.builds.Details(build)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detailsToWire(details))
}

// ClaimBuild atomically claims a pending build for the calling agent. A
// lost race answers 409 and the agent moves on.
func (h *AgentHandler) ClaimBuild(w http.ResponseWriter, r *http.Request) {
	server := serverFromContext(r.Context())
	buildID, ok := buildIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid build id")
		return
	}

	details, err := h.builds.Claim(buildID, server.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detailsToWire(details))
}

// GetBuildStatus lets a building agent poll for cancellation.
func (h *AgentHandler) GetBuildStatus(w http.ResponseWriter, r *http.Request) {
	buildID, ok := buildIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid build id")
		return
	}
	build, err := h.builds.Get(buildID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": build.Status.String()})
}

type buildStatusRequest struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReportBuildStatus applies an agent's build progress report. A report
// against a cancelled build is acknowledged but ignored, telling the agent
// to stop.
func (h *AgentHandler) ReportBuildStatus(w http.ResponseWriter, r *http.Request) {
	buildID, ok := buildIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid build id")
		return
	}

	var req buildStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := domain.ParseBuildStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	err = h.builds.ReportStatus(buildID, status, req.Error)
	if errors.Is(err, builds.ErrBuildCancelled) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "cancelled": true})
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ExpectedState serves the full desired-state snapshot for the calling
// server.
func (h *AgentHandler) ExpectedState(w http.ResponseWriter, r *http.Request) {
	server := serverFromContext(r.Context())
	snapshot, err := h.state.Snapshot(server)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Package reconciler drives deployment state from agent-observed container
// state. All transitions go through one table lookup, so replaying a report
// is a structural no-op rather than a guarded one.
package reconciler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/events"
	"github.com/techulus/cloud-control/repository"
	"gorm.io/gorm"
)

// observation classifies one reported container into the inputs the
// transition table understands.
type observation int

const (
	// obsUp: container running with a passing or absent health probe.
	obsUp observation = iota
	// obsStarting: container running, health probe still warming up.
	obsStarting
	// obsUnhealthy: container running, health probe failing.
	obsUnhealthy
	// obsDown: container present in the report but not running.
	obsDown
)

func observe(c domain.ContainerStatus) observation {
	if c.Status != "running" {
		return obsDown
	}
	switch c.HealthStatus {
	case "unhealthy":
		return obsUnhealthy
	case "starting":
		return obsStarting
	default:
		return obsUp
	}
}

type transitionKey struct {
	from        domain.DeploymentStatus
	obs         observation
	healthCheck bool
}

type transition struct {
	to          domain.DeploymentStatus
	failedStage string
	event       events.Kind
}

// transitions is the full state machine. A (status, observation) pair not
// present here is a no-op, which is what makes re-applied reports
// idempotent.
var transitions = map[transitionKey]transition{
	// A fresh container shows up running. With a health check configured it
	// must prove itself first; without one it is immediately healthy.
	{domain.DeploymentStatusPending, obsUp, true}:       {to: domain.DeploymentStatusStarting},
	{domain.DeploymentStatusPending, obsStarting, true}: {to: domain.DeploymentStatusStarting},
	{domain.DeploymentStatusPulling, obsUp, true}:       {to: domain.DeploymentStatusStarting},
	{domain.DeploymentStatusPulling, obsStarting, true}: {to: domain.DeploymentStatusStarting},

	{domain.DeploymentStatusPending, obsUp, false}: {to: domain.DeploymentStatusHealthy, event: events.KindDeploymentHealthy},
	{domain.DeploymentStatusPulling, obsUp, false}: {to: domain.DeploymentStatusHealthy, event: events.KindDeploymentHealthy},

	// Health probe verdicts.
	{domain.DeploymentStatusStarting, obsUp, true}:  {to: domain.DeploymentStatusHealthy, event: events.KindDeploymentHealthy},
	{domain.DeploymentStatusStarting, obsUp, false}: {to: domain.DeploymentStatusHealthy, event: events.KindDeploymentHealthy},
	{domain.DeploymentStatusStarting, obsUnhealthy, true}: {
		to: domain.DeploymentStatusFailed, failedStage: "health_check", event: events.KindDeploymentFailed,
	},
	{domain.DeploymentStatusStarting, obsUnhealthy, false}: {
		to: domain.DeploymentStatusFailed, failedStage: "health_check", event: events.KindDeploymentFailed,
	},

	// Recovery from a previous loss.
	{domain.DeploymentStatusUnknown, obsUp, true}:         {to: domain.DeploymentStatusRunning},
	{domain.DeploymentStatusUnknown, obsUp, false}:        {to: domain.DeploymentStatusRunning},
	{domain.DeploymentStatusUnknown, obsStarting, true}:   {to: domain.DeploymentStatusStarting},
	{domain.DeploymentStatusUnknown, obsStarting, false}:  {to: domain.DeploymentStatusStarting},
	{domain.DeploymentStatusUnknown, obsUnhealthy, true}:  {to: domain.DeploymentStatusStarting},
	{domain.DeploymentStatusUnknown, obsUnhealthy, false}: {to: domain.DeploymentStatusStarting},
}

type Reconciler struct {
	servers     repository.ServerRepository
	deployments repository.DeploymentRepository
	services    repository.ServiceRepository
	rollouts    repository.RolloutRepository
	bus         *events.Bus
}

func New(
	servers repository.ServerRepository,
	deployments repository.DeploymentRepository,
	services repository.ServiceRepository,
	rollouts repository.RolloutRepository,
	bus *events.Bus,
) *Reconciler {
	return &Reconciler{
		servers:     servers,
		deployments: deployments,
		services:    services,
		rollouts:    rollouts,
		bus:         bus,
	}
}

// Apply ingests one heartbeat's status report. It records the heartbeat,
// reconciles every deployment the server owns against the observed
// containers, and advances rollouts waiting on DNS convergence.
func (r *Reconciler) Apply(serverID uuid.UUID, report *domain.StatusReport) error {
	if err := r.servers.RecordHeartbeat(serverID, report, time.Now()); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	if err := r.reconcileLost(serverID, report.Containers); err != nil {
		return err
	}

	for _, container := range report.Containers {
		if err := r.reconcileContainer(serverID, container); err != nil {
			slog.Error("Failed to reconcile container",
				"layer", "reconciler",
				"server_id", serverID,
				"container_id", container.ContainerID,
				"error", err)
		}
	}

	if report.DNSInSync {
		r.advanceDNSRollouts()
	}
	return nil
}

// reconcileLost handles active deployments the report no longer mentions.
// A stopping deployment losing its container is the expected outcome of a
// stop; anything else degrades to unknown, recoverable on the next report.
func (r *Reconciler) reconcileLost(serverID uuid.UUID, containers []domain.ContainerStatus) error {
	active, err := r.deployments.ListActiveByServer(serverID)
	if err != nil {
		return fmt.Errorf("failed to list active deployments: %w", err)
	}

	seen := make(map[uuid.UUID]bool, len(containers))
	for _, c := range containers {
		if id, err := uuid.Parse(c.DeploymentID); err == nil {
			seen[id] = true
			continue
		}
		if c.ContainerID == "" {
			continue
		}
		if d, err := r.deployments.FindByContainerID(serverID, c.ContainerID); err == nil {
			seen[d.ID] = true
		}
	}

	for _, deployment := range active {
		if seen[deployment.ID] {
			continue
		}
		if deployment.Status == domain.DeploymentStatusStopping {
			if err := r.deployments.Delete(deployment.ID); err != nil {
				return fmt.Errorf("failed to delete stopped deployment: %w", err)
			}
			r.bus.Publish(events.Event{Kind: events.KindDeploymentStopped, EntityID: deployment.ID})
			continue
		}
		moved, err := r.deployments.TransitionStatus(
			deployment.ID, deployment.Status, domain.DeploymentStatusUnknown, nil)
		if err != nil {
			return fmt.Errorf("failed to mark deployment unknown: %w", err)
		}
		if moved {
			slog.Warn("Deployment lost from report",
				"layer", "reconciler",
				"deployment_id", deployment.ID,
				"previous_status", deployment.Status)
		}
	}
	return nil
}

func (r *Reconciler) reconcileContainer(serverID uuid.UUID, container domain.ContainerStatus) error {
	deployment, err := r.resolve(serverID, container)
	if err != nil {
		return err
	}
	if deployment == nil {
		// An unmanaged container; nothing to reconcile.
		return nil
	}

	service, err := r.services.FindByID(deployment.ServiceID)
	if err != nil {
		return fmt.Errorf("failed to load service: %w", err)
	}

	key := transitionKey{
		from:        deployment.Status,
		obs:         observe(container),
		healthCheck: service.HasHealthCheck,
	}
	next, ok := transitions[key]
	if !ok {
		return nil
	}

	extra := map[string]any{"health_status": container.HealthStatus}
	if next.failedStage != "" {
		extra["failed_stage"] = next.failedStage
	}
	moved, err := r.deployments.TransitionStatus(deployment.ID, deployment.Status, next.to, extra)
	if err != nil {
		return fmt.Errorf("failed to transition deployment: %w", err)
	}
	if !moved {
		// Another report already applied this transition.
		return nil
	}

	slog.Info("Deployment transitioned",
		"layer", "reconciler",
		"deployment_id", deployment.ID,
		"from", deployment.Status,
		"to", next.to)

	if next.event != "" {
		r.bus.Publish(events.Event{Kind: next.event, EntityID: deployment.ID})
	}
	return nil
}

// resolve finds the deployment a reported container belongs to, adopting
// freshly started containers into waiting deployments when neither ID
// resolves directly.
func (r *Reconciler) resolve(serverID uuid.UUID, container domain.ContainerStatus) (*domain.Deployment, error) {
	if container.DeploymentID != "" {
		id, err := uuid.Parse(container.DeploymentID)
		if err == nil {
			deployment, err := r.deployments.FindByID(id)
			if err == nil {
				// The agent may recreate the container under a new ID
				// after a crash; the report's deployment ID is
				// authoritative, so track whatever container it names.
				if container.ContainerID != "" &&
					(deployment.ContainerID == nil || *deployment.ContainerID != container.ContainerID) {
					if err := r.deployments.SetContainerID(deployment.ID, container.ContainerID); err != nil {
						return nil, err
					}
					deployment.ContainerID = &container.ContainerID
				}
				return deployment, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}

	if container.ContainerID != "" {
		deployment, err := r.deployments.FindByContainerID(serverID, container.ContainerID)
		if err == nil {
			return deployment, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if container.Status != "running" || container.ContainerID == "" {
		return nil, nil
	}
	deployment, err := r.deployments.AdoptContainer(serverID, container.ContainerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, repository.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}
	slog.Info("Adopted container",
		"layer", "reconciler",
		"deployment_id", deployment.ID,
		"container_id", container.ContainerID)
	return deployment, nil
}

// advanceDNSRollouts wakes every rollout parked at the dns_sync stage.
func (r *Reconciler) advanceDNSRollouts() {
	parked, err := r.rollouts.ListInStage(domain.RolloutStageDNSSync)
	if err != nil {
		slog.Error("Failed to list rollouts waiting on DNS",
			"layer", "reconciler", "error", err)
		return
	}
	for _, rollout := range parked {
		r.bus.Publish(events.Event{Kind: events.KindDNSSynced, EntityID: rollout.ID})
	}
}

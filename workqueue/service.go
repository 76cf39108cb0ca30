// Package workqueue dispatches instructions to agents and tracks their
// outcomes. Items are created by the control plane, claimed by the owning
// agent over long-poll, and resolved by an explicit result report or by the
// stuck-item reaper.
package workqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/events"
	"github.com/techulus/cloud-control/repository"
)

var ErrItemNotFound = errors.New("work item not found for this server")

type Service struct {
	queue       repository.WorkQueueRepository
	deployments repository.DeploymentRepository
	bus         *events.Bus
	timeout     time.Duration
	maxAttempts int
}

func NewService(
	queue repository.WorkQueueRepository,
	deployments repository.DeploymentRepository,
	bus *events.Bus,
	timeout time.Duration,
	maxAttempts int,
) *Service {
	return &Service{
		queue:       queue,
		deployments: deployments,
		bus:         bus,
		timeout:     timeout,
		maxAttempts: maxAttempts,
	}
}

// Enqueue creates a pending item addressed to one server.
func (s *Service) Enqueue(serverID uuid.UUID, payload domain.WorkPayload) (*domain.WorkItem, error) {
	item, err := domain.NewWorkItem(serverID, payload)
	if err != nil {
		return nil, err
	}
	created, err := s.queue.Create(item)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue work item: %w", err)
	}
	slog.Debug("Enqueued work item",
		"layer", "workqueue", "type", item.Type, "server_id", serverID, "item_id", item.ID)
	return created, nil
}

// ClaimPending hands every pending item for the server to the caller. Each
// item is claimed at most once.
func (s *Service) ClaimPending(serverID uuid.UUID) ([]*domain.WorkItem, error) {
	return s.queue.ClaimPending(serverID)
}

// ClaimNext claims only the oldest pending item, or nil when there is none.
// Heartbeat responses carry at most one item, so items the agent was never
// told about are not left claimed.
func (s *Service) ClaimNext(serverID uuid.UUID) (*domain.WorkItem, error) {
	return s.queue.ClaimNext(serverID)
}

// ReportResult records an agent's outcome for a claimed item. The reporting
// server must own the item. Completed backup and restore items publish
// events so waiting workflows resume.
func (s *Service) ReportResult(serverID, itemID uuid.UUID, status domain.WorkItemStatus, errMsg string) error {
	if status != domain.WorkItemStatusCompleted && status != domain.WorkItemStatusFailed {
		return fmt.Errorf("invalid result status %q", status)
	}

	item, err := s.queue.MarkResult(itemID, serverID, status, errMsg)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrItemNotFound
		}
		return fmt.Errorf("failed to record work result: %w", err)
	}

	if status == domain.WorkItemStatusFailed {
		slog.Warn("Work item failed",
			"layer", "workqueue", "type", item.Type, "item_id", item.ID, "error", errMsg)
	}

	s.resolve(item, status, errMsg)
	return nil
}

// resolve translates a terminal work item into domain effects: workflow
// events for backup/restore jobs and a failure cascade for deploys.
func (s *Service) resolve(item *domain.WorkItem, status domain.WorkItemStatus, errMsg string) {
	payload, err := item.DecodedPayload()
	if err != nil {
		slog.Error("Failed to decode work payload",
			"layer", "workqueue", "item_id", item.ID, "error", err)
		return
	}

	switch p := payload.(type) {
	case *domain.BackupVolumePayload:
		kind := events.KindBackupCompleted
		if status == domain.WorkItemStatusFailed {
			kind = events.KindBackupFailed
		}
		if backupID, err := uuid.Parse(p.BackupID); err == nil {
			s.bus.Publish(events.Event{Kind: kind, EntityID: backupID, Payload: errMsg})
		}
	case *domain.RestoreVolumePayload:
		kind := events.KindRestoreCompleted
		if status == domain.WorkItemStatusFailed {
			kind = events.KindRestoreFailed
		}
		if backupID, err := uuid.Parse(p.BackupID); err == nil {
			s.bus.Publish(events.Event{Kind: kind, EntityID: backupID, Payload: errMsg})
		}
	case *domain.DeployPayload:
		if status == domain.WorkItemStatusFailed {
			s.failDeployment(p.DeploymentID, errMsg)
		}
	}
}

// failDeployment marks the deployment behind a failed deploy item as failed
// so rollouts waiting on it unblock immediately.
func (s *Service) failDeployment(deploymentID, reason string) {
	id, err := uuid.Parse(deploymentID)
	if err != nil {
		return
	}
	deployment, err := s.deployments.FindByID(id)
	if err != nil {
		slog.Error("Failed to load deployment for failure cascade",
			"layer", "workqueue", "deployment_id", deploymentID, "error", err)
		return
	}
	if deployment.Status == domain.DeploymentStatusFailed {
		return
	}

	moved, err := s.deployments.TransitionStatus(id, deployment.Status, domain.DeploymentStatusFailed,
		map[string]any{"failed_stage": "deploy"})
	if err != nil {
		slog.Error("Failed to cascade deploy failure",
			"layer", "workqueue", "deployment_id", deploymentID, "error", err)
		return
	}
	if moved {
		s.bus.Publish(events.Event{Kind: events.KindDeploymentFailed, EntityID: id, Payload: reason})
	}
}

// ReapStuck sweeps processing items whose agent went quiet. Items under the
// attempt budget go back to pending; the rest fail terminally, with the same
// domain effects as an agent-reported failure.
func (s *Service) ReapStuck() error {
	cutoff := time.Now().Add(-s.timeout)
	stuck, err := s.queue.ListStuck(cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stuck work items: %w", err)
	}

	for _, item := range stuck {
		if item.Attempts+1 < s.maxAttempts {
			retried, err := s.queue.RetryStuck(item.ID, cutoff)
			if err != nil {
				return err
			}
			if retried {
				slog.Warn("Requeued stuck work item",
					"layer", "workqueue", "type", item.Type, "item_id", item.ID,
					"attempts", item.Attempts+1)
			}
			continue
		}

		reason := fmt.Sprintf("work item timed out after %d attempts", item.Attempts+1)
		failed, err := s.queue.FailStuck(item.ID, cutoff, reason)
		if err != nil {
			return err
		}
		if failed {
			slog.Error("Failing stuck work item",
				"layer", "workqueue", "type", item.Type, "item_id", item.ID)
			s.resolve(item, domain.WorkItemStatusFailed, reason)
		}
	}
	return nil
}

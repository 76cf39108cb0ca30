// Package workflows runs the multi-stage sagas of the control plane:
// service rollouts and cross-server migrations. Each stage persists before
// its wait, so a timed-out or crashed workflow leaves an inspectable entity
// marked failed rather than a half-applied mystery.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/config"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/events"
	"github.com/techulus/cloud-control/mesh"
	"github.com/techulus/cloud-control/repository"
	"github.com/techulus/cloud-control/workqueue"
)

var (
	ErrRolloutActive    = errors.New("service already has a rollout in progress")
	ErrNoTargets        = errors.New("no target servers for rollout")
	ErrServiceNoImage   = errors.New("service has no image to deploy")
	ErrRolloutCancelled = errors.New("rollout cancelled")
)

type RolloutEngine struct {
	rollouts     repository.RolloutRepository
	deployments  repository.DeploymentRepository
	services     repository.ServiceRepository
	servers      repository.ServerRepository
	certificates repository.CertificateRepository
	mesh         *mesh.Manager
	queue        *workqueue.Service
	bus          *events.Bus
	cfg          *config.Config
}

func NewRolloutEngine(
	rollouts repository.RolloutRepository,
	deployments repository.DeploymentRepository,
	services repository.ServiceRepository,
	servers repository.ServerRepository,
	certificates repository.CertificateRepository,
	meshMgr *mesh.Manager,
	queue *workqueue.Service,
	bus *events.Bus,
	cfg *config.Config,
) *RolloutEngine {
	return &RolloutEngine{
		rollouts:     rollouts,
		deployments:  deployments,
		services:     services,
		servers:      servers,
		certificates: certificates,
		mesh:         meshMgr,
		queue:        queue,
		bus:          bus,
		cfg:          cfg,
	}
}

// Start creates a rollout for a service and runs it in the background. At
// most one rollout per service is in progress.
func (e *RolloutEngine) Start(ctx context.Context, serviceID uuid.UUID) (*domain.Rollout, error) {
	service, err := e.services.FindByID(serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	if service.Image == "" {
		return nil, ErrServiceNoImage
	}

	if _, err := e.rollouts.FindActiveByService(serviceID); err == nil {
		return nil, ErrRolloutActive
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	rollout, err := e.rollouts.Create(domain.NewRollout(serviceID))
	if err != nil {
		return nil, fmt.Errorf("failed to create rollout: %w", err)
	}

	// Subscribe for cancellation before the saga goroutine exists, so a
	// Cancel issued right after Start returns is never lost.
	cancelCh, unsubscribe := e.bus.Subscribe(events.KindRolloutCancel, rollout.ID)
	go e.run(ctx, rollout, service, cancelCh, unsubscribe)
	return rollout, nil
}

// Cancel aborts an in-flight rollout at its next suspension point.
func (e *RolloutEngine) Cancel(rolloutID uuid.UUID) error {
	rollout, err := e.rollouts.FindByID(rolloutID)
	if err != nil {
		return err
	}
	if rollout.Status != domain.RolloutStatusInProgress {
		return fmt.Errorf("rollout is %s, not in progress", rollout.Status)
	}
	e.bus.Publish(events.Event{Kind: events.KindRolloutCancel, EntityID: rolloutID})
	return nil
}

func (e *RolloutEngine) run(
	ctx context.Context,
	rollout *domain.Rollout,
	service *domain.Service,
	cancelCh <-chan events.Event,
	unsubscribe func(),
) {
	defer unsubscribe()

	slog.Info("Rollout started",
		"layer", "workflows", "rollout_id", rollout.ID, "service", service.Name)

	previous, err := e.deployments.ListByService(service.ID)
	if err != nil {
		e.fail(rollout, domain.RolloutStagePreparing, err.Error())
		return
	}

	created, err := e.prepare(rollout, service)
	if err != nil {
		e.fail(rollout, domain.RolloutStagePreparing, err.Error())
		return
	}

	if err := e.ensureCertificates(rollout, service); err != nil {
		e.fail(rollout, domain.RolloutStageCertificates, err.Error())
		return
	}

	watches, err := e.deploy(rollout, service, created)
	defer func() {
		for _, watch := range watches {
			watch.Close()
		}
	}()
	if err != nil {
		e.fail(rollout, domain.RolloutStageDeploying, err.Error())
		return
	}

	if err := e.awaitHealthy(ctx, rollout, created, watches, cancelCh); err != nil {
		e.abort(rollout, domain.RolloutStageHealthCheck, err)
		return
	}

	if err := e.syncDNS(ctx, rollout, service, cancelCh); err != nil {
		e.abort(rollout, domain.RolloutStageDNSSync, err)
		return
	}

	e.retirePrevious(service, previous)

	if err := e.rollouts.Complete(rollout.ID); err != nil {
		slog.Error("Failed to mark rollout complete",
			"layer", "workflows", "rollout_id", rollout.ID, "error", err)
		return
	}
	slog.Info("Rollout completed",
		"layer", "workflows", "rollout_id", rollout.ID, "service", service.Name)
}

// prepare places one deployment per target server with a mesh address.
func (e *RolloutEngine) prepare(rollout *domain.Rollout, service *domain.Service) ([]*domain.Deployment, error) {
	targets, err := e.targetServers(service)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	created := make([]*domain.Deployment, 0, len(targets))
	for _, server := range targets {
		ip, err := e.mesh.AllocateDeploymentIP(server)
		if err != nil {
			return nil, err
		}
		deployment := domain.NewDeployment(service.ID, server.ID, &rollout.ID, ip)
		stored, err := e.deployments.Create(deployment)
		if err != nil {
			return nil, fmt.Errorf("failed to create deployment: %w", err)
		}
		created = append(created, stored)
	}
	return created, nil
}

// targetServers resolves where a service runs: its pinned server, its
// replica set, or every online server eligible for placement.
func (e *RolloutEngine) targetServers(service *domain.Service) ([]*domain.Server, error) {
	if service.Stateful && service.LockedServerID != nil {
		server, err := e.servers.FindByID(*service.LockedServerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load locked server: %w", err)
		}
		if server.Status != domain.ServerStatusOnline {
			return nil, fmt.Errorf("locked server %s is %s", server.Name, server.Status)
		}
		return []*domain.Server{server}, nil
	}

	if len(service.ReplicaServerIDs) > 0 {
		targets := make([]*domain.Server, 0, len(service.ReplicaServerIDs))
		for _, id := range service.ReplicaServerIDs {
			server, err := e.servers.FindByID(id)
			if err != nil {
				return nil, fmt.Errorf("failed to load replica server: %w", err)
			}
			if server.Status == domain.ServerStatusOnline {
				targets = append(targets, server)
			}
		}
		return targets, nil
	}

	online, err := e.servers.ListOnline()
	if err != nil {
		return nil, err
	}
	targets := make([]*domain.Server, 0, len(online))
	for _, server := range online {
		if e.cfg.PlacementAllowed(server.Name) {
			targets = append(targets, server)
		}
	}
	return targets, nil
}

// ensureCertificates verifies TLS material exists for every public HTTP
// domain before the proxy is asked to route it.
func (e *RolloutEngine) ensureCertificates(rollout *domain.Rollout, service *domain.Service) error {
	if err := e.rollouts.SetStage(rollout.ID, domain.RolloutStageCertificates); err != nil {
		return err
	}
	for _, port := range service.Ports {
		if port.Protocol != domain.PortProtocolHTTP || !port.Public || port.Domain == "" {
			continue
		}
		if _, err := e.certificates.FindByDomain(port.Domain); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("no certificate for domain %s", port.Domain)
			}
			return err
		}
	}
	return nil
}

// deploy registers a health watch per deployment before its deploy item is
// enqueued, so an agent completing faster than the saga resumes cannot slip
// its event past the subscription. The watches are returned even on error
// so the caller can release them.
func (e *RolloutEngine) deploy(rollout *domain.Rollout, service *domain.Service, created []*domain.Deployment) ([]*events.Watch, error) {
	if err := e.rollouts.SetStage(rollout.ID, domain.RolloutStageDeploying); err != nil {
		return nil, err
	}

	watches := make([]*events.Watch, len(created))
	for i, deployment := range created {
		watches[i] = e.bus.Watch(deployment.ID,
			events.KindDeploymentHealthy, events.KindDeploymentFailed)
	}

	for _, deployment := range created {
		_, err := e.queue.Enqueue(deployment.ServerID, &domain.DeployPayload{
			DeploymentID: deployment.ID.String(),
			ServiceID:    service.ID.String(),
			ServiceName:  service.Name,
			Image:        service.Image,
			IPAddress:    deployment.IPAddress,
		})
		if err != nil {
			return watches, err
		}
	}
	return watches, nil
}

// awaitHealthy suspends until every new deployment reports healthy. One
// failed deployment fails the whole rollout.
func (e *RolloutEngine) awaitHealthy(
	ctx context.Context,
	rollout *domain.Rollout,
	created []*domain.Deployment,
	watches []*events.Watch,
	cancelCh <-chan events.Event,
) error {
	if err := e.rollouts.SetStage(rollout.ID, domain.RolloutStageHealthCheck); err != nil {
		return err
	}

	for i, deployment := range created {
		event, err := e.wait(ctx, watches[i], cancelCh, e.cfg.HealthWaitTimeout)
		if errors.Is(err, ErrRolloutCancelled) {
			return err
		}
		if err != nil {
			return fmt.Errorf("timed out waiting for deployment %s to become healthy", deployment.ID)
		}
		if event.Kind == events.KindDeploymentFailed {
			return fmt.Errorf("deployment %s failed health check", deployment.ID)
		}
	}
	return nil
}

// syncDNS asks proxy servers to converge routing and waits for one of them
// to report dnsInSync.
func (e *RolloutEngine) syncDNS(
	ctx context.Context,
	rollout *domain.Rollout,
	service *domain.Service,
	cancelCh <-chan events.Event,
) error {
	if err := e.rollouts.SetStage(rollout.ID, domain.RolloutStageDNSSync); err != nil {
		return err
	}

	watch := e.bus.Watch(rollout.ID, events.KindDNSSynced)
	defer watch.Close()

	online, err := e.servers.ListOnline()
	if err != nil {
		return err
	}
	proxies := 0
	for _, server := range online {
		if !server.IsProxy {
			continue
		}
		if _, err := e.queue.Enqueue(server.ID, &domain.SyncCaddyPayload{ServiceID: service.ID.String()}); err != nil {
			return err
		}
		proxies++
	}
	if proxies == 0 {
		// Nothing routes for this fleet; the stage is trivially done.
		return nil
	}

	if _, err := e.wait(ctx, watch, cancelCh, e.cfg.WorkflowWaitTimeout); err != nil {
		if errors.Is(err, ErrRolloutCancelled) {
			return err
		}
		return fmt.Errorf("timed out waiting for DNS to converge")
	}
	return nil
}

// wait blocks on a pre-registered watch, racing operator cancellation
// against the watched outcome and the stage timeout.
func (e *RolloutEngine) wait(
	ctx context.Context,
	watch *events.Watch,
	cancelCh <-chan events.Event,
	timeout time.Duration,
) (events.Event, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan events.Event, 1)
	errCh := make(chan error, 1)
	go func() {
		event, err := watch.Wait(waitCtx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- event
	}()

	select {
	case <-cancelCh:
		return events.Event{}, ErrRolloutCancelled
	case err := <-errCh:
		return events.Event{}, err
	case event := <-resultCh:
		return event, nil
	}
}

// retirePrevious stops the deployments the rollout replaces. Failures here
// do not fail the rollout; the stop can be re-issued by the operator.
func (e *RolloutEngine) retirePrevious(service *domain.Service, previous []*domain.Deployment) {
	for _, deployment := range previous {
		if !deployment.Status.IsActive() {
			continue
		}
		moved, err := e.deployments.TransitionStatus(
			deployment.ID, deployment.Status, domain.DeploymentStatusStopping, nil)
		if err != nil || !moved {
			continue
		}
		containerID := ""
		if deployment.ContainerID != nil {
			containerID = *deployment.ContainerID
		}
		_, err = e.queue.Enqueue(deployment.ServerID, &domain.StopPayload{
			DeploymentID: deployment.ID.String(),
			ContainerID:  containerID,
		})
		if err != nil {
			slog.Error("Failed to enqueue stop for replaced deployment",
				"layer", "workflows", "deployment_id", deployment.ID, "error", err)
		}
	}
}

// abort routes a stage error to its terminal record: cancellation marks the
// rollout cancelled, anything else fails it at the stage.
func (e *RolloutEngine) abort(rollout *domain.Rollout, stage domain.RolloutStage, err error) {
	if errors.Is(err, ErrRolloutCancelled) {
		slog.Warn("Rollout cancelled",
			"layer", "workflows", "rollout_id", rollout.ID, "stage", stage)
		if err := e.rollouts.Cancel(rollout.ID); err != nil {
			slog.Error("Failed to mark rollout cancelled",
				"layer", "workflows", "rollout_id", rollout.ID, "error", err)
		}
		return
	}
	e.fail(rollout, stage, err.Error())
}

func (e *RolloutEngine) fail(rollout *domain.Rollout, stage domain.RolloutStage, reason string) {
	slog.Error("Rollout failed",
		"layer", "workflows", "rollout_id", rollout.ID, "stage", stage, "reason", reason)
	if err := e.rollouts.Fail(rollout.ID, stage, reason); err != nil {
		slog.Error("Failed to record rollout failure",
			"layer", "workflows", "rollout_id", rollout.ID, "error", err)
	}
}

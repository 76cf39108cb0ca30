package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/config"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/events"
	"github.com/techulus/cloud-control/mesh"
	"github.com/techulus/cloud-control/repository"
	"github.com/techulus/cloud-control/workqueue"
)

var (
	ErrStorageConfig      = errors.New("storage configuration is incomplete")
	ErrNoSourceDeployment = errors.New("service has no deployment on the source server")
	ErrMigrationCancelled = errors.New("migration cancelled")
)

// MigrationInput describes one migration request: which volumes to carry
// over and the object storage the backups travel through.
type MigrationInput struct {
	ServiceID      uuid.UUID
	SourceServerID uuid.UUID
	TargetServerID uuid.UUID
	Volumes        []string
	Storage        domain.StorageConfig
}

type MigrationEngine struct {
	migrations  repository.MigrationRepository
	deployments repository.DeploymentRepository
	services    repository.ServiceRepository
	servers     repository.ServerRepository
	mesh        *mesh.Manager
	queue       *workqueue.Service
	bus         *events.Bus
	cfg         *config.Config
}

func NewMigrationEngine(
	migrations repository.MigrationRepository,
	deployments repository.DeploymentRepository,
	services repository.ServiceRepository,
	servers repository.ServerRepository,
	meshMgr *mesh.Manager,
	queue *workqueue.Service,
	bus *events.Bus,
	cfg *config.Config,
) *MigrationEngine {
	return &MigrationEngine{
		migrations:  migrations,
		deployments: deployments,
		services:    services,
		servers:     servers,
		mesh:        meshMgr,
		queue:       queue,
		bus:         bus,
		cfg:         cfg,
	}
}

// Start validates a migration request and runs the saga in the background.
func (e *MigrationEngine) Start(ctx context.Context, input MigrationInput) (*domain.Migration, error) {
	if input.Storage.Provider == "" || input.Storage.Bucket == "" {
		return nil, ErrStorageConfig
	}

	service, err := e.services.FindByID(input.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	target, err := e.servers.FindByID(input.TargetServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load target server: %w", err)
	}
	if target.Status != domain.ServerStatusOnline {
		return nil, fmt.Errorf("target server %s is %s", target.Name, target.Status)
	}

	source, err := e.sourceDeployment(input)
	if err != nil {
		return nil, err
	}

	migration, err := e.migrations.Create(
		domain.NewMigration(input.ServiceID, input.SourceServerID, input.TargetServerID))
	if err != nil {
		return nil, fmt.Errorf("failed to create migration: %w", err)
	}

	// Subscribe for cancellation before the saga goroutine exists, so a
	// Cancel issued right after Start returns is never lost.
	cancelCh, unsubscribe := e.bus.Subscribe(events.KindMigrationCancel, migration.ID)
	go e.run(ctx, migration, service, source, target, input, cancelCh, unsubscribe)
	return migration, nil
}

// Cancel aborts an in-flight migration at its next suspension point.
func (e *MigrationEngine) Cancel(migrationID uuid.UUID) error {
	migration, err := e.migrations.FindByID(migrationID)
	if err != nil {
		return err
	}
	if migration.Status != domain.MigrationStatusInProgress {
		return fmt.Errorf("migration is %s, not in progress", migration.Status)
	}
	e.bus.Publish(events.Event{Kind: events.KindMigrationCancel, EntityID: migrationID})
	return nil
}

func (e *MigrationEngine) sourceDeployment(input MigrationInput) (*domain.Deployment, error) {
	deployments, err := e.deployments.ListByServer(input.SourceServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	for _, d := range deployments {
		if d.ServiceID == input.ServiceID && d.Status.IsActive() {
			return d, nil
		}
	}
	return nil, ErrNoSourceDeployment
}

func (e *MigrationEngine) run(
	ctx context.Context,
	migration *domain.Migration,
	service *domain.Service,
	source *domain.Deployment,
	target *domain.Server,
	input MigrationInput,
	cancelCh <-chan events.Event,
	unsubscribe func(),
) {
	defer unsubscribe()

	slog.Info("Migration started",
		"layer", "workflows",
		"migration_id", migration.ID,
		"service", service.Name,
		"target", target.Name)

	err := e.execute(ctx, migration, service, source, target, input, cancelCh)
	switch {
	case err == nil:
		if err := e.migrations.Complete(migration.ID); err != nil {
			slog.Error("Failed to mark migration complete",
				"layer", "workflows", "migration_id", migration.ID, "error", err)
			return
		}
		slog.Info("Migration completed", "layer", "workflows", "migration_id", migration.ID)
	case errors.Is(err, ErrMigrationCancelled):
		if err := e.migrations.SetStatus(migration.ID, domain.MigrationStatusCancelled); err != nil {
			slog.Error("Failed to mark migration cancelled",
				"layer", "workflows", "migration_id", migration.ID, "error", err)
		}
		slog.Warn("Migration cancelled", "layer", "workflows", "migration_id", migration.ID)
	default:
		slog.Error("Migration failed",
			"layer", "workflows", "migration_id", migration.ID, "reason", err)
		if err := e.migrations.Fail(migration.ID, err.Error()); err != nil {
			slog.Error("Failed to record migration failure",
				"layer", "workflows", "migration_id", migration.ID, "error", err)
		}
	}
}

func (e *MigrationEngine) execute(
	ctx context.Context,
	migration *domain.Migration,
	service *domain.Service,
	source *domain.Deployment,
	target *domain.Server,
	input MigrationInput,
	cancelCh <-chan events.Event,
) error {
	sourceContainer := ""
	if source.ContainerID != nil {
		sourceContainer = *source.ContainerID
	}

	// Database services carry a logical dump alongside their volumes. The
	// dump runs against the live container, so it must finish before the
	// source is stopped.
	dbType := service.DatabaseType()
	dumpID := uuid.New()
	if dbType != "" {
		watch := e.bus.Watch(dumpID, events.KindBackupCompleted, events.KindBackupFailed)
		_, err := e.queue.Enqueue(input.SourceServerID, &domain.BackupVolumePayload{
			BackupID:      dumpID.String(),
			ServiceID:     service.ID.String(),
			ContainerID:   sourceContainer,
			StoragePath:   dumpStoragePath(service, migration),
			StorageConfig: input.Storage,
			BackupType:    "database",
			ServiceImage:  service.Image,
		})
		if err != nil {
			watch.Close()
			return err
		}
		err = e.await(ctx, cancelCh, watch, events.KindBackupFailed,
			fmt.Sprintf("%s dump backup", dbType))
		watch.Close()
		if err != nil {
			return err
		}
	}

	// Stop the source container so volumes are quiescent for backup.
	if err := e.stopSource(ctx, migration, source, sourceContainer, cancelCh); err != nil {
		return err
	}

	// One backup per volume. Every watch is registered before its item is
	// enqueued, so a fast agent cannot complete past the subscription.
	backupIDs := make(map[string]uuid.UUID, len(input.Volumes))
	backupWatches := make(map[string]*events.Watch, len(input.Volumes))
	for _, volume := range input.Volumes {
		backupID := uuid.New()
		backupIDs[volume] = backupID
		backupWatches[volume] = e.bus.Watch(backupID,
			events.KindBackupCompleted, events.KindBackupFailed)
	}
	defer func() {
		for _, watch := range backupWatches {
			watch.Close()
		}
	}()
	for volume, backupID := range backupIDs {
		_, err := e.queue.Enqueue(input.SourceServerID, &domain.BackupVolumePayload{
			BackupID:      backupID.String(),
			ServiceID:     service.ID.String(),
			ContainerID:   sourceContainer,
			VolumeName:    volume,
			StoragePath:   storagePath(service, migration, volume),
			StorageConfig: input.Storage,
			BackupType:    "migration",
			ServiceImage:  service.Image,
		})
		if err != nil {
			return err
		}
	}
	for volume, watch := range backupWatches {
		if err := e.await(ctx, cancelCh, watch, events.KindBackupFailed,
			fmt.Sprintf("backup of volume %s", volume)); err != nil {
			return err
		}
	}

	// Restore every volume on the target.
	restoreWatches := make(map[string]*events.Watch, len(input.Volumes))
	for volume, backupID := range backupIDs {
		restoreWatches[volume] = e.bus.Watch(backupID,
			events.KindRestoreCompleted, events.KindRestoreFailed)
	}
	defer func() {
		for _, watch := range restoreWatches {
			watch.Close()
		}
	}()
	for volume, backupID := range backupIDs {
		_, err := e.queue.Enqueue(input.TargetServerID, &domain.RestoreVolumePayload{
			BackupID:      backupID.String(),
			ServiceID:     service.ID.String(),
			VolumeName:    volume,
			StoragePath:   storagePath(service, migration, volume),
			StorageConfig: input.Storage,
			BackupType:    "migration",
			ServiceImage:  service.Image,
		})
		if err != nil {
			return err
		}
	}
	for volume, watch := range restoreWatches {
		if err := e.await(ctx, cancelCh, watch, events.KindRestoreFailed,
			fmt.Sprintf("restore of volume %s", volume)); err != nil {
			return err
		}
	}

	// Deploy on the target and wait for it to come up.
	deployment, watch, err := e.deployTarget(migration, service, target)
	if watch != nil {
		defer watch.Close()
	}
	if err != nil {
		return err
	}
	if err := e.await(ctx, cancelCh, watch, events.KindDeploymentFailed,
		"target deployment health"); err != nil {
		return err
	}

	// Replay the dump into the freshly deployed database.
	if dbType != "" {
		if err := e.restoreDump(ctx, migration, service, deployment, input, dbType, dumpID, cancelCh); err != nil {
			return err
		}
	}

	// The service now lives on the target.
	if service.Stateful {
		service.LockedServerID = &target.ID
		if err := e.services.Update(service); err != nil {
			return fmt.Errorf("failed to repin service: %w", err)
		}
	}
	return nil
}

// restoreDump replays the database dump captured before the source stopped
// into the target's running container.
func (e *MigrationEngine) restoreDump(
	ctx context.Context,
	migration *domain.Migration,
	service *domain.Service,
	deployment *domain.Deployment,
	input MigrationInput,
	dbType string,
	dumpID uuid.UUID,
	cancelCh <-chan events.Event,
) error {
	// The reconciler attaches the container ID once the agent reports the
	// deployment; reload to pick it up.
	targetContainer := ""
	if fresh, err := e.deployments.FindByID(deployment.ID); err == nil && fresh.ContainerID != nil {
		targetContainer = *fresh.ContainerID
	}

	watch := e.bus.Watch(dumpID, events.KindRestoreCompleted, events.KindRestoreFailed)
	defer watch.Close()

	_, err := e.queue.Enqueue(input.TargetServerID, &domain.RestoreVolumePayload{
		BackupID:      dumpID.String(),
		ServiceID:     service.ID.String(),
		ContainerID:   targetContainer,
		StoragePath:   dumpStoragePath(service, migration),
		StorageConfig: input.Storage,
		BackupType:    "database",
		ServiceImage:  service.Image,
	})
	if err != nil {
		return err
	}
	return e.await(ctx, cancelCh, watch, events.KindRestoreFailed,
		fmt.Sprintf("%s dump restore", dbType))
}

func (e *MigrationEngine) stopSource(
	ctx context.Context,
	migration *domain.Migration,
	source *domain.Deployment,
	containerID string,
	cancelCh <-chan events.Event,
) error {
	watch := e.bus.Watch(source.ID,
		events.KindDeploymentStopped, events.KindDeploymentFailed)
	defer watch.Close()

	moved, err := e.deployments.TransitionStatus(
		source.ID, source.Status, domain.DeploymentStatusStopping, nil)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("source deployment %s changed state during migration start", source.ID)
	}
	_, err = e.queue.Enqueue(source.ServerID, &domain.StopPayload{
		DeploymentID: source.ID.String(),
		ContainerID:  containerID,
	})
	if err != nil {
		return err
	}
	return e.await(ctx, cancelCh, watch, events.KindDeploymentFailed, "source container stop")
}

func (e *MigrationEngine) deployTarget(
	migration *domain.Migration,
	service *domain.Service,
	target *domain.Server,
) (*domain.Deployment, *events.Watch, error) {
	ip, err := e.mesh.AllocateDeploymentIP(target)
	if err != nil {
		return nil, nil, err
	}
	deployment, err := e.deployments.Create(domain.NewDeployment(service.ID, target.ID, nil, ip))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create target deployment: %w", err)
	}

	watch := e.bus.Watch(deployment.ID,
		events.KindDeploymentHealthy, events.KindDeploymentFailed)
	_, err = e.queue.Enqueue(target.ID, &domain.DeployPayload{
		DeploymentID: deployment.ID.String(),
		ServiceID:    service.ID.String(),
		ServiceName:  service.Name,
		Image:        service.Image,
		IPAddress:    deployment.IPAddress,
	})
	if err != nil {
		return nil, watch, err
	}
	return deployment, watch, nil
}

// await is one suspension point: it resolves on success, failure,
// cancellation, or timeout, in that order of preference. The watch must be
// registered before the awaited work was enqueued.
func (e *MigrationEngine) await(
	ctx context.Context,
	cancelCh <-chan events.Event,
	watch *events.Watch,
	failure events.Kind,
	what string,
) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.WorkflowWaitTimeout)
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
		return ErrMigrationCancelled
	case err := <-errCh:
		return fmt.Errorf("timed out waiting for %s: %w", what, err)
	case event := <-resultCh:
		if event.Kind == failure {
			reason, _ := event.Payload.(string)
			if reason == "" {
				reason = "agent reported failure"
			}
			return fmt.Errorf("%s failed: %s", what, reason)
		}
		return nil
	}
}

func storagePath(service *domain.Service, migration *domain.Migration, volume string) string {
	return fmt.Sprintf("migrations/%s/%s/%s.tar.gz", service.ID, migration.ID, volume)
}

func dumpStoragePath(service *domain.Service, migration *domain.Migration) string {
	return fmt.Sprintf("migrations/%s/%s/database.dump", service.ID, migration.ID)
}

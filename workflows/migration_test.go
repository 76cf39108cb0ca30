package workflows

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techulus/cloud-control/domain"
)

func (f *workflowFixture) waitForMigration(t *testing.T, id uuid.UUID, want domain.MigrationStatus) *domain.Migration {
	t.Helper()
	var current *domain.Migration
	require.Eventually(t, func() bool {
		migration, err := f.migrations.FindByID(id)
		if err != nil {
			return false
		}
		current = migration
		return migration.Status == want
	}, 5*time.Second, 20*time.Millisecond)
	return current
}

func validStorage() domain.StorageConfig {
	return domain.StorageConfig{
		Provider:  "s3",
		Bucket:    "backups",
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
	}
}

func TestMigrationValidatesInput(t *testing.T) {
	f := newWorkflowFixture(t)
	source := f.addServer(t, "node-1", 1, false)
	target := f.addServer(t, "node-2", 2, false)
	service := f.addService(t, "postgres", "postgres:16")

	tests := []struct {
		name    string
		input   MigrationInput
		wantErr error
	}{
		{
			name: "missing storage bucket",
			input: MigrationInput{
				ServiceID: service.ID, SourceServerID: source.ID, TargetServerID: target.ID,
				Storage: domain.StorageConfig{Provider: "s3"},
			},
			wantErr: ErrStorageConfig,
		},
		{
			name: "no deployment on source",
			input: MigrationInput{
				ServiceID: service.ID, SourceServerID: source.ID, TargetServerID: target.ID,
				Storage: validStorage(),
			},
			wantErr: ErrNoSourceDeployment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.migrationEngine.Start(context.Background(), tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMigrationRejectsOfflineTarget(t *testing.T) {
	f := newWorkflowFixture(t)
	source := f.addServer(t, "node-1", 1, false)
	service := f.addService(t, "postgres", "postgres:16")

	target, err := f.servers.Create(&domain.Server{
		ID: uuid.New(), Name: "node-2",
		Status: domain.ServerStatusOffline, SubnetID: 2,
	})
	require.NoError(t, err)

	_, err = f.migrationEngine.Start(context.Background(), MigrationInput{
		ServiceID: service.ID, SourceServerID: source.ID, TargetServerID: target.ID,
		Storage: validStorage(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
}

func TestMigrationHappyPath(t *testing.T) {
	f := newWorkflowFixture(t)
	source := f.addServer(t, "node-1", 1, false)
	target := f.addServer(t, "node-2", 2, false)

	service, err := f.services.Create(&domain.Service{
		ID: uuid.New(), Name: "postgres", Image: "postgres:16",
		Stateful: true, LockedServerID: &source.ID,
	})
	require.NoError(t, err)

	deployment := domain.NewDeployment(service.ID, source.ID, nil, "10.100.0.2")
	deployment.Status = domain.DeploymentStatusHealthy
	sourceDeployment, err := f.deployments.Create(deployment)
	require.NoError(t, err)
	require.NoError(t, f.deployments.SetContainerID(sourceDeployment.ID, "c-pg"))

	stop := f.pumpAgents(t, source.ID, target.ID)
	defer stop()

	migration, err := f.migrationEngine.Start(context.Background(), MigrationInput{
		ServiceID:      service.ID,
		SourceServerID: source.ID,
		TargetServerID: target.ID,
		Volumes:        []string{"pgdata"},
		Storage:        validStorage(),
	})
	require.NoError(t, err)

	completed := f.waitForMigration(t, migration.ID, domain.MigrationStatusCompleted)
	assert.NotNil(t, completed.CompletedAt)

	// The source deployment was stopped and a new one lives on the target.
	stopped, err := f.deployments.FindByID(sourceDeployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusStopping, stopped.Status)

	onTarget, err := f.deployments.ListByServer(target.ID)
	require.NoError(t, err)
	require.Len(t, onTarget, 1)
	assert.Equal(t, service.ID, onTarget[0].ServiceID)
	assert.Equal(t, "10.100.1.2", onTarget[0].IPAddress, "target deployment draws from the target subnet")

	// A stateful service is repinned to the target server.
	repinned, err := f.services.FindByID(service.ID)
	require.NoError(t, err)
	require.NotNil(t, repinned.LockedServerID)
	assert.Equal(t, target.ID, *repinned.LockedServerID)
}

// A database service carries a logical dump alongside its volumes: captured
// from the live source container before it stops, replayed into the target
// once the new deployment is up.
func TestMigrationCarriesDatabaseDump(t *testing.T) {
	f := newWorkflowFixture(t)
	source := f.addServer(t, "node-1", 1, false)
	target := f.addServer(t, "node-2", 2, false)

	service, err := f.services.Create(&domain.Service{
		ID: uuid.New(), Name: "postgres", Image: "postgres:16",
		Stateful: true, LockedServerID: &source.ID,
	})
	require.NoError(t, err)

	deployment := domain.NewDeployment(service.ID, source.ID, nil, "10.100.0.2")
	deployment.Status = domain.DeploymentStatusHealthy
	sourceDeployment, err := f.deployments.Create(deployment)
	require.NoError(t, err)
	require.NoError(t, f.deployments.SetContainerID(sourceDeployment.ID, "c-pg"))

	var mu sync.Mutex
	var claimed []domain.WorkPayload
	stop := f.pumpAgentsObserved(t, func(payload domain.WorkPayload) {
		mu.Lock()
		claimed = append(claimed, payload)
		mu.Unlock()
	}, source.ID, target.ID)
	defer stop()

	migration, err := f.migrationEngine.Start(context.Background(), MigrationInput{
		ServiceID:      service.ID,
		SourceServerID: source.ID,
		TargetServerID: target.ID,
		Volumes:        []string{"pgdata"},
		Storage:        validStorage(),
	})
	require.NoError(t, err)
	f.waitForMigration(t, migration.ID, domain.MigrationStatusCompleted)

	mu.Lock()
	defer mu.Unlock()

	indexOf := func(match func(domain.WorkPayload) bool) int {
		for i, payload := range claimed {
			if match(payload) {
				return i
			}
		}
		return -1
	}

	dumpBackup := indexOf(func(p domain.WorkPayload) bool {
		b, ok := p.(*domain.BackupVolumePayload)
		return ok && b.BackupType == "database"
	})
	volumeBackup := indexOf(func(p domain.WorkPayload) bool {
		b, ok := p.(*domain.BackupVolumePayload)
		return ok && b.BackupType == "migration" && b.VolumeName == "pgdata"
	})
	stopped := indexOf(func(p domain.WorkPayload) bool {
		_, ok := p.(*domain.StopPayload)
		return ok
	})
	deployed := indexOf(func(p domain.WorkPayload) bool {
		_, ok := p.(*domain.DeployPayload)
		return ok
	})
	dumpRestore := indexOf(func(p domain.WorkPayload) bool {
		r, ok := p.(*domain.RestoreVolumePayload)
		return ok && r.BackupType == "database"
	})

	require.GreaterOrEqual(t, dumpBackup, 0, "expected a database dump backup")
	require.GreaterOrEqual(t, volumeBackup, 0, "expected a volume backup")
	require.GreaterOrEqual(t, stopped, 0)
	require.GreaterOrEqual(t, deployed, 0)
	require.GreaterOrEqual(t, dumpRestore, 0, "expected a database dump restore")

	// The dump reads the live container, so it precedes the stop; the
	// replay needs the target running, so it follows the deploy.
	assert.Less(t, dumpBackup, stopped)
	assert.Less(t, deployed, dumpRestore)

	backup := claimed[dumpBackup].(*domain.BackupVolumePayload)
	restore := claimed[dumpRestore].(*domain.RestoreVolumePayload)
	assert.Equal(t, backup.BackupID, restore.BackupID)
	assert.Equal(t, "c-pg", backup.ContainerID)
	assert.True(t, strings.HasSuffix(backup.StoragePath, "database.dump"))
	assert.Equal(t, backup.StoragePath, restore.StoragePath)
}

// A plain service has no dump legs at all.
func TestMigrationSkipsDumpForNonDatabase(t *testing.T) {
	f := newWorkflowFixture(t)
	source := f.addServer(t, "node-1", 1, false)
	target := f.addServer(t, "node-2", 2, false)
	service := f.addService(t, "api", "registry.internal/api:v3")

	deployment := domain.NewDeployment(service.ID, source.ID, nil, "10.100.0.2")
	deployment.Status = domain.DeploymentStatusHealthy
	_, err := f.deployments.Create(deployment)
	require.NoError(t, err)

	var mu sync.Mutex
	var claimed []domain.WorkPayload
	stop := f.pumpAgentsObserved(t, func(payload domain.WorkPayload) {
		mu.Lock()
		claimed = append(claimed, payload)
		mu.Unlock()
	}, source.ID, target.ID)
	defer stop()

	migration, err := f.migrationEngine.Start(context.Background(), MigrationInput{
		ServiceID:      service.ID,
		SourceServerID: source.ID,
		TargetServerID: target.ID,
		Volumes:        []string{"data"},
		Storage:        validStorage(),
	})
	require.NoError(t, err)
	f.waitForMigration(t, migration.ID, domain.MigrationStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	for _, payload := range claimed {
		if b, ok := payload.(*domain.BackupVolumePayload); ok {
			assert.NotEqual(t, "database", b.BackupType)
		}
		if r, ok := payload.(*domain.RestoreVolumePayload); ok {
			assert.NotEqual(t, "database", r.BackupType)
		}
	}
}

func TestMigrationCancel(t *testing.T) {
	f := newWorkflowFixture(t)
	source := f.addServer(t, "node-1", 1, false)
	target := f.addServer(t, "node-2", 2, false)
	service := f.addService(t, "postgres", "postgres:16")

	deployment := domain.NewDeployment(service.ID, source.ID, nil, "10.100.0.2")
	deployment.Status = domain.DeploymentStatusHealthy
	_, err := f.deployments.Create(deployment)
	require.NoError(t, err)

	// No agent pump: the workflow parks at its first suspension point. The
	// cancel subscription outlives Start, so one publish is enough even if
	// the saga has not reached a wait yet.
	migration, err := f.migrationEngine.Start(context.Background(), MigrationInput{
		ServiceID:      service.ID,
		SourceServerID: source.ID,
		TargetServerID: target.ID,
		Volumes:        []string{"pgdata"},
		Storage:        validStorage(),
	})
	require.NoError(t, err)
	require.NoError(t, f.migrationEngine.Cancel(migration.ID))

	f.waitForMigration(t, migration.ID, domain.MigrationStatusCancelled)
}

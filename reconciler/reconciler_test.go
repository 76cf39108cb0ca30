package reconciler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/events"
	"github.com/techulus/cloud-control/repository"
	"gorm.io/gorm/logger"
)

type fixture struct {
	bus         *events.Bus
	servers     repository.ServerRepository
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	rollouts    repository.RolloutRepository
	reconciler  *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrateAll(database))

	f := &fixture{
		bus:         events.NewBus(),
		servers:     repository.NewServerRepository(database),
		services:    repository.NewServiceRepository(database),
		deployments: repository.NewDeploymentRepository(database),
		rollouts:    repository.NewRolloutRepository(database),
	}
	f.reconciler = New(f.servers, f.deployments, f.services, f.rollouts, f.bus)
	return f
}

func (f *fixture) seedServer(t *testing.T) *domain.Server {
	t.Helper()
	server, err := f.servers.Create(&domain.Server{
		ID: uuid.New(), Name: "node-" + uuid.NewString()[:8],
		Status: domain.ServerStatusOnline, SubnetID: 1,
	})
	require.NoError(t, err)
	return server
}

func (f *fixture) seedService(t *testing.T, hasHealthCheck bool) *domain.Service {
	t.Helper()
	service, err := f.services.Create(&domain.Service{
		ID: uuid.New(), Name: "api-" + uuid.NewString()[:8],
		Image: "img:latest", HasHealthCheck: hasHealthCheck,
	})
	require.NoError(t, err)
	return service
}

func (f *fixture) seedDeployment(t *testing.T, server *domain.Server, service *domain.Service, status domain.DeploymentStatus) *domain.Deployment {
	t.Helper()
	deployment := domain.NewDeployment(service.ID, server.ID, nil, "10.100.0.2")
	deployment.Status = status
	created, err := f.deployments.Create(deployment)
	require.NoError(t, err)
	return created
}

func report(containers ...domain.ContainerStatus) *domain.StatusReport {
	return &domain.StatusReport{Containers: containers}
}

func TestHealthCheckedLifecycle(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)
	service := f.seedService(t, true)
	deployment := f.seedDeployment(t, server, service, domain.DeploymentStatusPending)

	healthyCh, cancel := f.bus.Subscribe(events.KindDeploymentHealthy, deployment.ID)
	defer cancel()

	// Container comes up with the probe still warming: starting, no event.
	require.NoError(t, f.reconciler.Apply(server.ID, report(domain.ContainerStatus{
		DeploymentID: deployment.ID.String(), ContainerID: "c-1",
		Status: "running", HealthStatus: "starting",
	})))
	current, err := f.deployments.FindByID(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusStarting, current.Status)
	require.NotNil(t, current.ContainerID)
	assert.Equal(t, "c-1", *current.ContainerID)

	// Probe passes: healthy, one event.
	require.NoError(t, f.reconciler.Apply(server.ID, report(domain.ContainerStatus{
		DeploymentID: deployment.ID.String(), ContainerID: "c-1",
		Status: "running", HealthStatus: "healthy",
	})))
	current, err = f.deployments.FindByID(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusHealthy, current.Status)
	assert.Equal(t, "healthy", current.HealthStatus)

	select {
	case <-healthyCh:
	default:
		t.Fatal("expected a healthy event")
	}

	// Replay of the same report is a no-op and fires no second event.
	require.NoError(t, f.reconciler.Apply(server.ID, report(domain.ContainerStatus{
		DeploymentID: deployment.ID.String(), ContainerID: "c-1",
		Status: "running", HealthStatus: "healthy",
	})))
	select {
	case <-healthyCh:
		t.Fatal("replayed report must not publish another event")
	default:
	}
}

func TestNoHealthCheckGoesStraightToHealthy(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)
	service := f.seedService(t, false)
	deployment := f.seedDeployment(t, server, service, domain.DeploymentStatusPending)

	require.NoError(t, f.reconciler.Apply(server.ID, report(domain.ContainerStatus{
		DeploymentID: deployment.ID.String(), ContainerID: "c-1", Status: "running",
	})))

	current, err := f.deployments.FindByID(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusHealthy, current.Status)
}

func TestFailingProbeFailsDeployment(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)
	service := f.seedService(t, true)
	deployment := f.seedDeployment(t, server, service, domain.DeploymentStatusStarting)

	failedCh, cancel := f.bus.Subscribe(events.KindDeploymentFailed, deployment.ID)
	defer cancel()

	require.NoError(t, f.reconciler.Apply(server.ID, report(domain.ContainerStatus{
		DeploymentID: deployment.ID.String(), ContainerID: "c-1",
		Status: "running", HealthStatus: "unhealthy",
	})))

	current, err := f.deployments.FindByID(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusFailed, current.Status)
	assert.Equal(t, "health_check", current.FailedStage)

	select {
	case <-failedCh:
	default:
		t.Fatal("expected a failed event")
	}
}

func TestOmittedDeploymentDegradesAndRecovers(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)
	service := f.seedService(t, false)
	deployment := f.seedDeployment(t, server, service, domain.DeploymentStatusHealthy)
	require.NoError(t, f.deployments.SetContainerID(deployment.ID, "c-1"))

	// Empty report: the healthy deployment vanished.
	require.NoError(t, f.reconciler.Apply(server.ID, report()))
	current, err := f.deployments.FindByID(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusUnknown, current.Status)

	// Container reappears running: recovery lands on running, not healthy.
	require.NoError(t, f.reconciler.Apply(server.ID, report(domain.ContainerStatus{
		DeploymentID: deployment.ID.String(), ContainerID: "c-1", Status: "running",
	})))
	current, err = f.deployments.FindByID(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusRunning, current.Status)
}

func TestStoppingDeploymentIsDeletedWhenGone(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)
	service := f.seedService(t, false)
	deployment := f.seedDeployment(t, server, service, domain.DeploymentStatusStopping)

	stoppedCh, cancel := f.bus.Subscribe(events.KindDeploymentStopped, deployment.ID)
	defer cancel()

	require.NoError(t, f.reconciler.Apply(server.ID, report()))

	_, err := f.deployments.FindByID(deployment.ID)
	assert.Error(t, err, "deployment row should be gone")

	select {
	case <-stoppedCh:
	default:
		t.Fatal("expected a stopped event")
	}
}

func TestAdoptionByContainerID(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)
	service := f.seedService(t, false)
	deployment := f.seedDeployment(t, server, service, domain.DeploymentStatusPending)

	// Agent report carries only the container, not the deployment it serves.
	require.NoError(t, f.reconciler.Apply(server.ID, report(domain.ContainerStatus{
		ContainerID: "c-fresh", Status: "running",
	})))

	current, err := f.deployments.FindByID(deployment.ID)
	require.NoError(t, err)
	require.NotNil(t, current.ContainerID)
	assert.Equal(t, "c-fresh", *current.ContainerID)
	assert.Equal(t, domain.DeploymentStatusHealthy, current.Status)
}

func TestRecreatedContainerUpdatesStoredID(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)
	service := f.seedService(t, false)
	deployment := f.seedDeployment(t, server, service, domain.DeploymentStatusHealthy)
	require.NoError(t, f.deployments.SetContainerID(deployment.ID, "c-old"))

	// The agent recreated the container; the report still names the
	// deployment, but under a new container ID.
	require.NoError(t, f.reconciler.Apply(server.ID, report(domain.ContainerStatus{
		DeploymentID: deployment.ID.String(), ContainerID: "c-new", Status: "running",
	})))

	current, err := f.deployments.FindByID(deployment.ID)
	require.NoError(t, err)
	require.NotNil(t, current.ContainerID)
	assert.Equal(t, "c-new", *current.ContainerID)
	assert.Equal(t, domain.DeploymentStatusHealthy, current.Status)
}

func TestHeartbeatUpdatesServer(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)

	require.NoError(t, f.reconciler.Apply(server.ID, &domain.StatusReport{
		PublicIP: "203.0.113.9",
		Meta:     map[string]string{"arch": "arm64"},
	}))

	current, err := f.servers.FindByID(server.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusOnline, current.Status)
	assert.Equal(t, "203.0.113.9", current.PublicIP)
	assert.Equal(t, "arm64", current.Arch())
	assert.NotNil(t, current.LastHeartbeat)
}

func TestDNSInSyncWakesParkedRollouts(t *testing.T) {
	f := newFixture(t)
	server := f.seedServer(t)
	service := f.seedService(t, false)

	rollout, err := f.rollouts.Create(domain.NewRollout(service.ID))
	require.NoError(t, err)
	require.NoError(t, f.rollouts.SetStage(rollout.ID, domain.RolloutStageDNSSync))

	syncedCh, cancel := f.bus.Subscribe(events.KindDNSSynced, rollout.ID)
	defer cancel()

	require.NoError(t, f.reconciler.Apply(server.ID, &domain.StatusReport{DNSInSync: true}))

	select {
	case <-syncedCh:
	default:
		t.Fatal("expected a dns synced event")
	}
}

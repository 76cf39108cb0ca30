package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techulus/cloud-control/domain"
)

func TestDeploymentTransitionIsConditional(t *testing.T) {
	database := newTestDB(t)
	repo := NewDeploymentRepository(database)
	server := seedServer(t, database, "node-1", 1)
	service := seedService(t, database, "api")

	deployment, err := repo.Create(domain.NewDeployment(service.ID, server.ID, nil, "10.100.0.2"))
	require.NoError(t, err)

	moved, err := repo.TransitionStatus(
		deployment.ID, domain.DeploymentStatusPending, domain.DeploymentStatusStarting, nil)
	require.NoError(t, err)
	assert.True(t, moved)

	// Re-applying the same transition is a no-op, not an error.
	moved, err = repo.TransitionStatus(
		deployment.ID, domain.DeploymentStatusPending, domain.DeploymentStatusStarting, nil)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = repo.TransitionStatus(
		deployment.ID, domain.DeploymentStatusStarting, domain.DeploymentStatusHealthy,
		map[string]any{"health_status": "healthy"})
	require.NoError(t, err)
	assert.True(t, moved)

	current, err := repo.FindByID(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusHealthy, current.Status)
	assert.Equal(t, "healthy", current.HealthStatus)
}

func TestAdoptContainerClaimsOldestWaitingDeployment(t *testing.T) {
	database := newTestDB(t)
	repo := NewDeploymentRepository(database)
	server := seedServer(t, database, "node-1", 1)
	service := seedService(t, database, "api")

	first, err := repo.Create(domain.NewDeployment(service.ID, server.ID, nil, "10.100.0.2"))
	require.NoError(t, err)
	_, err = repo.Create(domain.NewDeployment(service.ID, server.ID, nil, "10.100.0.3"))
	require.NoError(t, err)

	adopted, err := repo.AdoptContainer(server.ID, "c-123")
	require.NoError(t, err)
	assert.Equal(t, first.ID, adopted.ID)
	require.NotNil(t, adopted.ContainerID)
	assert.Equal(t, "c-123", *adopted.ContainerID)

	// The adopted deployment no longer matches for a different container.
	second, err := repo.AdoptContainer(server.ID, "c-456")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestUsedIPAddressesScopedToSubnet(t *testing.T) {
	database := newTestDB(t)
	repo := NewDeploymentRepository(database)
	serverA := seedServer(t, database, "node-1", 1)
	serverB := seedServer(t, database, "node-2", 2)
	service := seedService(t, database, "api")

	_, err := repo.Create(domain.NewDeployment(service.ID, serverA.ID, nil, "10.100.0.2"))
	require.NoError(t, err)
	_, err = repo.Create(domain.NewDeployment(service.ID, serverB.ID, nil, "10.100.1.2"))
	require.NoError(t, err)

	ips, err := repo.UsedIPAddresses(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.100.0.2"}, ips)
}

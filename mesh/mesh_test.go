package mesh

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/events"
	"github.com/techulus/cloud-control/repository"
	"github.com/techulus/cloud-control/workqueue"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type meshFixture struct {
	db          *gorm.DB
	servers     repository.ServerRepository
	deployments repository.DeploymentRepository
	queue       *workqueue.Service
	manager     *Manager
}

func newMeshFixture(t *testing.T) *meshFixture {
	t.Helper()
	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrateAll(database))

	servers := repository.NewServerRepository(database)
	deployments := repository.NewDeploymentRepository(database)
	queue := workqueue.NewService(
		repository.NewWorkQueueRepository(database), deployments, events.NewBus(), time.Minute, 3)

	return &meshFixture{
		db:          database,
		servers:     servers,
		deployments: deployments,
		queue:       queue,
		manager:     NewManager(servers, deployments, queue, 51820),
	}
}

func (f *meshFixture) addServer(t *testing.T, name string, subnetID int, publicIP string, isProxy bool) *domain.Server {
	t.Helper()
	server, err := f.servers.Create(&domain.Server{
		ID:                 uuid.New(),
		Name:               name,
		Status:             domain.ServerStatusOnline,
		SubnetID:           subnetID,
		WireGuardIP:        ServerAddress(subnetID),
		WireGuardPublicKey: "wg-key-" + name,
		PublicIP:           publicIP,
		IsProxy:            isProxy,
	})
	require.NoError(t, err)
	return server
}

func seedService(t *testing.T, database *gorm.DB, name string) *domain.Service {
	t.Helper()
	service, err := repository.NewServiceRepository(database).Create(&domain.Service{
		ID:    uuid.New(),
		Name:  name,
		Image: "registry.internal/" + name + ":latest",
	})
	require.NoError(t, err)
	return service
}

func TestSubnetAddressing(t *testing.T) {
	assert.Equal(t, "10.100.0.0/24", SubnetCIDR(1))
	assert.Equal(t, "10.100.0.1", ServerAddress(1))
	assert.Equal(t, "10.100.41.0/24", SubnetCIDR(42))
	assert.Equal(t, "10.100.254.1", ServerAddress(255))
}

func TestAllocateSubnetPicksLowestFree(t *testing.T) {
	f := newMeshFixture(t)

	// First server in an empty fleet gets subnet 1, address 10.100.0.1.
	id, err := f.manager.AllocateSubnet()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.Equal(t, "10.100.0.1", ServerAddress(id))

	f.addServer(t, "node-1", 1, "", false)
	f.addServer(t, "node-3", 3, "", false)

	// Gap left by subnet 2 is reused before extending past 3.
	id, err = f.manager.AllocateSubnet()
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestAllocateDeploymentIPSkipsUsedHosts(t *testing.T) {
	f := newMeshFixture(t)
	server := f.addServer(t, "node-1", 1, "", false)
	service := seedService(t, f.db, "api")

	ip, err := f.manager.AllocateDeploymentIP(server)
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.2", ip)

	_, err = f.deployments.Create(domain.NewDeployment(service.ID, server.ID, nil, ip))
	require.NoError(t, err)

	ip, err = f.manager.AllocateDeploymentIP(server)
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.3", ip)
}

func TestPeersForDistinguishesProxies(t *testing.T) {
	f := newMeshFixture(t)
	node := f.addServer(t, "node-1", 1, "203.0.113.1", false)
	proxy := f.addServer(t, "proxy-1", 2, "203.0.113.2", true)
	private := f.addServer(t, "node-2", 3, "", false)

	peers, err := f.manager.PeersFor(node)
	require.NoError(t, err)
	require.Len(t, peers, 2)

	// Proxy peers route their whole subnet; plain servers only themselves.
	assert.Equal(t, proxy.WireGuardPublicKey, peers[0].PublicKey)
	assert.Equal(t, "10.100.1.0/24", peers[0].AllowedIPs)
	require.NotNil(t, peers[0].Endpoint)
	assert.Equal(t, "203.0.113.2:51820", *peers[0].Endpoint)

	assert.Equal(t, private.WireGuardPublicKey, peers[1].PublicKey)
	assert.Equal(t, "10.100.2.1/32", peers[1].AllowedIPs)
	assert.Nil(t, peers[1].Endpoint, "server without a public IP has no endpoint")
}

func TestPeersForOmitsServersWithoutKeys(t *testing.T) {
	f := newMeshFixture(t)
	node := f.addServer(t, "node-1", 1, "203.0.113.1", false)
	keyed := f.addServer(t, "node-2", 2, "203.0.113.2", false)

	// A server mid-enrollment has a row but no mesh identity yet.
	unkeyed, err := f.servers.Create(&domain.Server{
		ID:       uuid.New(),
		Name:     "node-3",
		Status:   domain.ServerStatusOnline,
		SubnetID: 3,
	})
	require.NoError(t, err)

	peers, err := f.manager.PeersFor(node)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, keyed.WireGuardPublicKey, peers[0].PublicKey)
	for _, peer := range peers {
		assert.NotEqual(t, unkeyed.ID.String(), peer.PublicKey)
		assert.NotEmpty(t, peer.PublicKey)
	}
}

func TestPropagateTopologySkipsNewServer(t *testing.T) {
	f := newMeshFixture(t)
	existing := f.addServer(t, "node-1", 1, "203.0.113.1", false)
	joined := f.addServer(t, "node-2", 2, "203.0.113.2", false)

	require.NoError(t, f.manager.PropagateTopology(joined.ID))

	items, err := f.queue.ClaimPending(existing.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.WorkTypeUpdateWireGuard, items[0].Type)

	items, err = f.queue.ClaimPending(joined.ID)
	require.NoError(t, err)
	assert.Empty(t, items, "freshly registered server gets peers in the register response")
}

func TestValidatePublicKey(t *testing.T) {
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	assert.NoError(t, ValidatePublicKey(key.PublicKey().String()))
	assert.ErrorIs(t, ValidatePublicKey("not-a-key"), ErrInvalidPublicKey)
	assert.ErrorIs(t, ValidatePublicKey(""), ErrInvalidPublicKey)
}

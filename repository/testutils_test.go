package repository

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)

	// One connection keeps the in-memory database shared across
	// goroutines in concurrency tests.
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrateAll(database))
	return database
}

func seedServer(t *testing.T, database *gorm.DB, name string, subnetID int) *domain.Server {
	t.Helper()

	repo := NewServerRepository(database)
	server, err := repo.Create(&domain.Server{
		ID:                 uuid.New(),
		Name:               name,
		Status:             domain.ServerStatusOnline,
		WireGuardIP:        "10.100.0.1",
		SubnetID:           subnetID,
		WireGuardPublicKey: "test-wg-key-" + name,
		SigningPublicKey:   "test-signing-key",
	})
	require.NoError(t, err)
	return server
}

func seedService(t *testing.T, database *gorm.DB, name string) *domain.Service {
	t.Helper()

	repo := NewServiceRepository(database)
	service, err := repo.Create(&domain.Service{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Name:      name,
	})
	require.NoError(t, err)
	return service
}

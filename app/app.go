// Package app wires the control plane together: database, repositories,
// services, and the HTTP surface.
package app

import (
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/techulus/cloud-control/auth"
	"github.com/techulus/cloud-control/builds"
	"github.com/techulus/cloud-control/config"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/encryption"
	"github.com/techulus/cloud-control/events"
	"github.com/techulus/cloud-control/mesh"
	"github.com/techulus/cloud-control/reconciler"
	"github.com/techulus/cloud-control/registry"
	"github.com/techulus/cloud-control/repository"
	"github.com/techulus/cloud-control/state"
	"github.com/techulus/cloud-control/web"
	"github.com/techulus/cloud-control/workflows"
	"github.com/techulus/cloud-control/workqueue"
	"gorm.io/gorm"
)

// Version is set at build time via -ldflags
var Version = "dev"

// App holds every constructed component. Handlers and services are wired
// once at startup; nothing is global.
type App struct {
	Config   *config.Config
	Database *gorm.DB

	Servers      repository.ServerRepository
	Tokens       *auth.TokenService
	Services     repository.ServiceRepository
	Deployments  repository.DeploymentRepository
	Builds       *builds.Scheduler
	Queue        *workqueue.Service
	Registry     *registry.Service
	Reconciler   *reconciler.Reconciler
	Mesh         *mesh.Manager
	State        *state.Builder
	Rollouts     *workflows.RolloutEngine
	Migrations   *workflows.MigrationEngine
	Bus          *events.Bus
	Verifier     *auth.Verifier
	OperatorAuth *auth.OperatorAuth

	Agent    *web.AgentHandler
	Operator *web.OperatorHandler
}

// New builds the application from configuration: opens the database, runs
// migrations, and constructs every service with its dependencies.
func New(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	database, err := db.InitDatabase(db.DBConfig{Path: cfg.DatabasePath, LogLevel: db.GormLogLevel()})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrateAll(database); err != nil {
		return nil, err
	}

	encryptionSvc, err := encryption.NewEncryptionService(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	serverRepo := repository.NewServerRepository(database)
	tokenRepo := repository.NewTokenRepository(database)
	serviceRepo := repository.NewServiceRepository(database)
	deploymentRepo := repository.NewDeploymentRepository(database)
	buildRepo := repository.NewBuildRepository(database)
	workRepo := repository.NewWorkQueueRepository(database)
	rolloutRepo := repository.NewRolloutRepository(database)
	migrationRepo := repository.NewMigrationRepository(database)
	certificateRepo := repository.NewCertificateRepository(database)
	secretRepo := repository.NewSecretRepository(database, encryptionSvc)

	bus := events.NewBus()
	tokenSvc := auth.NewTokenService(tokenRepo, cfg.TokenTTL)
	queue := workqueue.NewService(workRepo, deploymentRepo, bus, cfg.WorkItemTimeout, cfg.WorkItemAttempts)
	meshMgr := mesh.NewManager(serverRepo, deploymentRepo, queue, cfg.WireGuardListen)
	registrySvc := registry.NewService(serverRepo, tokenSvc, meshMgr)
	rec := reconciler.New(serverRepo, deploymentRepo, serviceRepo, rolloutRepo, bus)
	scheduler := builds.NewScheduler(buildRepo, serviceRepo, serverRepo, secretRepo, queue, cfg, nil)
	stateBuilder := state.NewBuilder(deploymentRepo, serviceRepo, certificateRepo, meshMgr)
	rollouts := workflows.NewRolloutEngine(
		rolloutRepo, deploymentRepo, serviceRepo, serverRepo, certificateRepo, meshMgr, queue, bus, cfg)
	migrations := workflows.NewMigrationEngine(
		migrationRepo, deploymentRepo, serviceRepo, serverRepo, meshMgr, queue, bus, cfg)

	verifier := auth.NewVerifier(serverRepo, cfg.ReplayWindow)
	operatorAuth := auth.NewOperatorAuth(cfg.OperatorSecret)

	return &App{
		Config:       cfg,
		Database:     database,
		Servers:      serverRepo,
		Tokens:       tokenSvc,
		Services:     serviceRepo,
		Deployments:  deploymentRepo,
		Builds:       scheduler,
		Queue:        queue,
		Registry:     registrySvc,
		Reconciler:   rec,
		Mesh:         meshMgr,
		State:        stateBuilder,
		Rollouts:     rollouts,
		Migrations:   migrations,
		Bus:          bus,
		Verifier:     verifier,
		OperatorAuth: operatorAuth,
		Agent:        web.NewAgentHandler(registrySvc, rec, queue, scheduler, stateBuilder, cfg),
		Operator:     web.NewOperatorHandler(tokenSvc, serverRepo, scheduler, rollouts, migrations),
	}, nil
}

// Router returns the HTTP handler for the whole API.
func (a *App) Router() *chi.Mux {
	return web.NewRouter(a.Agent, a.Operator, a.Verifier, a.OperatorAuth)
}

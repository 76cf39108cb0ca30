// Package db provides database models and utilities for the control plane.
package db

import (
	"time"

	"github.com/google/uuid"
)

type BaseModel struct {
	ID        uuid.UUID `gorm:"type:char(36);primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ServerModel struct {
	BaseModel
	Name               string  `gorm:"not null;unique;check:name <> ''"`
	Status             string  `gorm:"not null;check:status <> ''"` // online, offline, unknown
	WireGuardIP        string  `gorm:"column:wireguard_ip"`
	PublicIP           string  `gorm:"column:public_ip"`
	PrivateIP          string  `gorm:"column:private_ip"`
	SubnetID           int     `gorm:"not null;index"`
	WireGuardPublicKey string  `gorm:"column:wireguard_public_key;not null"`
	SigningPublicKey   string  `gorm:"not null"`  // base64 Ed25519
	Resources          *string `gorm:"type:text"` // JSON blob
	Meta               *string `gorm:"type:text"` // JSON blob
	IsProxy            bool    `gorm:"not null"`
	LastHeartbeat      *time.Time

	Deployments []DeploymentModel    `gorm:"foreignKey:ServerID"`
	WorkItems   []WorkQueueItemModel `gorm:"foreignKey:ServerID"`
}

func (ServerModel) TableName() string {
	return "servers"
}

type BootstrapTokenModel struct {
	BaseModel
	Token      string `gorm:"not null;unique;check:token <> ''"`
	ServerName string
	UsedAt     *time.Time
}

func (BootstrapTokenModel) TableName() string {
	return "bootstrap_tokens"
}

type ServiceModel struct {
	BaseModel
	ProjectID        uuid.UUID `gorm:"not null;index"`
	Name             string    `gorm:"not null;check:name <> ''"`
	Image            string
	Stateful         bool       `gorm:"not null"`
	LockedServerID   *uuid.UUID `gorm:"type:char(36)"`
	ReplicaServerIDs string     // server IDs separated by null character (\0)
	HasHealthCheck   bool       `gorm:"not null"`
	GitURL           string
	GitBranch        string
	RootDir          string
	BuildTimeoutMins int

	Ports       []ServicePortModel `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE"`
	Deployments []DeploymentModel  `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE"`
	Builds      []BuildModel       `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE"`
}

func (ServiceModel) TableName() string {
	return "services"
}

type ServicePortModel struct {
	BaseModel
	ServiceID      uuid.UUID `gorm:"not null;index"`
	Port           int       `gorm:"not null"`
	Protocol       string    `gorm:"not null;check:protocol <> ''"` // http, tcp, udp
	Public         bool      `gorm:"not null"`
	Domain         string
	ExternalPort   int
	TLSPassthrough bool `gorm:"not null"`
}

func (ServicePortModel) TableName() string {
	return "service_ports"
}

type DeploymentModel struct {
	BaseModel
	ServiceID    uuid.UUID  `gorm:"not null;index"`
	ServerID     uuid.UUID  `gorm:"not null;index"`
	RolloutID    *uuid.UUID `gorm:"type:char(36);index"`
	ContainerID  *string    `gorm:"index"`
	IPAddress    string     `gorm:"column:ip_address"`
	Status       string     `gorm:"not null;check:status <> ''"`
	HealthStatus string
	FailedStage  string

	Service ServiceModel `gorm:"foreignKey:ServiceID"`
	Server  ServerModel  `gorm:"foreignKey:ServerID"`
}

func (DeploymentModel) TableName() string {
	return "deployments"
}

type BuildModel struct {
	BaseModel
	ServiceID          uuid.UUID  `gorm:"not null;index"`
	CommitSHA          string     `gorm:"column:commit_sha;not null"`
	Branch             string     `gorm:"not null"`
	TargetPlatform     string     `gorm:"not null;check:target_platform <> ''"`
	BuildGroupID       *uuid.UUID `gorm:"type:char(36);index"`
	Status             string     `gorm:"not null;index;check:status <> ''"`
	ClaimedBy          *uuid.UUID `gorm:"type:char(36)"`
	ImageURI           string     `gorm:"column:image_uri"`
	GithubDeploymentID string
	Error              string `gorm:"type:text"`
	CompletedAt        *time.Time

	Service ServiceModel `gorm:"foreignKey:ServiceID"`
}

func (BuildModel) TableName() string {
	return "builds"
}

type WorkQueueItemModel struct {
	BaseModel
	ServerID  uuid.UUID  `gorm:"not null;index:idx_work_server_status"`
	Type      string     `gorm:"not null;check:type <> ''"`
	Payload   string     `gorm:"type:text;not null"`
	Status    string     `gorm:"not null;index:idx_work_server_status;check:status <> ''"`
	Attempts  int        `gorm:"not null"`
	Error     string     `gorm:"type:text"`
	ClaimID   *uuid.UUID `gorm:"type:char(36);index"`
	StartedAt *time.Time
}

func (WorkQueueItemModel) TableName() string {
	return "work_queue_items"
}

type RolloutModel struct {
	BaseModel
	ServiceID    uuid.UUID `gorm:"not null;index"`
	Status       string    `gorm:"not null;check:status <> ''"`
	CurrentStage string    `gorm:"not null;check:current_stage <> ''"`
	Error        string    `gorm:"type:text"`
	CompletedAt  *time.Time

	Service     ServiceModel      `gorm:"foreignKey:ServiceID"`
	Deployments []DeploymentModel `gorm:"foreignKey:RolloutID"`
}

func (RolloutModel) TableName() string {
	return "rollouts"
}

type MigrationJobModel struct {
	BaseModel
	ServiceID      uuid.UUID `gorm:"not null;index"`
	SourceServerID uuid.UUID `gorm:"not null"`
	TargetServerID uuid.UUID `gorm:"not null"`
	Status         string    `gorm:"not null;check:status <> ''"`
	Error          string    `gorm:"type:text"`
	CompletedAt    *time.Time
}

func (MigrationJobModel) TableName() string {
	return "migration_jobs"
}

type CertificateModel struct {
	BaseModel
	Domain         string `gorm:"not null;unique;check:domain <> ''"`
	Certificate    string `gorm:"type:text;not null"`
	CertificateKey string `gorm:"type:text;not null"`
}

func (CertificateModel) TableName() string {
	return "certificates"
}

type BuildSecretModel struct {
	BaseModel
	ServiceID uuid.UUID `gorm:"not null;index"`
	Key       string    `gorm:"not null;check:key <> ''"`
	Value     string    `gorm:"type:text;not null"` // encrypted with the fernet key
}

func (BuildSecretModel) TableName() string {
	return "build_secrets"
}

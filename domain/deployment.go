package domain

import (
	"time"

	"github.com/google/uuid"
)

// Deployment is one running (or attempted) instance of a service on one
// server. Its status is mutated by the health reconciler and by explicit
// stop/delete actions only.
type Deployment struct {
	ID           uuid.UUID
	ServiceID    uuid.UUID
	ServerID     uuid.UUID
	RolloutID    *uuid.UUID
	ContainerID  *string // nil until the agent reports the container it started
	IPAddress    string
	Status       DeploymentStatus
	HealthStatus string
	FailedStage  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewDeployment(serviceID, serverID uuid.UUID, rolloutID *uuid.UUID, ipAddress string) *Deployment {
	return &Deployment{
		ID:        uuid.New(),
		ServiceID: serviceID,
		ServerID:  serverID,
		RolloutID: rolloutID,
		IPAddress: ipAddress,
		Status:    DeploymentStatusPending,
	}
}

// ContainerStatus is one observed container in an agent's status report.
type ContainerStatus struct {
	DeploymentID string `json:"deploymentId"`
	ContainerID  string `json:"containerId"`
	Status       string `json:"status"`
	HealthStatus string `json:"healthStatus"`
}

// StatusReport is the body of an agent heartbeat.
type StatusReport struct {
	Resources  *Resources        `json:"resources,omitempty"`
	PublicIP   string            `json:"publicIp,omitempty"`
	PrivateIP  string            `json:"privateIp,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Containers []ContainerStatus `json:"containers"`
	DNSInSync  bool              `json:"dnsInSync,omitempty"`
}

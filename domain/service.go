package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PortProtocol is the exposure protocol of a service port.
type PortProtocol string

const (
	PortProtocolHTTP PortProtocol = "http"
	PortProtocolTCP  PortProtocol = "tcp"
	PortProtocolUDP  PortProtocol = "udp"
)

// ServicePort declares how one service port is exposed. HTTP ports are
// public through a domain; TCP/UDP ports through an external port on the
// proxy, optionally with TLS passthrough. Non-public ports stay on the
// mesh.
type ServicePort struct {
	ID             uuid.UUID
	ServiceID      uuid.UUID
	Port           int
	Protocol       PortProtocol
	Public         bool
	Domain         string
	ExternalPort   int
	TLSPassthrough bool
}

// Service is one deployable unit. Placement is either explicit (replica
// server list, or a locked server for stateful services) or auto-place
// across all eligible online servers.
type Service struct {
	ID               uuid.UUID
	ProjectID        uuid.UUID
	Name             string
	Image            string
	Stateful         bool
	LockedServerID   *uuid.UUID
	ReplicaServerIDs []uuid.UUID
	HasHealthCheck   bool
	GitURL           string
	GitBranch        string
	RootDir          string
	BuildTimeoutMins int
	Ports            []ServicePort
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DatabaseType classifies the service image as a known database engine.
// Agents use the engine name to pick the dump and restore tooling; an empty
// result means the service carries no database dump during migrations.
func (s *Service) DatabaseType() string {
	image := strings.ToLower(s.Image)
	switch {
	case strings.Contains(image, "postgres"):
		return "postgres"
	case strings.Contains(image, "mysql"):
		return "mysql"
	case strings.Contains(image, "mariadb"):
		return "mariadb"
	case strings.Contains(image, "mongo"):
		return "mongodb"
	case strings.Contains(image, "redis"):
		return "redis"
	default:
		return ""
	}
}

// Certificate is a TLS certificate pushed to proxy agents for a domain.
type Certificate struct {
	ID             uuid.UUID
	Domain         string
	Certificate    string
	CertificateKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

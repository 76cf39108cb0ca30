package domain

import (
	"time"

	"github.com/google/uuid"
)

// Resources holds the hardware resources an agent declared for its server.
type Resources struct {
	CPUCores int `json:"cpuCores"`
	MemoryMB int `json:"memoryMb"`
	DiskGB   int `json:"diskGb"`
}

// Server is one fleet host running an agent. Servers are never hard-deleted;
// liveness is soft state driven by heartbeats.
type Server struct {
	ID                 uuid.UUID
	Name               string
	Status             ServerStatus
	WireGuardIP        string
	PublicIP           string
	PrivateIP          string
	SubnetID           int
	WireGuardPublicKey string
	SigningPublicKey   string // base64-encoded Ed25519 public key
	Resources          *Resources
	Meta               map[string]string
	IsProxy            bool
	LastHeartbeat      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Arch returns the CPU architecture the agent reported, or empty if the
// server has never sent a full status report.
func (s *Server) Arch() string {
	if s.Meta == nil {
		return ""
	}
	return s.Meta["arch"]
}

// BootstrapToken is a single-use registration token with a 24-hour TTL.
type BootstrapToken struct {
	ID         uuid.UUID
	Token      string
	ServerName string
	UsedAt     *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

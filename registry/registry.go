// Package registry handles agent enrollment: bootstrap token redemption,
// mesh address assignment, and topology fan-out.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/auth"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/mesh"
	"github.com/techulus/cloud-control/repository"
)

type RegisterInput struct {
	Token              string
	WireGuardPublicKey string
	SigningPublicKey   string
	PublicIP           string
	PrivateIP          string
	IsProxy            bool
}

type RegisterResult struct {
	Server *domain.Server
	Peers  []domain.WireGuardPeer
}

type Service struct {
	servers repository.ServerRepository
	tokens  *auth.TokenService
	mesh    *mesh.Manager

	// registerMu serializes registrations so subnet allocation never races.
	registerMu sync.Mutex
}

func NewService(servers repository.ServerRepository, tokens *auth.TokenService, meshMgr *mesh.Manager) *Service {
	return &Service{servers: servers, tokens: tokens, mesh: meshMgr}
}

// Register enrolls a new server. The bootstrap token is consumed even if a
// later step fails: a token that reached the control plane is spent.
func (s *Service) Register(input RegisterInput) (*RegisterResult, error) {
	if err := mesh.ValidatePublicKey(input.WireGuardPublicKey); err != nil {
		return nil, err
	}

	token, err := s.tokens.Redeem(input.Token)
	if err != nil {
		return nil, err
	}

	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	subnetID, err := s.mesh.AllocateSubnet()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	server := &domain.Server{
		ID:                 uuid.New(),
		Name:               token.ServerName,
		Status:             domain.ServerStatusOnline,
		WireGuardIP:        mesh.ServerAddress(subnetID),
		PublicIP:           input.PublicIP,
		PrivateIP:          input.PrivateIP,
		SubnetID:           subnetID,
		WireGuardPublicKey: input.WireGuardPublicKey,
		SigningPublicKey:   input.SigningPublicKey,
		IsProxy:            input.IsProxy,
		LastHeartbeat:      &now,
	}

	created, err := s.servers.Create(server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	peers, err := s.mesh.PeersFor(created)
	if err != nil {
		return nil, err
	}

	// The new server gets its peers in the response; everyone else learns
	// about it through the work queue.
	if err := s.mesh.PropagateTopology(created.ID); err != nil {
		slog.Error("Failed to propagate topology after registration",
			"layer", "registry", "server_id", created.ID, "error", err)
	}

	slog.Info("Registered server",
		"layer", "registry",
		"server_id", created.ID,
		"name", created.Name,
		"wireguard_ip", created.WireGuardIP,
		"subnet_id", created.SubnetID)

	return &RegisterResult{Server: created, Peers: peers}, nil
}

// MarkStaleOffline flips servers whose last heartbeat predates the cutoff
// to offline. Returns how many changed.
func (s *Service) MarkStaleOffline(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	n, err := s.servers.MarkOfflineBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale servers offline: %w", err)
	}
	if n > 0 {
		slog.Warn("Marked silent servers offline", "layer", "registry", "count", n)
	}
	return n, nil
}

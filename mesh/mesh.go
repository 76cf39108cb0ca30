// Package mesh manages WireGuard overlay addressing and topology. Every
// server owns one /24 inside 10.100.0.0/16 and its deployments draw host
// addresses from that subnet.
package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/repository"
	"github.com/techulus/cloud-control/workqueue"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	// maxSubnets bounds the mesh to 255 servers: subnet IDs 1..255 map to
	// 10.100.0.0/24 through 10.100.254.0/24.
	maxSubnets = 255

	// Host addresses available to deployments inside a subnet. The server
	// itself holds .1; .0 and .255 are the network and broadcast addresses.
	firstDeploymentHost = 2
	lastDeploymentHost  = 254
)

var (
	ErrSubnetsExhausted   = errors.New("no free mesh subnets")
	ErrAddressesExhausted = errors.New("no free addresses in server subnet")
	ErrInvalidPublicKey   = errors.New("invalid wireguard public key")
)

// SubnetCIDR returns the /24 owned by a subnet ID.
func SubnetCIDR(subnetID int) string {
	return fmt.Sprintf("10.100.%d.0/24", subnetID-1)
}

// ServerAddress returns the mesh address a server binds, the .1 of its
// subnet.
func ServerAddress(subnetID int) string {
	return fmt.Sprintf("10.100.%d.1", subnetID-1)
}

func deploymentAddress(subnetID, host int) string {
	return fmt.Sprintf("10.100.%d.%d", subnetID-1, host)
}

type Manager struct {
	servers     repository.ServerRepository
	deployments repository.DeploymentRepository
	queue       *workqueue.Service
	listenPort  int
}

func NewManager(
	servers repository.ServerRepository,
	deployments repository.DeploymentRepository,
	queue *workqueue.Service,
	listenPort int,
) *Manager {
	return &Manager{
		servers:     servers,
		deployments: deployments,
		queue:       queue,
		listenPort:  listenPort,
	}
}

// ValidatePublicKey rejects anything that is not a well-formed Curve25519
// public key before it is stored in the topology.
func ValidatePublicKey(key string) error {
	if _, err := wgtypes.ParseKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return nil
}

// AllocateSubnet picks the lowest free subnet ID. Callers serialize
// registration, so two servers never race for the same ID.
func (m *Manager) AllocateSubnet() (int, error) {
	used, err := m.servers.UsedSubnetIDs()
	if err != nil {
		return 0, fmt.Errorf("failed to list used subnets: %w", err)
	}

	taken := make(map[int]bool, len(used))
	for _, id := range used {
		taken[id] = true
	}
	for id := 1; id <= maxSubnets; id++ {
		if !taken[id] {
			return id, nil
		}
	}
	return 0, ErrSubnetsExhausted
}

// AllocateDeploymentIP picks the lowest free host address in the server's
// subnet.
func (m *Manager) AllocateDeploymentIP(server *domain.Server) (string, error) {
	used, err := m.deployments.UsedIPAddresses(server.SubnetID)
	if err != nil {
		return "", fmt.Errorf("failed to list used addresses: %w", err)
	}

	taken := make(map[string]bool, len(used))
	for _, ip := range used {
		taken[ip] = true
	}
	for host := firstDeploymentHost; host <= lastDeploymentHost; host++ {
		candidate := deploymentAddress(server.SubnetID, host)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return "", ErrAddressesExhausted
}

// PeersFor computes the peer list a server should configure. Proxy servers
// are reachable for their whole subnet so they can route to every
// deployment; other servers expose only their own address.
func (m *Manager) PeersFor(server *domain.Server) ([]domain.WireGuardPeer, error) {
	all, err := m.servers.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].SubnetID < all[j].SubnetID })

	peers := make([]domain.WireGuardPeer, 0, len(all))
	for _, other := range all {
		if other.ID == server.ID {
			continue
		}
		// A peer without a key or address cannot be configured; skip it
		// until its registration completes.
		if other.WireGuardPublicKey == "" || other.WireGuardIP == "" {
			continue
		}

		allowedIPs := other.WireGuardIP + "/32"
		if other.IsProxy {
			allowedIPs = SubnetCIDR(other.SubnetID)
		}

		peer := domain.WireGuardPeer{
			PublicKey:  other.WireGuardPublicKey,
			AllowedIPs: allowedIPs,
		}
		if other.PublicIP != "" {
			endpoint := fmt.Sprintf("%s:%d", other.PublicIP, m.listenPort)
			peer.Endpoint = &endpoint
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// PropagateTopology enqueues an update_wireguard item for every server
// except the one to skip (typically the server that just registered and
// will receive its peers in the registration response).
func (m *Manager) PropagateTopology(skip uuid.UUID) error {
	all, err := m.servers.List()
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}

	for _, server := range all {
		if server.ID == skip {
			continue
		}
		peers, err := m.PeersFor(server)
		if err != nil {
			return err
		}
		if _, err := m.queue.Enqueue(server.ID, &domain.UpdateWireGuardPayload{Peers: peers}); err != nil {
			return err
		}
	}

	slog.Info("Propagated mesh topology", "layer", "mesh", "servers", len(all))
	return nil
}

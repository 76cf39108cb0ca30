// Package state assembles the desired-state snapshot served to
// reconciliation-style agents: the containers a server should run plus the
// DNS, proxy, TLS, and WireGuard configuration of the fleet.
package state

import (
	"fmt"

	"github.com/gosimple/slug"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/mesh"
	"github.com/techulus/cloud-control/repository"
)

type Builder struct {
	deployments  repository.DeploymentRepository
	services     repository.ServiceRepository
	certificates repository.CertificateRepository
	mesh         *mesh.Manager
}

func NewBuilder(
	deployments repository.DeploymentRepository,
	services repository.ServiceRepository,
	certificates repository.CertificateRepository,
	meshMgr *mesh.Manager,
) *Builder {
	return &Builder{
		deployments:  deployments,
		services:     services,
		certificates: certificates,
		mesh:         meshMgr,
	}
}

// Snapshot computes the full expected state for one server.
func (b *Builder) Snapshot(server *domain.Server) (*domain.ExpectedState, error) {
	deployments, err := b.deployments.ListActiveByServer(server.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	services := make(map[string]*domain.Service)
	containers := make([]domain.ExpectedContainer, 0, len(deployments))
	for _, d := range deployments {
		service, err := b.serviceFor(services, d)
		if err != nil {
			return nil, err
		}

		ports := make([]domain.PortMapping, 0, len(service.Ports))
		for _, p := range service.Ports {
			ports = append(ports, domain.PortMapping{ContainerPort: p.Port, HostPort: p.Port})
		}
		containers = append(containers, domain.ExpectedContainer{
			DeploymentID: d.ID.String(),
			ServiceID:    service.ID.String(),
			ServiceName:  service.Name,
			Name:         containerName(service, d),
			Image:        service.Image,
			IPAddress:    d.IPAddress,
			Ports:        ports,
		})
	}

	snapshot := &domain.ExpectedState{
		ServerName: server.Name,
		Containers: containers,
	}

	peers, err := b.mesh.PeersFor(server)
	if err != nil {
		return nil, err
	}
	snapshot.WireGuard = domain.WireGuardState{Peers: peers}

	// Proxy and DNS state cover the whole fleet; only proxy servers act on
	// them but every agent gets the same view.
	if server.IsProxy {
		proxy, dns, err := b.fleetRouting()
		if err != nil {
			return nil, err
		}
		snapshot.Proxy = *proxy
		snapshot.DNS = *dns
	}
	return snapshot, nil
}

func (b *Builder) serviceFor(cache map[string]*domain.Service, d *domain.Deployment) (*domain.Service, error) {
	if service, ok := cache[d.ServiceID.String()]; ok {
		return service, nil
	}
	service, err := b.services.FindByID(d.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	cache[d.ServiceID.String()] = service
	return service, nil
}

// fleetRouting computes routes and DNS records for every public service
// port, pointing at the mesh addresses of healthy or running deployments.
func (b *Builder) fleetRouting() (*domain.ProxyState, *domain.DNSState, error) {
	services, err := b.services.List()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list services: %w", err)
	}

	proxy := &domain.ProxyState{}
	dns := &domain.DNSState{}
	domains := make([]string, 0)

	for _, service := range services {
		upstreamIPs, err := b.upstreamIPs(service)
		if err != nil {
			return nil, nil, err
		}
		if len(upstreamIPs) == 0 {
			continue
		}

		for _, port := range service.Ports {
			if !port.Public {
				continue
			}
			routeID := service.ID.String() + ":" + fmt.Sprint(port.Port)

			switch port.Protocol {
			case domain.PortProtocolHTTP:
				upstreams := make([]domain.Upstream, len(upstreamIPs))
				for i, ip := range upstreamIPs {
					upstreams[i] = domain.Upstream{
						URL:    fmt.Sprintf("http://%s:%d", ip, port.Port),
						Weight: 1,
					}
				}
				proxy.HTTPRoutes = append(proxy.HTTPRoutes, domain.HTTPRoute{
					ID:        routeID,
					Domain:    port.Domain,
					Upstreams: upstreams,
					ServiceID: service.ID.String(),
				})
				if port.Domain != "" {
					dns.Records = append(dns.Records, domain.DNSRecord{Name: port.Domain, IPs: upstreamIPs})
					domains = append(domains, port.Domain)
				}
			case domain.PortProtocolTCP:
				proxy.TCPRoutes = append(proxy.TCPRoutes, domain.TCPRoute{
					ID:             routeID,
					ServiceID:      service.ID.String(),
					Upstreams:      addrList(upstreamIPs, port.Port),
					ExternalPort:   port.ExternalPort,
					TLSPassthrough: port.TLSPassthrough,
				})
			case domain.PortProtocolUDP:
				proxy.UDPRoutes = append(proxy.UDPRoutes, domain.UDPRoute{
					ID:           routeID,
					ServiceID:    service.ID.String(),
					Upstreams:    addrList(upstreamIPs, port.Port),
					ExternalPort: port.ExternalPort,
				})
			}
		}
	}

	certs, err := b.certificates.ListByDomains(domains)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load certificates: %w", err)
	}
	for _, cert := range certs {
		proxy.Certificates = append(proxy.Certificates, domain.ExpectedCertificate{
			Domain:         cert.Domain,
			Certificate:    cert.Certificate,
			CertificateKey: cert.CertificateKey,
		})
	}
	return proxy, dns, nil
}

func (b *Builder) upstreamIPs(service *domain.Service) ([]string, error) {
	deployments, err := b.deployments.ListByService(service.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	ips := make([]string, 0, len(deployments))
	for _, d := range deployments {
		routable := d.Status == domain.DeploymentStatusHealthy || d.Status == domain.DeploymentStatusRunning
		if routable && d.IPAddress != "" {
			ips = append(ips, d.IPAddress)
		}
	}
	return ips, nil
}

func addrList(ips []string, port int) []string {
	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = fmt.Sprintf("%s:%d", ip, port)
	}
	return addrs
}

func containerName(service *domain.Service, d *domain.Deployment) string {
	short := d.ID.String()
	if len(short) > 8 {
		short = short[:8]
	}
	return slug.Make(service.Name) + "-" + short
}

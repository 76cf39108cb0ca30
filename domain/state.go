package domain

// Types below form the desired-state snapshot served to
// reconciliation-style agents. The shapes match what agents consume.

type PortMapping struct {
	ContainerPort int `json:"containerPort"`
	HostPort      int `json:"hostPort"`
}

type ExpectedContainer struct {
	DeploymentID string            `json:"deploymentId"`
	ServiceID    string            `json:"serviceId"`
	ServiceName  string            `json:"serviceName"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	IPAddress    string            `json:"ipAddress"`
	Ports        []PortMapping     `json:"ports"`
	Env          map[string]string `json:"env"`
}

type DNSRecord struct {
	Name string   `json:"name"`
	IPs  []string `json:"ips"`
}

type Upstream struct {
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

type HTTPRoute struct {
	ID        string     `json:"id"`
	Domain    string     `json:"domain"`
	Upstreams []Upstream `json:"upstreams"`
	ServiceID string     `json:"serviceId"`
}

type TCPRoute struct {
	ID             string   `json:"id"`
	ServiceID      string   `json:"serviceId"`
	Upstreams      []string `json:"upstreams"`
	ExternalPort   int      `json:"externalPort"`
	TLSPassthrough bool     `json:"tlsPassthrough"`
}

type UDPRoute struct {
	ID           string   `json:"id"`
	ServiceID    string   `json:"serviceId"`
	Upstreams    []string `json:"upstreams"`
	ExternalPort int      `json:"externalPort"`
}

type ExpectedCertificate struct {
	Domain         string `json:"domain"`
	Certificate    string `json:"certificate"`
	CertificateKey string `json:"certificateKey"`
}

type ProxyState struct {
	HTTPRoutes   []HTTPRoute           `json:"httpRoutes"`
	TCPRoutes    []TCPRoute            `json:"tcpRoutes"`
	UDPRoutes    []UDPRoute            `json:"udpRoutes"`
	Certificates []ExpectedCertificate `json:"certificates,omitempty"`
}

type DNSState struct {
	Records []DNSRecord `json:"records"`
}

type WireGuardState struct {
	Peers []WireGuardPeer `json:"peers"`
}

// ExpectedState is the full desired state for one server.
type ExpectedState struct {
	ServerName string              `json:"serverName"`
	Containers []ExpectedContainer `json:"containers"`
	DNS        DNSState            `json:"dns"`
	Proxy      ProxyState          `json:"traefik"`
	WireGuard  WireGuardState      `json:"wireguard"`
}

// Package repository provides the data access layer for the control plane.
package repository

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
)

func serverToDomain(m *db.ServerModel) *domain.Server {
	status, err := domain.ParseServerStatus(m.Status)
	if err != nil {
		status = domain.ServerStatusUnknown
	}

	var resources *domain.Resources
	if m.Resources != nil && *m.Resources != "" {
		var r domain.Resources
		if err := json.Unmarshal([]byte(*m.Resources), &r); err == nil {
			resources = &r
		}
	}

	var meta map[string]string
	if m.Meta != nil && *m.Meta != "" {
		_ = json.Unmarshal([]byte(*m.Meta), &meta)
	}

	return &domain.Server{
		ID:                 m.ID,
		Name:               m.Name,
		Status:             status,
		WireGuardIP:        m.WireGuardIP,
		PublicIP:           m.PublicIP,
		PrivateIP:          m.PrivateIP,
		SubnetID:           m.SubnetID,
		WireGuardPublicKey: m.WireGuardPublicKey,
		SigningPublicKey:   m.SigningPublicKey,
		Resources:          resources,
		Meta:               meta,
		IsProxy:            m.IsProxy,
		LastHeartbeat:      m.LastHeartbeat,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func serverToModel(s *domain.Server) *db.ServerModel {
	m := &db.ServerModel{
		BaseModel:          db.BaseModel{ID: s.ID, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt},
		Name:               s.Name,
		Status:             s.Status.String(),
		WireGuardIP:        s.WireGuardIP,
		PublicIP:           s.PublicIP,
		PrivateIP:          s.PrivateIP,
		SubnetID:           s.SubnetID,
		WireGuardPublicKey: s.WireGuardPublicKey,
		SigningPublicKey:   s.SigningPublicKey,
		IsProxy:            s.IsProxy,
		LastHeartbeat:      s.LastHeartbeat,
	}
	if s.Resources != nil {
		if data, err := json.Marshal(s.Resources); err == nil {
			blob := string(data)
			m.Resources = &blob
		}
	}
	if len(s.Meta) > 0 {
		if data, err := json.Marshal(s.Meta); err == nil {
			blob := string(data)
			m.Meta = &blob
		}
	}
	return m
}

func tokenToDomain(m *db.BootstrapTokenModel) *domain.BootstrapToken {
	return &domain.BootstrapToken{
		ID:         m.ID,
		Token:      m.Token,
		ServerName: m.ServerName,
		UsedAt:     m.UsedAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func deploymentToDomain(m *db.DeploymentModel) *domain.Deployment {
	status, err := domain.ParseDeploymentStatus(m.Status)
	if err != nil {
		status = domain.DeploymentStatusUnknown
	}
	return &domain.Deployment{
		ID:           m.ID,
		ServiceID:    m.ServiceID,
		ServerID:     m.ServerID,
		RolloutID:    m.RolloutID,
		ContainerID:  m.ContainerID,
		IPAddress:    m.IPAddress,
		Status:       status,
		HealthStatus: m.HealthStatus,
		FailedStage:  m.FailedStage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func deploymentToModel(d *domain.Deployment) *db.DeploymentModel {
	return &db.DeploymentModel{
		BaseModel:    db.BaseModel{ID: d.ID, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt},
		ServiceID:    d.ServiceID,
		ServerID:     d.ServerID,
		RolloutID:    d.RolloutID,
		ContainerID:  d.ContainerID,
		IPAddress:    d.IPAddress,
		Status:       d.Status.String(),
		HealthStatus: d.HealthStatus,
		FailedStage:  d.FailedStage,
	}
}

func buildToDomain(m *db.BuildModel) *domain.Build {
	status, err := domain.ParseBuildStatus(m.Status)
	if err != nil {
		status = domain.BuildStatusUnknown
	}
	return &domain.Build{
		ID:                 m.ID,
		ServiceID:          m.ServiceID,
		CommitSHA:          m.CommitSHA,
		Branch:             m.Branch,
		TargetPlatform:     m.TargetPlatform,
		BuildGroupID:       m.BuildGroupID,
		Status:             status,
		ClaimedBy:          m.ClaimedBy,
		ImageURI:           m.ImageURI,
		GithubDeploymentID: m.GithubDeploymentID,
		Error:              m.Error,
		CompletedAt:        m.CompletedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func buildToModel(b *domain.Build) *db.BuildModel {
	return &db.BuildModel{
		BaseModel:          db.BaseModel{ID: b.ID, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt},
		ServiceID:          b.ServiceID,
		CommitSHA:          b.CommitSHA,
		Branch:             b.Branch,
		TargetPlatform:     b.TargetPlatform,
		BuildGroupID:       b.BuildGroupID,
		Status:             b.Status.String(),
		ClaimedBy:          b.ClaimedBy,
		ImageURI:           b.ImageURI,
		GithubDeploymentID: b.GithubDeploymentID,
		Error:              b.Error,
		CompletedAt:        b.CompletedAt,
	}
}

func workItemToDomain(m *db.WorkQueueItemModel) *domain.WorkItem {
	status, err := domain.ParseWorkItemStatus(m.Status)
	if err != nil {
		status = domain.WorkItemStatusUnknown
	}
	return &domain.WorkItem{
		ID:        m.ID,
		ServerID:  m.ServerID,
		Type:      domain.WorkType(m.Type),
		Payload:   m.Payload,
		Status:    status,
		Attempts:  m.Attempts,
		Error:     m.Error,
		StartedAt: m.StartedAt,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func workItemToModel(w *domain.WorkItem) *db.WorkQueueItemModel {
	return &db.WorkQueueItemModel{
		BaseModel: db.BaseModel{ID: w.ID, CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt},
		ServerID:  w.ServerID,
		Type:      string(w.Type),
		Payload:   w.Payload,
		Status:    w.Status.String(),
		Attempts:  w.Attempts,
		Error:     w.Error,
		StartedAt: w.StartedAt,
	}
}

func serviceToDomain(m *db.ServiceModel) *domain.Service {
	ports := make([]domain.ServicePort, len(m.Ports))
	for i, p := range m.Ports {
		ports[i] = domain.ServicePort{
			ID:             p.ID,
			ServiceID:      p.ServiceID,
			Port:           p.Port,
			Protocol:       domain.PortProtocol(p.Protocol),
			Public:         p.Public,
			Domain:         p.Domain,
			ExternalPort:   p.ExternalPort,
			TLSPassthrough: p.TLSPassthrough,
		}
	}
	return &domain.Service{
		ID:               m.ID,
		ProjectID:        m.ProjectID,
		Name:             m.Name,
		Image:            m.Image,
		Stateful:         m.Stateful,
		LockedServerID:   m.LockedServerID,
		ReplicaServerIDs: parseIDList(m.ReplicaServerIDs),
		HasHealthCheck:   m.HasHealthCheck,
		GitURL:           m.GitURL,
		GitBranch:        m.GitBranch,
		RootDir:          m.RootDir,
		BuildTimeoutMins: m.BuildTimeoutMins,
		Ports:            ports,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func serviceToModel(s *domain.Service) *db.ServiceModel {
	return &db.ServiceModel{
		BaseModel:        db.BaseModel{ID: s.ID, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt},
		ProjectID:        s.ProjectID,
		Name:             s.Name,
		Image:            s.Image,
		Stateful:         s.Stateful,
		LockedServerID:   s.LockedServerID,
		ReplicaServerIDs: serializeIDList(s.ReplicaServerIDs),
		HasHealthCheck:   s.HasHealthCheck,
		GitURL:           s.GitURL,
		GitBranch:        s.GitBranch,
		RootDir:          s.RootDir,
		BuildTimeoutMins: s.BuildTimeoutMins,
	}
}

func rolloutToDomain(m *db.RolloutModel) *domain.Rollout {
	status, err := domain.ParseRolloutStatus(m.Status)
	if err != nil {
		status = domain.RolloutStatusUnknown
	}
	stage, err := domain.ParseRolloutStage(m.CurrentStage)
	if err != nil {
		stage = domain.RolloutStagePreparing
	}
	return &domain.Rollout{
		ID:           m.ID,
		ServiceID:    m.ServiceID,
		Status:       status,
		CurrentStage: stage,
		Error:        m.Error,
		CompletedAt:  m.CompletedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func migrationToDomain(m *db.MigrationJobModel) *domain.Migration {
	status, err := domain.ParseMigrationStatus(m.Status)
	if err != nil {
		status = domain.MigrationStatusUnknown
	}
	return &domain.Migration{
		ID:             m.ID,
		ServiceID:      m.ServiceID,
		SourceServerID: m.SourceServerID,
		TargetServerID: m.TargetServerID,
		Status:         status,
		Error:          m.Error,
		CompletedAt:    m.CompletedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func certificateToDomain(m *db.CertificateModel) *domain.Certificate {
	return &domain.Certificate{
		ID:             m.ID,
		Domain:         m.Domain,
		Certificate:    m.Certificate,
		CertificateKey: m.CertificateKey,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// Helper functions

func parseIDList(s string) []uuid.UUID {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\x00") // null-separated for better handling
	ids := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		if id, err := uuid.Parse(p); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func serializeIDList(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, "\x00")
}

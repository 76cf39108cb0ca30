// Package domain provides core domain types and entities for the control plane.
package domain

import "fmt"

// ServerStatus represents the liveness of a fleet server
type ServerStatus int

const (
	ServerStatusUnknown ServerStatus = iota
	ServerStatusOnline
	ServerStatusOffline
)

func (s ServerStatus) String() string {
	switch s {
	case ServerStatusOnline:
		return "online"
	case ServerStatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

func ParseServerStatus(s string) (ServerStatus, error) {
	switch s {
	case "online":
		return ServerStatusOnline, nil
	case "offline":
		return ServerStatusOffline, nil
	case "unknown":
		return ServerStatusUnknown, nil
	default:
		return ServerStatusUnknown, fmt.Errorf("invalid server status: %q", s)
	}
}

// DeploymentStatus represents the status of a deployment
type DeploymentStatus int

const (
	DeploymentStatusUnknown DeploymentStatus = iota
	DeploymentStatusPending
	DeploymentStatusPulling
	DeploymentStatusStarting
	DeploymentStatusRunning
	DeploymentStatusHealthy
	DeploymentStatusStopping
	DeploymentStatusFailed
)

func (s DeploymentStatus) String() string {
	switch s {
	case DeploymentStatusPending:
		return "pending"
	case DeploymentStatusPulling:
		return "pulling"
	case DeploymentStatusStarting:
		return "starting"
	case DeploymentStatusRunning:
		return "running"
	case DeploymentStatusHealthy:
		return "healthy"
	case DeploymentStatusStopping:
		return "stopping"
	case DeploymentStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func ParseDeploymentStatus(s string) (DeploymentStatus, error) {
	switch s {
	case "pending":
		return DeploymentStatusPending, nil
	case "pulling":
		return DeploymentStatusPulling, nil
	case "starting":
		return DeploymentStatusStarting, nil
	case "running":
		return DeploymentStatusRunning, nil
	case "healthy":
		return DeploymentStatusHealthy, nil
	case "stopping":
		return DeploymentStatusStopping, nil
	case "failed":
		return DeploymentStatusFailed, nil
	case "unknown":
		return DeploymentStatusUnknown, nil
	default:
		return DeploymentStatusUnknown, fmt.Errorf("invalid deployment status: %q", s)
	}
}

// IsActive reports whether a deployment in this status is expected to have
// a container on its server.
func (s DeploymentStatus) IsActive() bool {
	switch s {
	case DeploymentStatusStarting, DeploymentStatusRunning, DeploymentStatusHealthy, DeploymentStatusStopping:
		return true
	default:
		return false
	}
}

// BuildStatus represents the status of an image build
type BuildStatus int

const (
	BuildStatusUnknown BuildStatus = iota
	BuildStatusPending
	BuildStatusClaimed
	BuildStatusCloning
	BuildStatusBuilding
	BuildStatusPushing
	BuildStatusCompleted
	BuildStatusFailed
	BuildStatusCancelled
)

func (s BuildStatus) String() string {
	switch s {
	case BuildStatusPending:
		return "pending"
	case BuildStatusClaimed:
		return "claimed"
	case BuildStatusCloning:
		return "cloning"
	case BuildStatusBuilding:
		return "building"
	case BuildStatusPushing:
		return "pushing"
	case BuildStatusCompleted:
		return "completed"
	case BuildStatusFailed:
		return "failed"
	case BuildStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func ParseBuildStatus(s string) (BuildStatus, error) {
	switch s {
	case "pending":
		return BuildStatusPending, nil
	case "claimed":
		return BuildStatusClaimed, nil
	case "cloning":
		return BuildStatusCloning, nil
	case "building":
		return BuildStatusBuilding, nil
	case "pushing":
		return BuildStatusPushing, nil
	case "completed":
		return BuildStatusCompleted, nil
	case "failed":
		return BuildStatusFailed, nil
	case "cancelled":
		return BuildStatusCancelled, nil
	default:
		return BuildStatusUnknown, fmt.Errorf("invalid build status: %q", s)
	}
}

// IsTerminal reports whether no further status changes are allowed.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	default:
		return false
	}
}

// CanCancel reports whether a build in this status may be cancelled.
func (s BuildStatus) CanCancel() bool {
	switch s {
	case BuildStatusPending, BuildStatusClaimed, BuildStatusCloning, BuildStatusBuilding, BuildStatusPushing:
		return true
	default:
		return false
	}
}

// buildTransitions is the set of allowed build status transitions. Agents
// report statuses in order but reports can be duplicated or delayed, so
// anything not in the table is rejected rather than applied.
var buildTransitions = map[BuildStatus][]BuildStatus{
	BuildStatusPending:  {BuildStatusClaimed, BuildStatusCancelled},
	BuildStatusClaimed:  {BuildStatusCloning, BuildStatusBuilding, BuildStatusFailed, BuildStatusCancelled},
	BuildStatusCloning:  {BuildStatusBuilding, BuildStatusFailed, BuildStatusCancelled},
	BuildStatusBuilding: {BuildStatusPushing, BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled},
	BuildStatusPushing:  {BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled},
}

// CanTransition reports whether moving from s to next is allowed.
func (s BuildStatus) CanTransition(next BuildStatus) bool {
	for _, allowed := range buildTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkItemStatus represents the status of a work queue item
type WorkItemStatus int

const (
	WorkItemStatusUnknown WorkItemStatus = iota
	WorkItemStatusPending
	WorkItemStatusProcessing
	WorkItemStatusCompleted
	WorkItemStatusFailed
)

func (s WorkItemStatus) String() string {
	switch s {
	case WorkItemStatusPending:
		return "pending"
	case WorkItemStatusProcessing:
		return "processing"
	case WorkItemStatusCompleted:
		return "completed"
	case WorkItemStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func ParseWorkItemStatus(s string) (WorkItemStatus, error) {
	switch s {
	case "pending":
		return WorkItemStatusPending, nil
	case "processing":
		return WorkItemStatusProcessing, nil
	case "completed":
		return WorkItemStatusCompleted, nil
	case "failed":
		return WorkItemStatusFailed, nil
	default:
		return WorkItemStatusUnknown, fmt.Errorf("invalid work item status: %q", s)
	}
}

// RolloutStatus represents the status of a rollout
type RolloutStatus int

const (
	RolloutStatusUnknown RolloutStatus = iota
	RolloutStatusInProgress
	RolloutStatusCompleted
	RolloutStatusFailed
	RolloutStatusCancelled
	RolloutStatusRolledBack
)

func (s RolloutStatus) String() string {
	switch s {
	case RolloutStatusInProgress:
		return "in_progress"
	case RolloutStatusCompleted:
		return "completed"
	case RolloutStatusFailed:
		return "failed"
	case RolloutStatusCancelled:
		return "cancelled"
	case RolloutStatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

func ParseRolloutStatus(s string) (RolloutStatus, error) {
	switch s {
	case "in_progress":
		return RolloutStatusInProgress, nil
	case "completed":
		return RolloutStatusCompleted, nil
	case "failed":
		return RolloutStatusFailed, nil
	case "cancelled":
		return RolloutStatusCancelled, nil
	case "rolled_back":
		return RolloutStatusRolledBack, nil
	default:
		return RolloutStatusUnknown, fmt.Errorf("invalid rollout status: %q", s)
	}
}

// RolloutStage represents the current stage of an in-progress rollout.
// Stages advance monotonically.
type RolloutStage int

const (
	RolloutStagePreparing RolloutStage = iota
	RolloutStageCertificates
	RolloutStageDeploying
	RolloutStageHealthCheck
	RolloutStageDNSSync
	RolloutStageCompleted
)

func (s RolloutStage) String() string {
	switch s {
	case RolloutStagePreparing:
		return "preparing"
	case RolloutStageCertificates:
		return "certificates"
	case RolloutStageDeploying:
		return "deploying"
	case RolloutStageHealthCheck:
		return "health_check"
	case RolloutStageDNSSync:
		return "dns_sync"
	case RolloutStageCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func ParseRolloutStage(s string) (RolloutStage, error) {
	switch s {
	case "preparing":
		return RolloutStagePreparing, nil
	case "certificates":
		return RolloutStageCertificates, nil
	case "deploying":
		return RolloutStageDeploying, nil
	case "health_check":
		return RolloutStageHealthCheck, nil
	case "dns_sync":
		return RolloutStageDNSSync, nil
	case "completed":
		return RolloutStageCompleted, nil
	default:
		return RolloutStagePreparing, fmt.Errorf("invalid rollout stage: %q", s)
	}
}

// MigrationStatus represents the status of a service migration
type MigrationStatus int

const (
	MigrationStatusUnknown MigrationStatus = iota
	MigrationStatusInProgress
	MigrationStatusCompleted
	MigrationStatusFailed
	MigrationStatusCancelled
)

func (s MigrationStatus) String() string {
	switch s {
	case MigrationStatusInProgress:
		return "in_progress"
	case MigrationStatusCompleted:
		return "completed"
	case MigrationStatusFailed:
		return "failed"
	case MigrationStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func ParseMigrationStatus(s string) (MigrationStatus, error) {
	switch s {
	case "in_progress":
		return MigrationStatusInProgress, nil
	case "completed":
		return MigrationStatusCompleted, nil
	case "failed":
		return MigrationStatusFailed, nil
	case "cancelled":
		return MigrationStatusCancelled, nil
	default:
		return MigrationStatusUnknown, fmt.Errorf("invalid migration status: %q", s)
	}
}

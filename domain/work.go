package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkType identifies the kind of instruction a work queue item carries.
type WorkType string

const (
	WorkTypeDeploy          WorkType = "deploy"
	WorkTypeStop            WorkType = "stop"
	WorkTypeRestart         WorkType = "restart"
	WorkTypeForceCleanup    WorkType = "force_cleanup"
	WorkTypeCleanupVolumes  WorkType = "cleanup_volumes"
	WorkTypeBuild           WorkType = "build"
	WorkTypeBackupVolume    WorkType = "backup_volume"
	WorkTypeRestoreVolume   WorkType = "restore_volume"
	WorkTypeUpdateWireGuard WorkType = "update_wireguard"
	WorkTypeCreateManifest  WorkType = "create_manifest"
	WorkTypeSyncCaddy       WorkType = "sync_caddy"
)

// WorkPayload is the typed payload of a work queue item. Each WorkType has
// exactly one payload shape; DecodeWorkPayload rejects unknown types so a
// new type cannot be enqueued without a decoder branch.
type WorkPayload interface {
	WorkType() WorkType
}

type DeployPayload struct {
	DeploymentID string `json:"deploymentId"`
	ServiceID    string `json:"serviceId"`
	ServiceName  string `json:"serviceName"`
	Image        string `json:"image"`
	IPAddress    string `json:"ipAddress"`
}

func (DeployPayload) WorkType() WorkType { return WorkTypeDeploy }

type StopPayload struct {
	DeploymentID string `json:"deploymentId"`
	ContainerID  string `json:"containerId"`
}

func (StopPayload) WorkType() WorkType { return WorkTypeStop }

type RestartPayload struct {
	DeploymentID string `json:"deploymentId"`
	ContainerID  string `json:"containerId"`
}

func (RestartPayload) WorkType() WorkType { return WorkTypeRestart }

type ForceCleanupPayload struct {
	ServiceID    string   `json:"serviceId"`
	ContainerIDs []string `json:"containerIds"`
}

func (ForceCleanupPayload) WorkType() WorkType { return WorkTypeForceCleanup }

type CleanupVolumesPayload struct {
	ServiceID string `json:"serviceId"`
}

func (CleanupVolumesPayload) WorkType() WorkType { return WorkTypeCleanupVolumes }

type BuildWorkPayload struct {
	BuildID string `json:"buildId"`
}

func (BuildWorkPayload) WorkType() WorkType { return WorkTypeBuild }

// StorageConfig carries backup storage credentials to the agent. It is
// embedded in backup/restore payloads and never persisted unencrypted
// outside the work queue row.
type StorageConfig struct {
	Provider  string `json:"provider"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
}

type BackupVolumePayload struct {
	BackupID      string        `json:"backupId"`
	ServiceID     string        `json:"serviceId"`
	ContainerID   string        `json:"containerId"`
	VolumeName    string        `json:"volumeName"`
	StoragePath   string        `json:"storagePath"`
	StorageConfig StorageConfig `json:"storageConfig"`
	BackupType    string        `json:"backupType"`
	ServiceImage  string        `json:"serviceImage"`
}

func (BackupVolumePayload) WorkType() WorkType { return WorkTypeBackupVolume }

type RestoreVolumePayload struct {
	BackupID         string        `json:"backupId"`
	ServiceID        string        `json:"serviceId"`
	ContainerID      string        `json:"containerId"`
	VolumeName       string        `json:"volumeName"`
	StoragePath      string        `json:"storagePath"`
	ExpectedChecksum string        `json:"expectedChecksum"`
	StorageConfig    StorageConfig `json:"storageConfig"`
	BackupType       string        `json:"backupType"`
	ServiceImage     string        `json:"serviceImage"`
}

func (RestoreVolumePayload) WorkType() WorkType { return WorkTypeRestoreVolume }

// WireGuardPeer is one entry in another server's mesh configuration. A nil
// endpoint means the peer has no known public address and is expected to
// dial in.
type WireGuardPeer struct {
	PublicKey  string  `json:"publicKey"`
	AllowedIPs string  `json:"allowedIps"`
	Endpoint   *string `json:"endpoint"`
}

type UpdateWireGuardPayload struct {
	Peers []WireGuardPeer `json:"peers"`
}

func (UpdateWireGuardPayload) WorkType() WorkType { return WorkTypeUpdateWireGuard }

type CreateManifestPayload struct {
	Images        []string `json:"images"`
	FinalImageURI string   `json:"finalImageUri"`
}

func (CreateManifestPayload) WorkType() WorkType { return WorkTypeCreateManifest }

type SyncCaddyPayload struct {
	ServiceID string `json:"serviceId,omitempty"`
}

func (SyncCaddyPayload) WorkType() WorkType { return WorkTypeSyncCaddy }

// EncodeWorkPayload serializes a payload for storage and the agent wire
// format, which carries the payload as a JSON string.
func EncodeWorkPayload(p WorkPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", p.WorkType(), err)
	}
	return string(data), nil
}

// DecodeWorkPayload parses a stored payload back into its typed form.
func DecodeWorkPayload(t WorkType, raw string) (WorkPayload, error) {
	var p WorkPayload
	switch t {
	case WorkTypeDeploy:
		p = &DeployPayload{}
	case WorkTypeStop:
		p = &StopPayload{}
	case WorkTypeRestart:
		p = &RestartPayload{}
	case WorkTypeForceCleanup:
		p = &ForceCleanupPayload{}
	case WorkTypeCleanupVolumes:
		p = &CleanupVolumesPayload{}
	case WorkTypeBuild:
		p = &BuildWorkPayload{}
	case WorkTypeBackupVolume:
		p = &BackupVolumePayload{}
	case WorkTypeRestoreVolume:
		p = &RestoreVolumePayload{}
	case WorkTypeUpdateWireGuard:
		p = &UpdateWireGuardPayload{}
	case WorkTypeCreateManifest:
		p = &CreateManifestPayload{}
	case WorkTypeSyncCaddy:
		p = &SyncCaddyPayload{}
	default:
		return nil, fmt.Errorf("unknown work item type: %q", t)
	}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}

// WorkItem is one instruction addressed to one agent.
type WorkItem struct {
	ID        uuid.UUID
	ServerID  uuid.UUID
	Type      WorkType
	Payload   string // JSON-encoded WorkPayload
	Status    WorkItemStatus
	Attempts  int
	Error     string
	StartedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DecodedPayload returns the typed payload of the item.
func (w *WorkItem) DecodedPayload() (WorkPayload, error) {
	return DecodeWorkPayload(w.Type, w.Payload)
}

func NewWorkItem(serverID uuid.UUID, payload WorkPayload) (*WorkItem, error) {
	raw, err := EncodeWorkPayload(payload)
	if err != nil {
		return nil, err
	}
	return &WorkItem{
		ID:       uuid.New(),
		ServerID: serverID,
		Type:     payload.WorkType(),
		Payload:  raw,
		Status:   WorkItemStatusPending,
	}, nil
}

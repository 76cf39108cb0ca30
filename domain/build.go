package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Build is one image build for one (service, commit, target platform)
// triple. Builds created by the same trigger share a BuildGroupID and are
// joined into one multi-arch manifest when all of them complete.
type Build struct {
	ID                 uuid.UUID
	ServiceID          uuid.UUID
	CommitSHA          string
	Branch             string
	TargetPlatform     string // "os/arch", e.g. "linux/amd64"
	BuildGroupID       *uuid.UUID
	Status             BuildStatus
	ClaimedBy          *uuid.UUID
	ImageURI           string
	GithubDeploymentID string
	Error              string
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func NewBuild(serviceID uuid.UUID, commitSHA, branch, targetPlatform string, groupID *uuid.UUID) *Build {
	return &Build{
		ID:             uuid.New(),
		ServiceID:      serviceID,
		CommitSHA:      commitSHA,
		Branch:         branch,
		TargetPlatform: targetPlatform,
		BuildGroupID:   groupID,
		Status:         BuildStatusPending,
	}
}

// Arch returns the architecture suffix of the target platform.
func (b *Build) Arch() string {
	if i := strings.LastIndex(b.TargetPlatform, "/"); i >= 0 {
		return b.TargetPlatform[i+1:]
	}
	return b.TargetPlatform
}

// ShortSHA returns the abbreviated commit hash used in image tags.
func (b *Build) ShortSHA() string {
	if len(b.CommitSHA) > 8 {
		return b.CommitSHA[:8]
	}
	return b.CommitSHA
}

// Package builds schedules container image builds across the fleet and
// joins multi-architecture build groups into one manifest.
package builds

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/techulus/cloud-control/config"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/repository"
	"github.com/techulus/cloud-control/workqueue"
)

var (
	ErrNoEligibleServer = errors.New("no online server can run this build")
	ErrRegistryMissing  = errors.New("registry host is not configured")
	ErrBuildCancelled   = errors.New("build is cancelled")
	ErrInvalidStatus    = errors.New("invalid build status transition")
	ErrCannotCancel     = errors.New("build is not in a cancellable status")
)

// Alerter receives build failure notifications. Delivery is best-effort;
// a failed alert is logged and never fails the build report.
type Alerter interface {
	BuildFailed(build *domain.Build, service *domain.Service, reason string)
}

// LogAlerter is the default Alerter; it only writes a log line.
type LogAlerter struct{}

func (LogAlerter) BuildFailed(build *domain.Build, service *domain.Service, reason string) {
	slog.Error("Build failed",
		"layer", "builds",
		"build_id", build.ID,
		"service", service.Name,
		"platform", build.TargetPlatform,
		"reason", reason)
}

// BuildDetails is what a claiming agent needs to run the build.
type BuildDetails struct {
	Build           *domain.Build
	CloneURL        string
	ImageURI        string
	RootDir         string
	Secrets         map[string]string
	TimeoutMinutes  int
	TargetPlatforms []string
}

type Scheduler struct {
	builds   repository.BuildRepository
	services repository.ServiceRepository
	servers  repository.ServerRepository
	secrets  repository.SecretRepository
	queue    *workqueue.Service
	cfg      *config.Config
	alerter  Alerter

	// pick selects one index from n candidates; swapped out in tests.
	pick func(n int) int
}

func NewScheduler(
	buildsRepo repository.BuildRepository,
	services repository.ServiceRepository,
	servers repository.ServerRepository,
	secrets repository.SecretRepository,
	queue *workqueue.Service,
	cfg *config.Config,
	alerter Alerter,
) *Scheduler {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &Scheduler{
		builds:   buildsRepo,
		services: services,
		servers:  servers,
		secrets:  secrets,
		queue:    queue,
		cfg:      cfg,
		alerter:  alerter,
		pick:     rand.Intn,
	}
}

// Trigger creates one build per target platform for a commit and hands each
// to an eligible agent. Builds from one trigger share a group ID when more
// than one platform is involved.
func (s *Scheduler) Trigger(serviceID uuid.UUID, commitSHA, branch string) ([]*domain.Build, error) {
	if s.cfg.RegistryHost == "" {
		return nil, ErrRegistryMissing
	}

	service, err := s.services.FindByID(serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	if branch == "" {
		branch = service.GitBranch
	}

	platforms, err := s.targetPlatforms(service)
	if err != nil {
		return nil, err
	}

	var groupID *uuid.UUID
	if len(platforms) > 1 {
		id := uuid.New()
		groupID = &id
	}

	created := make([]*domain.Build, 0, len(platforms))
	for _, platform := range platforms {
		build := domain.NewBuild(serviceID, commitSHA, branch, platform, groupID)
		build.ImageURI = s.imageURI(service, build)

		server, err := s.place(service, build.Arch())
		if err != nil {
			return nil, err
		}

		stored, err := s.builds.Create(build)
		if err != nil {
			return nil, fmt.Errorf("failed to create build: %w", err)
		}
		if _, err := s.queue.Enqueue(server.ID, &domain.BuildWorkPayload{BuildID: stored.ID.String()}); err != nil {
			return nil, err
		}

		slog.Info("Scheduled build",
			"layer", "builds",
			"build_id", stored.ID,
			"service", service.Name,
			"platform", platform,
			"server", server.Name)
		created = append(created, stored)
	}
	return created, nil
}

// targetPlatforms derives the platforms a trigger should build for: the
// architectures of the service's replica servers when pinned, otherwise
// every eligible server's architecture, falling back to the configured
// defaults when nothing resolves.
func (s *Scheduler) targetPlatforms(service *domain.Service) ([]string, error) {
	archs := make(map[string]bool)

	if len(service.ReplicaServerIDs) > 0 {
		for _, id := range service.ReplicaServerIDs {
			server, err := s.servers.FindByID(id)
			if err != nil {
				continue
			}
			if arch := server.Arch(); arch != "" {
				archs[arch] = true
			}
		}
	} else {
		online, err := s.servers.ListOnline()
		if err != nil {
			return nil, fmt.Errorf("failed to list servers: %w", err)
		}
		for _, server := range online {
			if !s.cfg.PlacementAllowed(server.Name) {
				continue
			}
			if arch := server.Arch(); arch != "" {
				archs[arch] = true
			}
		}
	}

	if len(archs) == 0 {
		return s.cfg.DefaultPlatforms, nil
	}

	platforms := make([]string, 0, len(archs))
	for _, p := range []string{"amd64", "arm64", "386", "arm"} {
		if archs[p] {
			platforms = append(platforms, "linux/"+p)
		}
	}
	for arch := range archs {
		platform := "linux/" + arch
		found := false
		for _, p := range platforms {
			if p == platform {
				found = true
				break
			}
		}
		if !found {
			platforms = append(platforms, platform)
		}
	}
	return platforms, nil
}

// place chooses the server that will run a build. A stateful service pinned
// to a server must build there; otherwise one eligible online server with a
// matching architecture is chosen uniformly at random.
func (s *Scheduler) place(service *domain.Service, arch string) (*domain.Server, error) {
	if service.Stateful && service.LockedServerID != nil {
		server, err := s.servers.FindByID(*service.LockedServerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load locked server: %w", err)
		}
		if server.Status != domain.ServerStatusOnline {
			return nil, fmt.Errorf("%w: locked server %s is %s", ErrNoEligibleServer, server.Name, server.Status)
		}
		return server, nil
	}

	online, err := s.servers.ListOnline()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	candidates := make([]*domain.Server, 0, len(online))
	for _, server := range online {
		if !s.cfg.BuildServerAllowed(server.Name) {
			continue
		}
		if server.Arch() != arch {
			continue
		}
		candidates = append(candidates, server)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: arch %s", ErrNoEligibleServer, arch)
	}
	return candidates[s.pick(len(candidates))], nil
}

func (s *Scheduler) imageURI(service *domain.Service, build *domain.Build) string {
	return fmt.Sprintf("%s/%s:%s-%s",
		s.cfg.RegistryHost, slug.Make(service.Name), build.ShortSHA(), build.Arch())
}

func (s *Scheduler) combinedImageURI(service *domain.Service, build *domain.Build) string {
	return fmt.Sprintf("%s/%s:%s",
		s.cfg.RegistryHost, slug.Make(service.Name), build.ShortSHA())
}

// Claim atomically assigns a pending build to the calling agent and
// returns everything it needs to run. A lost race is repository.ErrConflict.
func (s *Scheduler) Claim(buildID, serverID uuid.UUID) (*BuildDetails, error) {
	build, err := s.builds.Claim(buildID, serverID)
	if err != nil {
		return nil, err
	}
	return s.Details(build)
}

// Details assembles the build instructions an agent sees: clone URL, target
// image URI, and decrypted build secrets.
func (s *Scheduler) Details(build *domain.Build) (*BuildDetails, error) {
	service, err := s.services.FindByID(build.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	secrets, err := s.secrets.ListByService(service.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load build secrets: %w", err)
	}

	cloneURL := service.GitURL
	if cloneURL == "" && s.cfg.GithubCloneBaseURL != "" {
		cloneURL = strings.TrimSuffix(s.cfg.GithubCloneBaseURL, "/") + "/" + slug.Make(service.Name) + ".git"
	}

	timeoutMinutes := service.BuildTimeoutMins
	if timeoutMinutes == 0 {
		timeoutMinutes = int(s.cfg.BuildTimeout.Minutes())
	}

	return &BuildDetails{
		Build:           build,
		CloneURL:        cloneURL,
		ImageURI:        build.ImageURI,
		RootDir:         service.RootDir,
		Secrets:         secrets,
		TimeoutMinutes:  timeoutMinutes,
		TargetPlatforms: []string{build.TargetPlatform},
	}, nil
}

// Get loads one build.
func (s *Scheduler) Get(buildID uuid.UUID) (*domain.Build, error) {
	build, err := s.builds.FindByID(buildID)
	if err != nil {
		return nil, err
	}
	return build, nil
}

// ReportStatus applies an agent's build status report. Reports against a
// cancelled build return ErrBuildCancelled so the transport can answer
// with its acknowledge-but-ignore shape. Completed builds may close their
// multi-arch group.
func (s *Scheduler) ReportStatus(buildID uuid.UUID, status domain.BuildStatus, errMsg string) error {
	build, err := s.builds.FindByID(buildID)
	if err != nil {
		return err
	}

	if build.Status == domain.BuildStatusCancelled {
		return ErrBuildCancelled
	}
	if !build.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, build.Status, status)
	}

	moved, err := s.builds.TransitionStatus(buildID, build.Status, status, errMsg)
	if err != nil {
		return err
	}
	if !moved {
		// The row changed under us; reload and let the agent retry against
		// the current state. A concurrent cancel is the common cause.
		current, err := s.builds.FindByID(buildID)
		if err != nil {
			return err
		}
		if current.Status == domain.BuildStatusCancelled {
			return ErrBuildCancelled
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, current.Status, status)
	}

	build.Status = status
	build.Error = errMsg

	switch status {
	case domain.BuildStatusCompleted:
		return s.onCompleted(build)
	case domain.BuildStatusFailed:
		s.onFailed(build, errMsg)
	}
	return nil
}

// onCompleted joins a finished build with its group. When every build in
// the group is done, one participating agent gets a create_manifest item
// and the service's image pointer moves to the combined tag. A build
// without a group updates the pointer directly.
func (s *Scheduler) onCompleted(build *domain.Build) error {
	service, err := s.services.FindByID(build.ServiceID)
	if err != nil {
		return fmt.Errorf("failed to load service: %w", err)
	}

	if build.BuildGroupID == nil {
		if err := s.services.SetImage(service.ID, build.ImageURI); err != nil {
			return fmt.Errorf("failed to update service image: %w", err)
		}
		slog.Info("Build completed",
			"layer", "builds", "build_id", build.ID, "image", build.ImageURI)
		return nil
	}

	group, err := s.builds.ListByGroup(*build.BuildGroupID)
	if err != nil {
		return fmt.Errorf("failed to load build group: %w", err)
	}

	images := make([]string, 0, len(group))
	for _, member := range group {
		if member.ID != build.ID && member.Status != domain.BuildStatusCompleted {
			return nil
		}
		images = append(images, member.ImageURI)
	}

	finalURI := s.combinedImageURI(service, build)
	if build.ClaimedBy == nil {
		return fmt.Errorf("completed build %s has no claiming server", build.ID)
	}
	if _, err := s.queue.Enqueue(*build.ClaimedBy, &domain.CreateManifestPayload{
		Images:        images,
		FinalImageURI: finalURI,
	}); err != nil {
		return err
	}
	if err := s.services.SetImage(service.ID, finalURI); err != nil {
		return fmt.Errorf("failed to update service image: %w", err)
	}

	slog.Info("Build group completed",
		"layer", "builds",
		"group_id", build.BuildGroupID,
		"images", len(images),
		"image", finalURI)
	return nil
}

func (s *Scheduler) onFailed(build *domain.Build, reason string) {
	service, err := s.services.FindByID(build.ServiceID)
	if err != nil {
		slog.Error("Failed to load service for build alert",
			"layer", "builds", "build_id", build.ID, "error", err)
		return
	}
	s.alerter.BuildFailed(build, service, reason)
}

// Cancel stops an in-flight build. Only pending through pushing builds can
// be cancelled; the agent learns about it when its next status report is
// rejected.
func (s *Scheduler) Cancel(buildID uuid.UUID) error {
	build, err := s.builds.FindByID(buildID)
	if err != nil {
		return err
	}
	if !build.Status.CanCancel() {
		return fmt.Errorf("%w: status %s", ErrCannotCancel, build.Status)
	}

	moved, err := s.builds.TransitionStatus(buildID, build.Status, domain.BuildStatusCancelled, "")
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: build moved on during cancel", ErrCannotCancel)
	}
	slog.Info("Build cancelled", "layer", "builds", "build_id", buildID)
	return nil
}

package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Anirudh-x/CyberForge-sub000/internal/catalog"
	"github.com/Anirudh-x/CyberForge-sub000/internal/docker"
	"github.com/Anirudh-x/CyberForge-sub000/internal/ports"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/config"
	pkgerrors "github.com/Anirudh-x/CyberForge-sub000/pkg/errors"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/metrics"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/models"
	"go.uber.org/zap"
)

// maxRetries is the number of times to retry image builds on transient errors.
const maxRetries = 3

// Result is the materialized outcome of a successful deployment.
type Result struct {
	ContainerID string
	ImageName   string
	Port        int
	Access      models.Access
}

// Deployer abstracts the container deploy/terminate lifecycle so that
// handlers and workers can be unit-tested without a real container engine.
type Deployer interface {
	// Deploy builds and runs the container for a machine, injecting every
	// instance's flag into the environment. primary determines the image
	// and exposed port.
	Deploy(ctx context.Context, conf *config.Config, machine *models.Machine, primary *catalog.Module) (*Result, error)

	// Terminate stops and removes the machine's container. Idempotent: a
	// container that is already gone is success.
	Terminate(ctx context.Context, conf *config.Config, machine *models.Machine) error

	// Stop halts the container without removing it; Resume restarts it.
	Stop(ctx context.Context, conf *config.Config, machine *models.Machine) error
	Resume(ctx context.Context, conf *config.Config, machine *models.Machine) error
}

// DockerDeployer is the production implementation of Deployer. One machine
// maps to one container: the primary module's image is built and every
// module's route is expected to be served from it.
type DockerDeployer struct {
	Runtime   *docker.Runtime
	Allocator *ports.Allocator
}

var _ Deployer = (*DockerDeployer)(nil)

func NewDockerDeployer(conf *config.Config) *DockerDeployer {
	runtime := docker.NewRuntime(docker.Opts{
		Binary:         conf.Orchestrator.DockerBinary,
		RunGracePeriod: conf.Orchestrator.RunGracePeriod,
	})
	allocator := ports.NewAllocator(ports.Opts{
		Base:         conf.Orchestrator.PortRangeStart,
		MaxAttempts:  conf.Orchestrator.PortMaxAttempts,
		ProbeTimeout: conf.Orchestrator.PortProbeTimeout,
		Containers:   runtime,
	})
	return &DockerDeployer{Runtime: runtime, Allocator: allocator}
}

func (d *DockerDeployer) Deploy(ctx context.Context, conf *config.Config, machine *models.Machine, primary *catalog.Module) (*Result, error) {
	imageRef, err := d.buildWithRetry(ctx, conf, machine, primary)
	if err != nil {
		return nil, err
	}

	hostPort, err := d.Allocator.Allocate(ctx)
	if err != nil {
		metrics.PortAllocationFailuresTotal.Inc()
		return nil, fmt.Errorf("port allocation for machine %s: %w", machine.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, conf.Orchestrator.RunTimeout+conf.Orchestrator.RunGracePeriod)
	defer cancel()
	containerID, err := d.Runtime.Run(runCtx, docker.RunSpec{
		Image:         imageRef,
		Name:          docker.ContainerName(machine.ID, machine.Name),
		HostPort:      hostPort,
		ContainerPort: primary.ContainerPort,
		Env:           flagEnv(machine),
	})
	if err != nil {
		return nil, fmt.Errorf("run container for machine %s: %w", machine.ID, err)
	}

	return &Result{
		ContainerID: containerID,
		ImageName:   imageRef,
		Port:        hostPort,
		Access:      BuildAccess(primary, conf.Orchestrator.PublicHost, hostPort),
	}, nil
}

func (d *DockerDeployer) buildWithRetry(ctx context.Context, conf *config.Config, machine *models.Machine, primary *catalog.Module) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		buildCtx, cancel := context.WithTimeout(ctx, conf.Orchestrator.BuildTimeout)
		imageRef, err := d.Runtime.BuildImage(buildCtx, primary.Domain, primary.ModuleID, primary.ContextDir)
		cancel()
		if err == nil {
			return imageRef, nil
		}
		lastErr = err
		var buildErr *docker.BuildError
		output := ""
		if errors.As(err, &buildErr) {
			output = buildErr.Stderr
		}
		if isTransient, pattern := pkgerrors.IsTransientError(err, output); isTransient && attempt < maxRetries {
			zap.S().Warnf("Transient error %s on build attempt %d/%d for machine %s, retrying: %v",
				pattern, attempt, maxRetries, machine.ID, err)
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
			continue
		}
		return "", fmt.Errorf("build image for machine %s: %w", machine.ID, err)
	}
	return "", fmt.Errorf("build image for machine %s failed after %d attempts: %w", machine.ID, maxRetries, lastErr)
}

func (d *DockerDeployer) Terminate(ctx context.Context, conf *config.Config, machine *models.Machine) error {
	if machine.ContainerID == nil || *machine.ContainerID == "" {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, conf.Orchestrator.StopTimeout)
	defer cancel()
	return d.Runtime.Stop(stopCtx, *machine.ContainerID)
}

func (d *DockerDeployer) Stop(ctx context.Context, conf *config.Config, machine *models.Machine) error {
	if machine.ContainerID == nil || *machine.ContainerID == "" {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, conf.Orchestrator.StopTimeout)
	defer cancel()
	return d.Runtime.Halt(stopCtx, *machine.ContainerID)
}

func (d *DockerDeployer) Resume(ctx context.Context, conf *config.Config, machine *models.Machine) error {
	if machine.ContainerID == nil || *machine.ContainerID == "" {
		return fmt.Errorf("machine %s has no container to resume", machine.ID)
	}
	startCtx, cancel := context.WithTimeout(ctx, conf.Orchestrator.RunTimeout)
	defer cancel()
	return d.Runtime.Start(startCtx, *machine.ContainerID)
}

// flagEnv builds the per-instance environment: each module's static server
// reads its own unique flag instead of hard-coding one. Same module,
// different machine yields same vulnerability, different flag.
func flagEnv(machine *models.Machine) map[string]string {
	env := make(map[string]string, len(machine.Instances))
	for _, inst := range machine.Instances {
		env[docker.FlagEnvName(inst.ModuleID)] = inst.Flag
	}
	return env
}

// BuildAccess shapes the access descriptor for a deployed machine from the
// primary module's declared solve method.
func BuildAccess(primary *catalog.Module, host string, hostPort int) models.Access {
	base := fmt.Sprintf("http://%s:%d", host, hostPort)
	switch primary.SolveMethod {
	case "terminal":
		return models.Access{
			Kind:             "terminal",
			ConnectionString: fmt.Sprintf("ssh ctf@%s -p %d", host, hostPort),
		}
	case "file":
		downloads := make([]string, 0, len(primary.Downloads))
		for _, dl := range primary.Downloads {
			downloads = append(downloads, base+"/"+dl)
		}
		return models.Access{Kind: "file", URL: base + primary.Route, Downloads: downloads}
	case "api":
		return models.Access{Kind: "api", URL: base + primary.Route}
	default:
		return models.Access{Kind: "gui", URL: base + primary.Route}
	}
}

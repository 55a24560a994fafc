// Package docker wraps the host container engine as a subprocess. All
// operations are context-bounded; stop treats a missing container as
// success so callers can retry teardown freely.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runtime executes container engine commands for machine deployments.
type Runtime struct {
	bin            string
	runGracePeriod time.Duration
}

// Opts configures a Runtime. Zero values fall back to the docker binary on
// PATH and a 10s run grace period.
type Opts struct {
	Binary         string
	RunGracePeriod time.Duration
}

func NewRuntime(opts Opts) *Runtime {
	bin := opts.Binary
	if bin == "" {
		bin = "docker"
	}
	grace := opts.RunGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Runtime{bin: bin, runGracePeriod: grace}
}

// BuildError carries the engine's stderr for operator logs. The raw output
// is never shown to end users.
type BuildError struct {
	ImageRef string
	Stderr   string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v: %s", e.ImageRef, e.Err, lastLines(e.Stderr, 5))
}

func (e *BuildError) Unwrap() error { return e.Err }

// RunError reports a container that failed to start or exited during the
// grace period.
type RunError struct {
	Name   string
	Reason string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: %s", e.Name, e.Reason)
}

func (e *RunError) Unwrap() error { return e.Err }

// BuildImage builds the image for a module from its context directory and
// returns the image reference. Rebuilding an unchanged context is a cache
// hit, so the operation is naturally idempotent.
func (r *Runtime) BuildImage(ctx context.Context, domain, moduleID, contextDir string) (string, error) {
	ref := ImageName(domain, moduleID)
	cmd := exec.CommandContext(ctx, r.bin, "build", "-t", ref, contextDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &BuildError{ImageRef: ref, Stderr: stderr.String(), Err: err}
	}
	return ref, nil
}

// RunSpec describes one container start.
type RunSpec struct {
	Image         string
	Name          string
	HostPort      int
	ContainerPort int
	Env           map[string]string
}

// Run starts a detached container and verifies it is still running after the
// grace period. A container that exits immediately is reported as a failure,
// not success, and removed best-effort.
func (r *Runtime) Run(ctx context.Context, spec RunSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name,
		"-p", fmt.Sprintf("%d:%d", spec.HostPort, spec.ContainerPort)}
	// Stable ordering keeps the issued command reproducible in logs.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, spec.Image)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &RunError{Name: spec.Name, Reason: lastLines(stderr.String(), 5), Err: err}
	}
	containerID := strings.TrimSpace(stdout.String())

	if err := r.awaitRunning(ctx, containerID); err != nil {
		logs := r.tailLogs(ctx, containerID, 20)
		r.removeQuietly(containerID)
		return "", &RunError{Name: spec.Name, Reason: fmt.Sprintf("container exited during grace period: %s", logs), Err: err}
	}
	return containerID, nil
}

// awaitRunning polls the container state until the grace period elapses.
// It succeeds only if the container is still running at the deadline.
func (r *Runtime) awaitRunning(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(r.runGracePeriod)
	for {
		running, err := r.inspectRunning(ctx, containerID)
		if err != nil {
			return err
		}
		if !running {
			return fmt.Errorf("container %s not running", containerID)
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (r *Runtime) inspectRunning(ctx context.Context, containerID string) (bool, error) {
	cmd := exec.CommandContext(ctx, r.bin, "inspect", "-f", "{{.State.Running}}", containerID)
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", containerID, err)
	}
	return strings.TrimSpace(string(output)) == "true", nil
}

// Start restarts a previously stopped container.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, r.bin, "start", containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("start %s: %w: %s", containerID, err, lastLines(stderr.String(), 3))
	}
	return nil
}

// Halt stops a container without removing it, so a later Start can resume
// it. A container that is already gone is treated as success.
func (r *Runtime) Halt(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, r.bin, "stop", containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isGone(stderr.String()) {
			return nil
		}
		return fmt.Errorf("stop %s: %w: %s", containerID, err, lastLines(stderr.String(), 3))
	}
	return nil
}

// Stop stops and removes a container. A container that is already gone is
// treated as success.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	stop := exec.CommandContext(ctx, r.bin, "stop", containerID)
	var stopErr bytes.Buffer
	stop.Stderr = &stopErr
	if err := stop.Run(); err != nil && !isGone(stopErr.String()) {
		// A failed stop is not fatal; rm -f below covers it.
		zap.S().Warnf("stop container %s: %v: %s", containerID, err, lastLines(stopErr.String(), 3))
	}

	rm := exec.CommandContext(ctx, r.bin, "rm", "-f", containerID)
	var rmErr bytes.Buffer
	rm.Stderr = &rmErr
	if err := rm.Run(); err != nil {
		if isGone(rmErr.String()) {
			return nil
		}
		return fmt.Errorf("remove %s: %w: %s", containerID, err, lastLines(rmErr.String(), 3))
	}
	return nil
}

func isGone(stderr string) bool {
	return strings.Contains(stderr, "No such container")
}

var hostPortBinding = regexp.MustCompile(`:(\d+)->`)

// UsedHostPorts returns the host ports currently mapped by any container,
// as the engine sees them. The OS socket table may not reflect these
// bindings on every platform, so allocation checks both.
func (r *Runtime) UsedHostPorts(ctx context.Context) (map[int]struct{}, error) {
	cmd := exec.CommandContext(ctx, r.bin, "ps", "--format", "{{.Ports}}")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list container port bindings: %w", err)
	}
	used := make(map[int]struct{})
	for _, m := range hostPortBinding.FindAllStringSubmatch(string(output), -1) {
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		used[port] = struct{}{}
	}
	return used, nil
}

func (r *Runtime) tailLogs(ctx context.Context, containerID string, n int) string {
	cmd := exec.CommandContext(ctx, r.bin, "logs", "--tail", strconv.Itoa(n), containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "(logs unavailable)"
	}
	return strings.TrimSpace(string(output))
}

func (r *Runtime) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Stop(ctx, containerID); err != nil {
		zap.S().Warnf("cleanup of dead container %s failed: %v", containerID, err)
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

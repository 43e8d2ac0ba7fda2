// Package sandbox runs a materialized artifact in an isolated, throwaway
// Docker container and reports the result.
//
// Grounded on internal/ruriko/runtime/docker.Adapter: Pulsus reuses the same
// Docker Engine client wiring, label scheme, and inspect/stop/remove
// lifecycle, repurposed from long-lived agent containers to one-shot dry
// runs. Where the agent runtime spawned a container meant to keep running
// under a restart policy, the sandbox spawns one meant to exit on its own
// within WallClock and is force-removed unconditionally afterward.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManagedBy = "pulsus.managed-by"
	labelRunID     = "pulsus.run-id"
	managedByValue = "pulsus"

	// maxCapturedOutput bounds how much of stdout, and separately of stderr,
	// is retained.
	maxCapturedOutput = 64 * 1024
)

// Limits bounds one sandboxed execution.
type Limits struct {
	WallClock        time.Duration
	MemoryBytes      int64
	AllowedReadRoots []string
}

// Result is the outcome of one sandboxed dry run.
type Result struct {
	ExitCode    int
	TimedOut    bool
	OOMKilled   bool
	Stdout      string
	Stderr      string
	Truncated   bool
	DurationMS  int64
}

// Executor runs artifacts in Docker containers with two independent
// isolation mechanisms required for dry-run isolation: NetworkMode "none"
// removes the network device entirely, and dropping every Linux capability
// plus a read-only root filesystem denies raw-socket creation and arbitrary
// writes even if a future change to the first mechanism left a network
// device reachable.
type Executor struct {
	client *dockerclient.Client
	image  string
}

// NewExecutor returns an Executor using image as the base runtime image for
// every dry run (expected to contain the language toolchain the artifact
// needs — Python by default, matching the Validator Pipeline's default
// tools).
func NewExecutor(image string) (*Executor, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &Executor{client: cli, image: image}, nil
}

// Run mounts artifactPath read-only into a throwaway container and executes
// command inside it, enforcing lim. The container is always force-removed
// before Run returns, whether the run succeeded, failed, or timed out.
func (e *Executor) Run(ctx context.Context, runID string, artifactPath string, command []string, lim Limits) (Result, error) {
	wall := lim.WallClock
	if wall <= 0 {
		wall = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: lim.MemoryBytes,
		},
		Binds:          []string{artifactPath + ":/workspace/artifact:ro"},
		ExtraHosts:     []string{},
		AutoRemove:     false,
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "size=64m"},
	}
	for _, root := range lim.AllowedReadRoots {
		hostCfg.Binds = append(hostCfg.Binds, root+":"+root+":ro")
	}

	containerCfg := &container.Config{
		Image: e.image,
		Cmd:   command,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelRunID:     runID,
		},
		WorkingDir: "/workspace",
	}

	resp, err := e.client.ContainerCreate(runCtx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "pulsus-sandbox-"+runID)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: create container: %w", err)
	}
	defer e.forceRemove(context.Background(), resp.ID)

	start := time.Now()
	if err := e.client.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("sandbox: start container: %w", err)
	}

	statusCh, errCh := e.client.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	var timedOut bool
	select {
	case err := <-errCh:
		if runCtx.Err() != nil {
			timedOut = true
			e.escalateStop(resp.ID)
		} else if err != nil {
			return Result{}, fmt.Errorf("sandbox: wait container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		timedOut = true
		e.escalateStop(resp.ID)
	}

	stdout, stderr, truncated := e.captureLogs(context.Background(), resp.ID)

	inspect, inspectErr := e.client.ContainerInspect(context.Background(), resp.ID)
	oomKilled := inspectErr == nil && inspect.State != nil && inspect.State.OOMKilled

	return Result{
		ExitCode:   exitCode,
		TimedOut:   timedOut,
		OOMKilled:  oomKilled,
		Stdout:     stdout,
		Stderr:     stderr,
		Truncated:  truncated,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// escalateStop tries a graceful stop before SIGKILL, the same escalation
// shape used for stopping/restarting a long-lived container.
func (e *Executor) escalateStop(containerID string) {
	timeout := 2
	_ = e.client.ContainerStop(context.Background(), containerID, container.StopOptions{Timeout: &timeout})
	_ = e.client.ContainerKill(context.Background(), containerID, "SIGKILL")
}

func (e *Executor) forceRemove(ctx context.Context, containerID string) {
	_ = e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (e *Executor) captureLogs(ctx context.Context, containerID string) (stdout, stderr string, truncated bool) {
	rc, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", false
	}
	defer rc.Close()

	var outBuf, errBuf bytes.Buffer
	limitedOut := &limitedWriter{w: &outBuf, limit: maxCapturedOutput}
	limitedErr := &limitedWriter{w: &errBuf, limit: maxCapturedOutput}
	_, _ = stdcopy.StdCopy(limitedOut, limitedErr, rc)
	return outBuf.String(), errBuf.String(), limitedOut.truncated || limitedErr.truncated
}

// limitedWriter caps how many bytes are retained from a stream, matching
// the spec's stdout/stderr truncation-at-cap requirement.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	consumed := len(p)
	if l.written >= l.limit {
		l.truncated = true
		return consumed, nil
	}
	remaining := l.limit - l.written
	if len(p) > remaining {
		p = p[:remaining]
		l.truncated = true
	}
	n, err := l.w.Write(p)
	l.written += n
	return consumed, err
}

package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const shellOutputCap = 16 * 1024

// ShellSandbox runs shell commands in throwaway containers with no network
// and only the agent workspace mounted. The host shell is never exposed to
// model output.
type ShellSandbox struct {
	cli       *client.Client
	image     string
	workspace string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewShellSandbox(image, workspace string, timeout time.Duration, logger *slog.Logger) (*ShellSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &ShellSandbox{
		cli:       cli,
		image:     image,
		workspace: workspace,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Tool wraps the sandbox as a registry tool.
func (s *ShellSandbox) Tool() Tool {
	return Tool{
		Name:        "shell",
		Description: "run a shell command in an isolated container (no network, workspace mounted at /workspace)",
		Run:         s.Run,
	}
}

// Run executes one command and returns combined output, capped.
func (s *ShellSandbox) Run(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty command")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wsPath, err := filepath.Abs(s.workspace)
	if err != nil {
		return "", err
	}

	resp, err := s.cli.ContainerCreate(runCtx,
		&container.Config{
			Image:           s.image,
			Cmd:             []string{"sh", "-c", command},
			WorkingDir:      "/workspace",
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: wsPath, Target: "/workspace"},
			},
			AutoRemove: false,
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		if err := s.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Warn("failed to remove sandbox container", "container", resp.ID, "error", err)
		}
	}()

	if err := s.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := s.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-runCtx.Done():
		return "", fmt.Errorf("shell command timed out after %s", s.timeout)
	}

	output, err := s.collectLogs(resp.ID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return output, fmt.Errorf("command exited %d", exitCode)
	}
	return output, nil
}

func (s *ShellSandbox) collectLogs(containerID string) (string, error) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := s.cli.ContainerLogs(logCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	defer rc.Close()

	var out, errOut strings.Builder
	if _, err := stdcopy.StdCopy(&out, &errOut, io.LimitReader(rc, shellOutputCap)); err != nil {
		return "", fmt.Errorf("demux container logs: %w", err)
	}
	combined := out.String()
	if errOut.Len() > 0 {
		combined += errOut.String()
	}
	if len(combined) > shellOutputCap {
		combined = combined[:shellOutputCap] + "\n[output truncated]"
	}
	return combined, nil
}

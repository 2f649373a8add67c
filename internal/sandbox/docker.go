package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// dockerSandbox is one live container.
type dockerSandbox struct {
	id     string
	cli    *client.Client
	cfg    Config
}

func (d *dockerSandbox) ID() string { return d.id }

func (d *dockerSandbox) Exec(ctx context.Context, cmd []string, workdir string) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, d.id, execCfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec create: %w", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	limit := int64(d.cfg.MaxOutputBytes)
	if limit <= 0 {
		limit = 1 << 20
	}
	if _, err := demuxLimited(&stdout, &stderr, attach.Reader, limit); err != nil && err != io.EOF {
		return nil, fmt.Errorf("sandbox: reading exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *dockerSandbox) Close(ctx context.Context) error {
	timeout := 5
	if err := d.cli.ContainerStop(ctx, d.id, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("sandbox: container stop failed", "id", d.id, "error", err)
	}
	return d.cli.ContainerRemove(ctx, d.id, container.RemoveOptions{Force: true})
}

// dockerManager implements Manager against the local Docker Engine API.
type dockerManager struct {
	*managerState
	cli *client.Client
}

// NewDockerManager connects to the Docker daemon using the standard
// DOCKER_HOST/DOCKER_CERT_PATH environment, matching docker CLI discovery.
func NewDockerManager(cfg Config) (Manager, error) {
	if cfg.Mode == ModeOff {
		return &dockerManager{managerState: newManagerState(cfg)}, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &dockerManager{managerState: newManagerState(cfg), cli: cli}, nil
}

func (m *dockerManager) Get(ctx context.Context, sandboxKey, workspace string) (Sandbox, error) {
	if err := errDisabled(m.cfg.Mode); err != nil {
		return nil, err
	}
	key := scopeKey(m.cfg.Scope, sandboxKey, workspace)
	if sb, ok := m.get(key); ok {
		return sb, nil
	}
	sb, err := m.create(ctx, key, workspace)
	if err != nil {
		return nil, err
	}
	m.put(key, sb)
	return sb, nil
}

func (m *dockerManager) create(ctx context.Context, key, workspace string) (Sandbox, error) {
	var mounts []mount.Mount
	if m.cfg.WorkspaceAccess != AccessNone && workspace != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   workspace,
			Target:   "/workspace",
			ReadOnly: m.cfg.WorkspaceAccess == AccessRO,
		})
	}

	resources := container.Resources{
		Memory:   int64(m.cfg.MemoryMB) * 1024 * 1024,
		NanoCPUs: int64(m.cfg.CPUs * 1e9),
	}
	if m.cfg.TmpfsSizeMB > 0 {
		resources.Memory += int64(m.cfg.TmpfsSizeMB) * 1024 * 1024
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		Resources:   resources,
		ReadonlyRootfs: m.cfg.ReadOnlyRoot,
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if m.cfg.NetworkEnabled {
		hostCfg.NetworkMode = "bridge"
	}

	env := make([]string, 0, len(m.cfg.Env))
	for k, v := range m.cfg.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:      m.cfg.Image,
		Env:        env,
		WorkingDir: "/workspace",
		Tty:        false,
		Cmd:        []string{"sleep", "infinity"},
		User:       m.cfg.User,
		ExposedPorts: nat.PortSet{},
	}

	resp, err := m.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, fmtContainerName("goclaw-sandbox", key))
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	sb := &dockerSandbox{id: resp.ID, cli: m.cli, cfg: m.cfg}

	if m.cfg.SetupCommand != "" {
		timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.TimeoutSec)*time.Second)
		defer cancel()
		if _, err := sb.Exec(timeoutCtx, []string{"sh", "-c", m.cfg.SetupCommand}, "/workspace"); err != nil {
			slog.Warn("sandbox: setup command failed", "container", resp.ID, "error", err)
		}
	}

	return sb, nil
}

func (m *dockerManager) Prune(ctx context.Context) (int, error) {
	boxes := m.snapshot()
	n := 0
	for key, sb := range boxes {
		if err := sb.Close(ctx); err != nil {
			slog.Warn("sandbox: prune close failed", "key", key, "error", err)
			continue
		}
		m.remove(key)
		n++
	}
	return n, nil
}

func (m *dockerManager) Close() error {
	if m.cli == nil {
		return nil
	}
	return m.cli.Close()
}

// demuxLimited copies Docker's multiplexed stdout/stderr stream into the two
// buffers, stopping once their combined size reaches limit bytes.
func demuxLimited(stdout, stderr *bytes.Buffer, r io.Reader, limit int64) (int64, error) {
	var total int64
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return total, io.EOF
			}
			return total, err
		}
		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		remaining := size
		for remaining > 0 {
			if total >= limit {
				io.CopyN(io.Discard, r, remaining)
				break
			}
			chunk := remaining
			if chunk > 32*1024 {
				chunk = 32 * 1024
			}
			n, err := io.CopyN(dst, r, chunk)
			total += n
			remaining -= n
			if err != nil {
				return total, err
			}
		}
	}
}

// buildTarArchive wraps a single file's content as a tar stream for
// CopyToContainer, used by FsBridge.WriteFile.
func buildTarArchive(name string, content []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: strings.TrimPrefix(name, "/"), Mode: 0644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

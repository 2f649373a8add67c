package sandbox

import (
	"archive/tar"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// FsBridge reads/writes a single container's filesystem directly, used by
// tools that need sandboxed file access without a shell round-trip.
type FsBridge struct {
	containerID string
	base        string
	cli         *client.Client
}

// NewFsBridge opens a bridge to an already-running container. base is the
// in-container root (e.g. "/workspace") that relative paths resolve against.
func NewFsBridge(containerID, base string) *FsBridge {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		// Deferred: surfaced on first use rather than at construction, since
		// callers only hold the returned value, not an error.
		return &FsBridge{containerID: containerID, base: base}
	}
	return &FsBridge{containerID: containerID, base: base, cli: cli}
}

func (b *FsBridge) ReadFile(ctx context.Context, path string) (string, error) {
	if b.cli == nil {
		return "", fmt.Errorf("sandbox: fs bridge has no docker client")
	}
	full := joinContainerPath(b.base, path)
	rc, _, err := b.cli.CopyFromContainer(ctx, b.containerID, full)
	if err != nil {
		return "", fmt.Errorf("sandbox: copy from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return "", fmt.Errorf("sandbox: reading tar entry for %s: %w", full, err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return "", fmt.Errorf("sandbox: reading tar content for %s: %w", full, err)
	}
	return string(data), nil
}

func (b *FsBridge) WriteFile(ctx context.Context, path string, content []byte) error {
	if b.cli == nil {
		return fmt.Errorf("sandbox: fs bridge has no docker client")
	}
	full := joinContainerPath(b.base, path)
	archive, err := buildTarArchive(full, content)
	if err != nil {
		return fmt.Errorf("sandbox: building tar archive: %w", err)
	}
	return b.cli.CopyToContainer(ctx, b.containerID, "/", archive, container.CopyToContainerOptions{})
}

func joinContainerPath(base, path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path
	}
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + path
	}
	return base + "/" + path
}

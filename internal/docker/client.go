// Package docker wraps the Docker Engine API client and converts its
// responses to the dashboard model.
package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/web-casa/dockwatch/internal/apperrors"
	"github.com/web-casa/dockwatch/internal/model"
)

// Prune kinds accepted by Prune.
const (
	PruneContainers = "containers"
	PruneImages     = "images"
	PruneVolumes    = "volumes"
	PruneNetworks   = "networks"
)

const stopTimeoutSeconds = 10

// Client wraps the Docker Engine API client with convenience methods.
type Client struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewClient creates a Client connected to the Docker daemon at host.
// An empty host falls back to DOCKER_HOST and then the default socket.
func NewClient(host string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &apperrors.DockerError{Op: "create docker client", Err: err}
	}
	return &Client{cli: cli, logger: logger.With("module", "docker")}, nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return wrap("ping docker daemon", "", err)
	}
	return nil
}

// wrap converts a daemon error to a DockerError, marking not-found errors so
// handlers can answer 404.
func wrap(op, id string, err error) error {
	if errdefs.IsNotFound(err) {
		err = errors.Join(apperrors.ErrNotFound, err)
	}
	return &apperrors.DockerError{Op: op, ID: id, Err: err}
}

// ── Containers ──

// ListContainers returns all containers, including stopped ones.
func (c *Client) ListContainers(ctx context.Context) ([]model.Container, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, wrap("list containers", "", err)
	}

	result := make([]model.Container, 0, len(containers))
	for _, ctr := range containers {
		result = append(result, toContainer(ctr))
	}
	return result, nil
}

func toContainer(ctr types.Container) model.Container {
	name := ""
	if len(ctr.Names) > 0 {
		name = strings.TrimPrefix(ctr.Names[0], "/")
	}
	project, service := FormatComposeProject(ctr.Labels)
	return model.Container{
		ID:             ShortID(ctr.ID),
		Name:           name,
		Image:          ctr.Image,
		Status:         ctr.Status,
		State:          NormalizeState(ctr.State),
		Ports:          FormatPorts(ctr.Ports),
		ComposeProject: project,
		ComposeService: service,
		Created:        time.Unix(ctr.Created, 0).UTC(),
	}
}

// InspectContainer returns a single container by id or name.
func (c *Client) InspectContainer(ctx context.Context, id string) (*model.Container, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrap("inspect container", id, err)
	}

	ctr := &model.Container{
		ID:   ShortID(info.ID),
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		ctr.Image = info.Config.Image
		ctr.ComposeProject, ctr.ComposeService = FormatComposeProject(info.Config.Labels)
	} else {
		ctr.ComposeProject, ctr.ComposeService = FormatComposeProject(nil)
	}
	if info.State != nil {
		ctr.State = NormalizeState(info.State.Status)
		ctr.Status = info.State.Status
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		ctr.Created = t.UTC()
	}
	if info.NetworkSettings != nil {
		var ports []types.Port
		for p, bindings := range info.NetworkSettings.Ports {
			if len(bindings) == 0 {
				ports = append(ports, types.Port{PrivatePort: uint16(p.Int()), Type: p.Proto()})
				continue
			}
			for _, b := range bindings {
				public, _ := strconv.Atoi(b.HostPort)
				ports = append(ports, types.Port{PrivatePort: uint16(p.Int()), PublicPort: uint16(public), Type: p.Proto()})
			}
		}
		ctr.Ports = FormatPorts(ports)
	}
	return ctr, nil
}

func (c *Client) isTTY(ctx context.Context, id string) (bool, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, wrap("inspect container", id, err)
	}
	return info.Config != nil && info.Config.Tty, nil
}

// ContainerLogs returns the last tail lines of stdout and stderr with
// timestamps. A tail of zero or less returns 100 lines.
func (c *Client) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	tty, err := c.isTTY(ctx, id)
	if err != nil {
		return "", err
	}
	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", wrap("get logs for", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil {
		return "", wrap("read logs for", id, err)
	}
	return buf.String(), nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return wrap("start container", id, err)
	}
	return nil
}

// StopContainer stops a running container with a timeout.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return wrap("stop container", id, err)
	}
	return nil
}

// RestartContainer restarts a container.
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := c.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return wrap("restart container", id, err)
	}
	return nil
}

// RemoveContainer removes a container (force).
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return wrap("remove container", id, err)
	}
	return nil
}

// RebuildContainer recreates a container from a freshly pulled image with the
// same name and configuration, and returns the new container id.
func (c *Client) RebuildContainer(ctx context.Context, id string) (string, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", wrap("inspect container", id, err)
	}
	if info.Config == nil {
		return "", wrap("rebuild container", id, errors.New("container has no config"))
	}
	name := strings.TrimPrefix(info.Name, "/")
	logger := c.logger.With("container", name)

	logger.Info("rebuilding container", "image", info.Config.Image)
	if info.State != nil && info.State.Running {
		if err := c.StopContainer(ctx, id); err != nil {
			return "", err
		}
	}
	if err := c.RemoveContainer(ctx, id); err != nil {
		return "", err
	}

	rc, err := c.cli.ImagePull(ctx, info.Config.Image, image.PullOptions{})
	if err != nil {
		return "", wrap("pull image", info.Config.Image, err)
	}
	// The pull only completes once its progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	rc.Close()
	if err != nil {
		return "", wrap("pull image", info.Config.Image, err)
	}

	created, err := c.cli.ContainerCreate(ctx, info.Config, info.HostConfig, nil, nil, name)
	if err != nil {
		return "", wrap("create container", name, err)
	}
	if err := c.StartContainer(ctx, created.ID); err != nil {
		return "", err
	}
	for _, w := range created.Warnings {
		logger.Warn("create warning", "warning", w)
	}
	logger.Info("container rebuilt", "id", ShortID(created.ID))
	return ShortID(created.ID), nil
}

// ── Images ──

// ListImages returns all local images.
func (c *Client) ListImages(ctx context.Context) ([]model.Image, error) {
	images, err := c.cli.ImageList(ctx, image.ListOptions{All: true})
	if err != nil {
		return nil, wrap("list images", "", err)
	}

	result := make([]model.Image, 0, len(images))
	for _, img := range images {
		tags := img.RepoTags
		if tags == nil {
			tags = []string{}
		}
		result = append(result, model.Image{
			ID:          ShortID(img.ID),
			Tags:        tags,
			Size:        bytesToMB(img.Size),
			Created:     time.Unix(img.Created, 0).UTC(),
			RepoDigests: img.RepoDigests,
			ParentID:    ShortID(img.ParentID),
			Labels:      img.Labels,
		})
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Created.After(result[j].Created) })
	return result, nil
}

// RemoveImage removes an image.
func (c *Client) RemoveImage(ctx context.Context, id string, force bool) error {
	if _, err := c.cli.ImageRemove(ctx, id, image.RemoveOptions{Force: force, PruneChildren: true}); err != nil {
		return wrap("remove image", id, err)
	}
	return nil
}

// ImageHistory returns the layers of an image, newest first.
func (c *Client) ImageHistory(ctx context.Context, id string) ([]model.ImageHistoryEntry, error) {
	items, err := c.cli.ImageHistory(ctx, id)
	if err != nil {
		return nil, wrap("get history for image", id, err)
	}
	result := make([]model.ImageHistoryEntry, 0, len(items))
	for _, it := range items {
		result = append(result, model.ImageHistoryEntry{
			ID:        ShortID(it.ID),
			Created:   time.Unix(it.Created, 0).UTC(),
			CreatedBy: it.CreatedBy,
			Size:      bytesToMB(it.Size),
			Tags:      it.Tags,
			Comment:   it.Comment,
		})
	}
	return result, nil
}

// ── System ──

// Prune removes unused objects of the given kind.
func (c *Client) Prune(ctx context.Context, kind string) (*model.PruneReport, error) {
	report := &model.PruneReport{Kind: kind, Deleted: []string{}}
	switch kind {
	case PruneContainers:
		r, err := c.cli.ContainersPrune(ctx, filters.Args{})
		if err != nil {
			return nil, wrap("prune containers", "", err)
		}
		for _, id := range r.ContainersDeleted {
			report.Deleted = append(report.Deleted, ShortID(id))
		}
		report.SpaceReclaimed = r.SpaceReclaimed
	case PruneImages:
		r, err := c.cli.ImagesPrune(ctx, filters.Args{})
		if err != nil {
			return nil, wrap("prune images", "", err)
		}
		for _, d := range r.ImagesDeleted {
			if d.Deleted != "" {
				report.Deleted = append(report.Deleted, ShortID(d.Deleted))
			}
		}
		report.SpaceReclaimed = r.SpaceReclaimed
	case PruneVolumes:
		r, err := c.cli.VolumesPrune(ctx, filters.Args{})
		if err != nil {
			return nil, wrap("prune volumes", "", err)
		}
		report.Deleted = append(report.Deleted, r.VolumesDeleted...)
		report.SpaceReclaimed = r.SpaceReclaimed
	case PruneNetworks:
		r, err := c.cli.NetworksPrune(ctx, filters.Args{})
		if err != nil {
			return nil, wrap("prune networks", "", err)
		}
		report.Deleted = append(report.Deleted, r.NetworksDeleted...)
	default:
		return nil, &apperrors.ValidationError{Field: "kind", Message: "unsupported prune kind: " + kind}
	}
	c.logger.Info("pruned", "kind", kind, "deleted", len(report.Deleted), "space_reclaimed", report.SpaceReclaimed)
	return report, nil
}

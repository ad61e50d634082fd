package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var _ Client = &Docker{}

type DockerConfig struct {
	Log        logr.Logger
	Host       string
	APIVersion string
	Platform   string
}

func (cfg *DockerConfig) Apply(opts ...DockerOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type DockerOption func(cfg *DockerConfig) error

// WithHost overrides DOCKER_HOST.
func WithHost(host string) DockerOption {
	return func(cfg *DockerConfig) error {
		cfg.Host = host
		return nil
	}
}

// WithAPIVersion pins the engine API version and disables negotiation.
func WithAPIVersion(version string) DockerOption {
	return func(cfg *DockerConfig) error {
		cfg.APIVersion = version
		return nil
	}
}

// WithPlatform sets the platform used for pulls and container creation.
func WithPlatform(platform string) DockerOption {
	return func(cfg *DockerConfig) error {
		if platform == "" {
			return nil
		}
		if _, err := platforms.Parse(platform); err != nil {
			return fmt.Errorf("invalid platform %s: %w", platform, err)
		}
		cfg.Platform = platform
		return nil
	}
}

func WithDockerLogger(log logr.Logger) DockerOption {
	return func(cfg *DockerConfig) error {
		cfg.Log = log
		return nil
	}
}

// Docker talks to a Docker compatible engine over its HTTP API.
type Docker struct {
	client   *client.Client
	platform *ocispec.Platform
	log      logr.Logger
}

func NewDocker(opts ...DockerOption) (*Docker, error) {
	cfg := DockerConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	clientOpts := []client.Opt{client.FromEnv}
	if cfg.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(cfg.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}
	c, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}

	d := &Docker{
		client: c,
		log:    cfg.Log,
	}
	if cfg.Platform != "" {
		p, err := platforms.Parse(cfg.Platform)
		if err != nil {
			return nil, err
		}
		p = platforms.Normalize(p)
		d.platform = &p
	}
	return d, nil
}

func (d *Docker) Name() string {
	return "docker"
}

func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) Verify(ctx context.Context) error {
	ping, err := d.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("could not reach container engine: %w", err)
	}
	d.log.Info("connected to container engine", "apiVersion", ping.APIVersion, "os", ping.OSType)
	return nil
}

func (d *Docker) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.ImageInspect(ctx, ref)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Docker) InspectImage(ctx context.Context, ref string) (Image, error) {
	resp, err := d.client.ImageInspect(ctx, ref)
	if err != nil {
		return Image{}, err
	}
	return Image{
		ID:          resp.ID,
		RepoTags:    resp.RepoTags,
		RepoDigests: resp.RepoDigests,
	}, nil
}

func (d *Docker) PullImage(ctx context.Context, ref string) error {
	opts := image.PullOptions{}
	if d.platform != nil {
		opts.Platform = platforms.Format(*d.platform)
	}
	rc, err := d.client.ImagePull(ctx, ref, opts)
	if err != nil {
		return err
	}
	defer rc.Close()

	// Errors after the response started are only reported inside the progress stream.
	err = jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil)
	if err != nil {
		var jsonErr *jsonmessage.JSONError
		if errors.As(err, &jsonErr) && isNotFoundMessage(jsonErr.Message) {
			return errors.Join(errdefs.ErrNotFound, err)
		}
		return fmt.Errorf("pull of %s failed: %w", ref, err)
	}
	return nil
}

func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.client.ImageRemove(ctx, ref, image.RemoveOptions{Force: false, PruneChildren: true})
	return err
}

func (d *Docker) GetContainer(ctx context.Context, nameOrID string) (Container, error) {
	resp, err := d.client.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return Container{}, err
	}
	c := Container{
		Name:     strings.TrimPrefix(resp.Name, "/"),
		Networks: map[string]string{},
	}
	if resp.ContainerJSONBase != nil {
		c.ID = resp.ID
		if resp.State != nil {
			c.State = string(resp.State.Status)
		}
	}
	if resp.Config != nil {
		c.Image = resp.Config.Image
		c.Labels = resp.Config.Labels
	}
	if resp.NetworkSettings != nil {
		for name, ep := range resp.NetworkSettings.Networks {
			if ep == nil {
				continue
			}
			c.Networks[name] = ep.IPAddress
		}
	}
	return c, nil
}

func (d *Docker) RunContainer(ctx context.Context, spec RunSpec) (Container, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: spec.AutoRemove,
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}
	created, err := d.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, d.platform, spec.Name)
	if err != nil {
		return Container{}, fmt.Errorf("could not create container %s: %w", spec.Name, err)
	}
	for _, warning := range created.Warnings {
		d.log.Info("container create warning", "name", spec.Name, "warning", warning)
	}
	partial := Container{ID: created.ID, Name: spec.Name, Image: spec.Image, Labels: spec.Labels, State: StateCreated}
	err = d.client.ContainerStart(ctx, created.ID, container.StartOptions{})
	if err != nil {
		return partial, fmt.Errorf("could not start container %s: %w", spec.Name, err)
	}
	c, err := d.GetContainer(ctx, created.ID)
	if err != nil {
		return partial, fmt.Errorf("could not inspect started container %s: %w", spec.Name, err)
	}
	return c, nil
}

func (d *Docker) ListContainers(ctx context.Context, filter ListFilter) ([]Container, error) {
	args := filters.NewArgs()
	if filter.Label != "" {
		args.Add("label", filter.Label)
	}
	if filter.RunningOnly {
		args.Add("status", StateRunning)
	}
	summaries, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     !filter.RunningOnly,
		Filters: args,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		c := Container{
			ID:       s.ID,
			Image:    s.Image,
			State:    string(s.State),
			Labels:   s.Labels,
			Networks: map[string]string{},
		}
		if len(s.Names) > 0 {
			c.Name = strings.TrimPrefix(s.Names[0], "/")
		}
		if s.NetworkSettings != nil {
			for name, ep := range s.NetworkSettings.Networks {
				if ep == nil {
					continue
				}
				c.Networks[name] = ep.IPAddress
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *Docker) StopContainer(ctx context.Context, id string) error {
	err := d.client.ContainerStop(ctx, id, container.StopOptions{})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *Docker) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := d.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Docker) CreateNetwork(ctx context.Context, name string) error {
	_, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	return err
}

func (d *Docker) ContainerNetworks(ctx context.Context, nameOrID string) ([]string, error) {
	c, err := d.GetContainer(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	return names, nil
}

func (d *Docker) ConnectNetwork(ctx context.Context, network, nameOrID string) error {
	return d.client.NetworkConnect(ctx, network, nameOrID, nil)
}

func isNotFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "manifest unknown") || strings.Contains(msg, "does not exist")
}

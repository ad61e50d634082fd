package runtime

import (
	"context"
	"strings"

	"github.com/opencontainers/go-digest"
)

// LabelImageName is carried by every managed instance and holds the artifact
// reference it was started from. The reaper relies on it to map instances
// back to ledger entries.
const LabelImageName = "dev.gemini.proxy.image-name"

const (
	StateCreated    = "created"
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateRemoving   = "removing"
	StateExited     = "exited"
	StateDead       = "dead"
)

// Client is the set of container runtime operations the proxy depends on.
// Errors are classified with github.com/containerd/errdefs.
type Client interface {
	Name() string
	Verify(ctx context.Context) error

	ImageExists(ctx context.Context, ref string) (bool, error)
	InspectImage(ctx context.Context, ref string) (Image, error)
	PullImage(ctx context.Context, ref string) error
	// RemoveImage never forces; removing an image still referenced elsewhere
	// fails with a conflict.
	RemoveImage(ctx context.Context, ref string) error

	GetContainer(ctx context.Context, nameOrID string) (Container, error)
	// RunContainer creates and starts a detached container. When creation
	// succeeded but start failed the returned Container carries the ID so
	// the caller can roll back.
	RunContainer(ctx context.Context, spec RunSpec) (Container, error)
	ListContainers(ctx context.Context, filter ListFilter) ([]Container, error)
	// StopContainer treats a missing container as already stopped.
	StopContainer(ctx context.Context, id string) error

	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, name string) error
	ContainerNetworks(ctx context.Context, nameOrID string) ([]string, error)
	ConnectNetwork(ctx context.Context, network, nameOrID string) error
}

type Image struct {
	ID          string
	RepoTags    []string
	RepoDigests []string
}

// DigestedRepositories returns the repositories of all well formed repo digests.
func (img Image) DigestedRepositories() []string {
	repos := []string{}
	for _, rd := range img.RepoDigests {
		repo, dgst, ok := strings.Cut(rd, "@")
		if !ok || repo == "" {
			continue
		}
		if _, err := digest.Parse(dgst); err != nil {
			continue
		}
		repos = append(repos, repo)
	}
	return repos
}

type Container struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
	// Networks maps network name to the container address on it.
	Networks map[string]string
}

func (c Container) Running() bool {
	return c.State == StateRunning
}

// Gone reports whether the container has terminated and is only waiting to be
// cleaned up.
func (c Container) Gone() bool {
	switch c.State {
	case StateExited, StateDead, StateRemoving:
		return true
	default:
		return false
	}
}

// Reference returns the artifact reference label.
func (c Container) Reference() (string, bool) {
	ref, ok := c.Labels[LabelImageName]
	if !ok || ref == "" {
		return "", false
	}
	return ref, true
}

// AddrOn returns the address to reach the container on the given network,
// falling back to its name which resolves through the runtime's DNS.
func (c Container) AddrOn(network string) string {
	if addr := c.Networks[network]; addr != "" {
		return addr
	}
	return c.Name
}

type RunSpec struct {
	Image      string
	Name       string
	Network    string
	Labels     map[string]string
	AutoRemove bool
}

type ListFilter struct {
	// Label only matches containers carrying this label key.
	Label       string
	RunningOnly bool
}

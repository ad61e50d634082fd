package runtime

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/containerd/errdefs"
)

var _ Client = &Memory{}

type memoryContainer struct {
	Container
	autoRemove bool
}

// Memory is an in-process runtime used by tests and local experiments.
// Every container it runs is reachable on Addr.
type Memory struct {
	images     map[string]Image
	remote     map[string]Image
	containers map[string]*memoryContainer
	networks   map[string]map[string]struct{}
	pullErrs   map[string]error
	removeErrs map[string]error
	runErr     error
	addr       string
	nextID     int

	runs    []RunSpec
	stops   []string
	removes []string
	pulls   []string

	mx sync.Mutex
}

func NewMemory(addr string) *Memory {
	return &Memory{
		images:     map[string]Image{},
		remote:     map[string]Image{},
		containers: map[string]*memoryContainer{},
		networks:   map[string]map[string]struct{}{},
		pullErrs:   map[string]error{},
		removeErrs: map[string]error{},
		addr:       addr,
	}
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) Verify(ctx context.Context) error {
	return nil
}

// AddImage makes an image present locally.
func (m *Memory) AddImage(ref string, img Image) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.images[ref] = img
}

// AddRemoteImage makes an image pullable.
func (m *Memory) AddRemoteImage(ref string, img Image) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.remote[ref] = img
}

func (m *Memory) SetPullError(ref string, err error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.pullErrs[ref] = err
}

func (m *Memory) SetRemoveError(ref string, err error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if err == nil {
		delete(m.removeErrs, ref)
		return
	}
	m.removeErrs[ref] = err
}

func (m *Memory) SetRunError(err error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.runErr = err
}

// AddContainer registers a container that was not started through RunContainer.
func (m *Memory) AddContainer(c Container, autoRemove bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if c.ID == "" {
		c.ID = m.newID()
	}
	m.containers[c.Name] = &memoryContainer{Container: c, autoRemove: autoRemove}
}

func (m *Memory) SetContainerState(nameOrID, state string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if c, ok := m.lookup(nameOrID); ok {
		c.State = state
	}
}

func (m *Memory) DeleteContainer(nameOrID string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if c, ok := m.lookup(nameOrID); ok {
		delete(m.containers, c.Name)
	}
}

func (m *Memory) HasImage(ref string) bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	_, ok := m.images[ref]
	return ok
}

func (m *Memory) Runs() []RunSpec {
	m.mx.Lock()
	defer m.mx.Unlock()

	return slices.Clone(m.runs)
}

func (m *Memory) Stops() []string {
	m.mx.Lock()
	defer m.mx.Unlock()

	return slices.Clone(m.stops)
}

func (m *Memory) Removes() []string {
	m.mx.Lock()
	defer m.mx.Unlock()

	return slices.Clone(m.removes)
}

func (m *Memory) Pulls() []string {
	m.mx.Lock()
	defer m.mx.Unlock()

	return slices.Clone(m.pulls)
}

func (m *Memory) ImageExists(ctx context.Context, ref string) (bool, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	_, ok := m.images[ref]
	return ok, nil
}

func (m *Memory) InspectImage(ctx context.Context, ref string) (Image, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	img, ok := m.images[ref]
	if !ok {
		return Image{}, fmt.Errorf("image %s: %w", ref, errdefs.ErrNotFound)
	}
	return img, nil
}

func (m *Memory) PullImage(ctx context.Context, ref string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.pulls = append(m.pulls, ref)
	if err, ok := m.pullErrs[ref]; ok {
		return err
	}
	img, ok := m.remote[ref]
	if !ok {
		return fmt.Errorf("pull access denied for %s, repository does not exist: %w", ref, errdefs.ErrNotFound)
	}
	m.images[ref] = img
	return nil
}

func (m *Memory) RemoveImage(ctx context.Context, ref string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.removes = append(m.removes, ref)
	if err, ok := m.removeErrs[ref]; ok {
		return err
	}
	if _, ok := m.images[ref]; !ok {
		return fmt.Errorf("no such image %s: %w", ref, errdefs.ErrNotFound)
	}
	for _, c := range m.containers {
		if c.Image == ref && !c.Gone() {
			return fmt.Errorf("image %s is being used by container %s: %w", ref, c.ID, errdefs.ErrConflict)
		}
	}
	delete(m.images, ref)
	return nil
}

func (m *Memory) GetContainer(ctx context.Context, nameOrID string) (Container, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	c, ok := m.lookup(nameOrID)
	if !ok {
		return Container{}, fmt.Errorf("no such container %s: %w", nameOrID, errdefs.ErrNotFound)
	}
	return copyContainer(c.Container), nil
}

func (m *Memory) RunContainer(ctx context.Context, spec RunSpec) (Container, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.runs = append(m.runs, spec)
	if m.runErr != nil {
		return Container{}, m.runErr
	}
	if _, ok := m.images[spec.Image]; !ok {
		return Container{}, fmt.Errorf("no such image %s: %w", spec.Image, errdefs.ErrNotFound)
	}
	if _, ok := m.containers[spec.Name]; ok {
		return Container{}, fmt.Errorf("container name %s is already in use: %w", spec.Name, errdefs.ErrConflict)
	}
	c := Container{
		ID:       m.newID(),
		Name:     spec.Name,
		Image:    spec.Image,
		State:    StateRunning,
		Labels:   maps.Clone(spec.Labels),
		Networks: map[string]string{},
	}
	if spec.Network != "" {
		c.Networks[spec.Network] = m.addr
	}
	m.containers[spec.Name] = &memoryContainer{Container: c, autoRemove: spec.AutoRemove}
	return copyContainer(c), nil
}

func (m *Memory) ListContainers(ctx context.Context, filter ListFilter) ([]Container, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	out := []Container{}
	for _, c := range m.containers {
		if filter.Label != "" {
			if _, ok := c.Labels[filter.Label]; !ok {
				continue
			}
		}
		if filter.RunningOnly && !c.Running() {
			continue
		}
		out = append(out, copyContainer(c.Container))
	}
	slices.SortFunc(out, func(a, b Container) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) StopContainer(ctx context.Context, id string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.stops = append(m.stops, id)
	c, ok := m.lookup(id)
	if !ok {
		return nil
	}
	if c.autoRemove {
		delete(m.containers, c.Name)
		return nil
	}
	c.State = StateExited
	return nil
}

func (m *Memory) NetworkExists(ctx context.Context, name string) (bool, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	_, ok := m.networks[name]
	return ok, nil
}

func (m *Memory) CreateNetwork(ctx context.Context, name string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if _, ok := m.networks[name]; ok {
		return fmt.Errorf("network with name %s already exists: %w", name, errdefs.ErrConflict)
	}
	m.networks[name] = map[string]struct{}{}
	return nil
}

func (m *Memory) ContainerNetworks(ctx context.Context, nameOrID string) ([]string, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	c, ok := m.lookup(nameOrID)
	if !ok {
		return nil, fmt.Errorf("no such container %s: %w", nameOrID, errdefs.ErrNotFound)
	}
	names := slices.Collect(maps.Keys(c.Networks))
	slices.Sort(names)
	return names, nil
}

func (m *Memory) ConnectNetwork(ctx context.Context, network, nameOrID string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	members, ok := m.networks[network]
	if !ok {
		return fmt.Errorf("network %s: %w", network, errdefs.ErrNotFound)
	}
	c, ok := m.lookup(nameOrID)
	if !ok {
		return fmt.Errorf("no such container %s: %w", nameOrID, errdefs.ErrNotFound)
	}
	if c.Networks == nil {
		c.Networks = map[string]string{}
	}
	c.Networks[network] = m.addr
	members[c.ID] = struct{}{}
	return nil
}

func (m *Memory) lookup(nameOrID string) (*memoryContainer, bool) {
	if c, ok := m.containers[nameOrID]; ok {
		return c, true
	}
	for _, c := range m.containers {
		if c.ID == nameOrID {
			return c, true
		}
	}
	return nil, false
}

func (m *Memory) newID() string {
	m.nextID++
	return fmt.Sprintf("%012x", m.nextID)
}

func copyContainer(c Container) Container {
	c.Labels = maps.Clone(c.Labels)
	c.Networks = maps.Clone(c.Networks)
	return c
}
